// Package trust holds the per-user trust record and the rules that move a
// user between the new, monitoring and trusted states.
package trust

import (
	"fmt"
	"time"
)

const (
	DefaultRequiredCleanCount     = 3
	DefaultMaxAllowedFlaggedCount = 0
)

// Status is the trust state of a user.
type Status string

const (
	StatusNew        Status = "new"
	StatusMonitoring Status = "monitoring"
	StatusTrusted    Status = "trusted"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNew, StatusMonitoring, StatusTrusted:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown trust status %q", s)
}

// Source records who granted trust.
type Source string

const (
	SourceAuto  Source = "auto"
	SourceAdmin Source = "admin"
)

// Record is the persisted trust state of one user.
type Record struct {
	UserID                int64
	DisplayName           string
	Username              string
	Status                Status
	ConsecutiveCleanCount int
	TotalFlaggedCount     int
	TrustedSince          *time.Time // set iff Status == StatusTrusted
	TrustedBy             Source     // empty unless Status == StatusTrusted
	LastSeenAt            *time.Time
	CreatedAt             time.Time
}

func (r Record) Trusted() bool {
	return r.Status == StatusTrusted
}

// Observation is the outcome of classifying one message, as seen by the
// state machine.
type Observation int

const (
	Clean Observation = iota
	Spam
)

func (o Observation) String() string {
	if o == Spam {
		return "spam"
	}
	return "clean"
}

// Policy holds the thresholds for automatic promotion.
type Policy struct {
	RequiredCleanCount     int
	MaxAllowedFlaggedCount int
}

func DefaultPolicy() Policy {
	return Policy{
		RequiredCleanCount:     DefaultRequiredCleanCount,
		MaxAllowedFlaggedCount: DefaultMaxAllowedFlaggedCount,
	}
}

// NeedsClassification reports whether messages from the user must go through
// the classifier. Trusted users are never re-evaluated.
func (p Policy) NeedsClassification(rec Record) bool {
	return !rec.Trusted()
}

// ShouldPromote reports whether a record, read after its clean counter was
// incremented, qualifies for automatic promotion.
func (p Policy) ShouldPromote(rec Record) bool {
	if rec.Trusted() {
		return false
	}
	return rec.ConsecutiveCleanCount >= p.RequiredCleanCount &&
		rec.TotalFlaggedCount <= p.MaxAllowedFlaggedCount
}
