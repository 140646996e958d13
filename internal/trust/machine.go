package trust

import (
	"context"
	"fmt"
	"time"
)

// Store is the subset of trust persistence the state machine drives. Each
// method is a single-row atomic update.
type Store interface {
	Get(ctx context.Context, userID int64) (Record, error)
	MarkClean(ctx context.Context, userID int64, now time.Time) error
	MarkFlagged(ctx context.Context, userID int64, now time.Time) error
	Promote(ctx context.Context, userID int64, by Source, now time.Time) (bool, error)
}

// Outcome describes what one observation did to a user.
type Outcome struct {
	Record   Record
	Flagged  bool
	Promoted bool
}

// Machine applies observations to stored records. It keeps no state of its
// own; every call re-reads the row.
type Machine struct {
	store  Store
	policy Policy
}

func NewMachine(store Store, policy Policy) *Machine {
	return &Machine{store: store, policy: policy}
}

func (m *Machine) Policy() Policy {
	return m.policy
}

// Apply records one classified message for userID. A spam observation flags
// the user and never promotes; a clean one bumps the streak and promotes when
// the policy allows it.
func (m *Machine) Apply(ctx context.Context, userID int64, obs Observation, now time.Time) (Outcome, error) {
	if obs == Spam {
		if err := m.store.MarkFlagged(ctx, userID, now); err != nil {
			return Outcome{}, fmt.Errorf("mark flagged: %w", err)
		}
		rec, err := m.store.Get(ctx, userID)
		if err != nil {
			return Outcome{}, fmt.Errorf("reload after flag: %w", err)
		}
		return Outcome{Record: rec, Flagged: true}, nil
	}

	if err := m.store.MarkClean(ctx, userID, now); err != nil {
		return Outcome{}, fmt.Errorf("mark clean: %w", err)
	}
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload after clean: %w", err)
	}
	if !m.policy.ShouldPromote(rec) {
		return Outcome{Record: rec}, nil
	}

	promoted, err := m.store.Promote(ctx, userID, SourceAuto, now)
	if err != nil {
		return Outcome{Record: rec}, fmt.Errorf("promote: %w", err)
	}
	if promoted {
		since := now
		rec.Status = StatusTrusted
		rec.TrustedBy = SourceAuto
		rec.TrustedSince = &since
	}
	return Outcome{Record: rec, Promoted: promoted}, nil
}
