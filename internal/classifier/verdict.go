package classifier

import "strings"

type Kind string

const (
	KindClean Kind = "clean"
	KindSpam  Kind = "spam"
)

// Verdict is the parsed outcome of one classification.
type Verdict struct {
	Kind   Kind
	Reason string
}

func Clean() Verdict { return Verdict{Kind: KindClean} }

func Spam(reason string) Verdict { return Verdict{Kind: KindSpam, Reason: reason} }

func (v Verdict) IsSpam() bool { return v.Kind == KindSpam }

func (v Verdict) String() string {
	if !v.IsSpam() {
		return "CLEAN"
	}
	if v.Reason == "" {
		return "SPAM"
	}
	return "SPAM: " + v.Reason
}

// ParseVerdict reads a model reply. Replies starting with "SPAM" are spam;
// anything else, including garbage, is clean.
func ParseVerdict(raw string) Verdict {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "SPAM") {
		return Clean()
	}
	reason := strings.TrimSpace(s[len("SPAM"):])
	reason = strings.TrimSpace(strings.TrimLeft(reason, ":："))
	return Spam(reason)
}
