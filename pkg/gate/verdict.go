package gate

import "github.com/gocallosum/callosum/pkg/model"

// Kind distinguishes the four possible outcomes of a pre-call decision.
// Pause is, at the transport, indistinguishable from Block — the tool
// does not run either way — but the two carry different intent and are
// kept apart here per spec.md §9 ("preserve this distinction at the
// verdict layer even if the wire encoding collapses them").
type Kind string

const (
	KindAllow Kind = "allow"
	KindWarn  Kind = "warn"
	KindPause Kind = "pause"
	KindBlock Kind = "block"
)

// Proceed reports whether the tool call should actually run.
func (k Kind) Proceed() bool {
	return k == KindAllow || k == KindWarn
}

// Verdict is the outcome of a pre-call decision, and the single value
// the hook surface (or its RPC envelope) needs to act on.
type Verdict struct {
	Kind       Kind
	Tier       model.Tier
	ContextKey model.ContextKey
	RuleName   string
	Reason     string
	JournalID  int64
}

// Proceed reports whether the caller should let the tool call execute.
func (v Verdict) Proceed() bool { return v.Kind.Proceed() }

// BlockReason renders the structured failure message described in
// spec.md §7: for a Pause or Block verdict, this is the agent's sole
// input for deciding whether to retry.
func (v Verdict) BlockReason() string { return v.Reason }
