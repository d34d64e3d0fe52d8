package gate

import "errors"

// The five error kinds from spec.md §7. ClassificationError is not
// exported as a sentinel because it is always recovered internally —
// the gate never surfaces it to a caller, it degrades to tier 0.
var (
	// ErrConfig marks a malformed rule list: unknown tier or an
	// uncompilable command pattern (a missing catch-all is injected by
	// the classifier, not rejected). Refuse to start.
	ErrConfig = errors.New("gate: configuration error")

	// ErrPersistence marks a failed journal append or lock-table write.
	// Fatal for the current call: the gate returns a block verdict
	// rather than proceed without an audit trail.
	ErrPersistence = errors.New("gate: persistence error")

	// ErrRemoteUnavailable marks a transport failure when a server-mode
	// deployment tries to delegate to a shared coordination server.
	ErrRemoteUnavailable = errors.New("gate: remote store unavailable")
)
