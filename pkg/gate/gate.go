// Package gate implements the decision procedure: the state machine
// that turns a classified tool call into an allow / warn / pause /
// block verdict by consulting the coordination store, per the pre-call
// and post-call event sequence.
package gate

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocallosum/callosum/pkg/classifier"
	"github.com/gocallosum/callosum/pkg/metrics"
	"github.com/gocallosum/callosum/pkg/model"
	"github.com/gocallosum/callosum/pkg/store"
)

// Config carries the tunable timeouts from spec.md §6's Configuration
// section that the decision procedure itself consults. Everything else
// (state dir, mode, server URL) belongs to pkg/config's transport wiring.
type Config struct {
	// LockTTL bounds the blast radius of a crashed session (default 5m).
	LockTTL time.Duration
	// ContextWindow bounds cross-session conflict visibility (default 30m).
	ContextWindow time.Duration
	// DefaultDupWindow bounds self/other duplicate checks unless a rule
	// overrides it with its own RecentWindow (default 1h).
	DefaultDupWindow time.Duration
	// MaxSupplementalActions caps how many "other recent tier-3+
	// actions" a pause reason lists as supplemental context.
	MaxSupplementalActions int
}

// DefaultConfig returns the timeouts named as defaults in spec.md §5/§6.
func DefaultConfig() Config {
	return Config{
		LockTTL:                5 * time.Minute,
		ContextWindow:          30 * time.Minute,
		DefaultDupWindow:       time.Hour,
		MaxSupplementalActions: 3,
	}
}

// Gate is the decision procedure. One Gate is bound to exactly one
// coordination store; concurrent calls into it from many goroutines are
// safe, matching spec.md §5's "single-threaded per store" requirement —
// the store itself does the serializing, gate.mu only protects the
// in-memory pending-call table.
type Gate struct {
	Instance   string
	store      store.Interface
	classifier atomic.Pointer[classifier.Classifier]
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Collectors

	mu      sync.Mutex
	pending map[string]pendingCall
}

// New builds a Gate over an already-opened store and a compiled rule set.
// m may be nil, in which case the gate runs unobserved (tests do this
// routinely; cmd/callosumd always passes a real registry).
func New(instance string, st store.Interface, cl *classifier.Classifier, cfg Config, m *metrics.Collectors, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{
		Instance: instance,
		store:    st,
		cfg:      cfg,
		log:      log.With("component", "gate", "instance", instance),
		metrics:  m,
		pending:  make(map[string]pendingCall),
	}
	g.classifier.Store(cl)
	return g
}

// SetClassifier atomically swaps in a newly reloaded rule set (see
// pkg/config.RuleWatcher). In-flight calls that already captured a
// pendingCall snapshot are unaffected; only calls classified after the
// swap observe the new rules.
func (g *Gate) SetClassifier(cl *classifier.Classifier) {
	g.classifier.Store(cl)
}

// classifySafely runs the classifier and recovers a panic into the
// tier-0 fallback spec.md §4.4/§7 mandates for ClassificationError:
// availability wins over precision because a classifier bug must not
// brick the agent.
func (g *Gate) classifySafely(tool string, params model.Params) (result classifier.Result, degraded bool) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Warn("classification panicked, degrading to tier 0", "tool", tool, "panic", r)
			result = classifier.Result{Tier: model.TierReadOnly, RuleName: "classification-error-fallback"}
			degraded = true
			g.observeClassificationError()
		}
	}()
	return g.classifier.Load().Classify(tool, params), false
}

func (g *Gate) observeVerdict(v Verdict) {
	if g.metrics == nil {
		return
	}
	g.metrics.ObserveVerdict(string(v.Kind), int(v.Tier))
}

func (g *Gate) observeJournal(action model.Action) {
	if g.metrics == nil {
		return
	}
	g.metrics.ObserveJournal(string(action))
}

func (g *Gate) observeLockConflict() {
	if g.metrics == nil {
		return
	}
	g.metrics.LockConflictsTotal.Inc()
}

func (g *Gate) observeClassificationError() {
	if g.metrics == nil {
		return
	}
	g.metrics.ClassificationErrors.Inc()
}

// BeforeToolCall implements spec.md §4.4's pre-call procedure. instance
// identifies the calling session: in plugin mode it's always the one
// identity the embedding Gate was built for (NewHooks supplies
// g.Instance itself), but a server-mode Gate is shared across several
// plugin instances over pkg/transport, so callers there must pass the
// requesting session's own identity, not the daemon's.
func (g *Gate) BeforeToolCall(instance, tool string, params model.Params) (Verdict, error) {
	verdict, err := g.beforeToolCall(instance, tool, params)
	g.observeVerdict(verdict)
	return verdict, err
}

func (g *Gate) beforeToolCall(instance, tool string, params model.Params) (Verdict, error) {
	result, _ := g.classifySafely(tool, params)

	journalID, err := g.store.AppendJournal(model.JournalEntry{
		Instance:     instance,
		Tool:         tool,
		Tier:         result.Tier,
		RuleName:     result.RuleName,
		ContextKey:   result.ContextKey,
		Action:       model.ActionIntercept,
		ParamsDigest: paramsDigest(params),
	})
	if err != nil {
		g.log.Error("journal append failed on intercept, blocking call", "instance", instance, "tool", tool, "err", err)
		return Verdict{
			Kind:   KindBlock,
			Tier:   result.Tier,
			Reason: fmt.Sprintf("coordination journal is unavailable (%v); refusing to proceed without an audit record", err),
		}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	g.observeJournal(model.ActionIntercept)

	g.savePending(instance, tool, params, pendingCall{
		Tier:       result.Tier,
		ContextKey: result.ContextKey,
		RuleName:   result.RuleName,
		Window:     result.RecentWindow,
	})

	if result.Tier >= model.TierRoutine && result.ContextKey != "" {
		if err := g.store.RecordContext(instance, result.ContextKey, result.Tier, tool); err != nil {
			g.log.Warn("recordContext failed", "instance", instance, "contextKey", result.ContextKey, "err", err)
		}
	}

	if result.Tier < model.TierCommitment || result.ContextKey == "" {
		return Verdict{Kind: KindAllow, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, JournalID: journalID}, nil
	}

	window := g.dupWindow(result.RecentWindow)

	dup, err := g.store.FindRecentOnKey(result.ContextKey, window.Milliseconds(), time.Now().UTC())
	if err != nil {
		g.log.Error("findRecentOnKey failed, blocking call", "contextKey", result.ContextKey, "err", err)
		return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName,
			Reason: fmt.Sprintf("coordination store is unavailable (%v)", err)}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if dup != nil {
		reason := g.pauseReason(result, dup)
		g.appendBlocked(instance, result, tool, params, reason)
		return Verdict{Kind: KindPause, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Reason: reason, JournalID: journalID}, nil
	}

	conflict, err := g.store.CheckConflict(instance, result.ContextKey, result.Tier, g.cfg.ContextWindow)
	if err != nil {
		g.log.Error("checkConflict failed, blocking call", "contextKey", result.ContextKey, "err", err)
		return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName,
			Reason: fmt.Sprintf("coordination store is unavailable (%v)", err)}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if conflict.HasConflict {
		g.observeLockConflict()
		if result.Tier >= model.TierIrreversible {
			reason := g.conflictReason(result, conflict)
			g.appendBlocked(instance, result, tool, params, reason)
			return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Reason: reason, JournalID: journalID}, nil
		}
		g.log.Warn("proceeding despite conflict at tier below irreversible", "contextKey", result.ContextKey, "conflictWith", conflict.ConflictWith, "tier", result.Tier)
	}

	acquired, err := g.store.AcquireLock(instance, result.ContextKey, result.Tier, g.cfg.LockTTL)
	if err != nil {
		g.log.Error("acquireLock failed, blocking call", "contextKey", result.ContextKey, "err", err)
		return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName,
			Reason: fmt.Sprintf("coordination store is unavailable (%v)", err)}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !acquired {
		if result.Tier >= model.TierIrreversible {
			lock, _ := g.store.GetLock(result.ContextKey)
			reason := fmt.Sprintf("context key %q is locked by another instance", result.ContextKey)
			if lock != nil {
				reason = fmt.Sprintf("context key %q is held by instance %q; irreversible actions require exclusive access", result.ContextKey, lock.Instance)
			}
			g.appendBlocked(instance, result, tool, params, reason)
			return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Reason: reason, JournalID: journalID}, nil
		}
		g.log.Warn("lost lock race, proceeding without lock", "contextKey", result.ContextKey, "tier", result.Tier)
		return Verdict{Kind: KindWarn, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName,
			Reason: "another instance currently holds the coordination lock for this context key", JournalID: journalID}, nil
	}

	kind := KindAllow
	if conflict.HasConflict {
		kind = KindWarn
	}
	return Verdict{Kind: kind, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, JournalID: journalID}, nil
}

// AfterToolCall implements spec.md §4.4's post-call procedure. instance
// must match whatever identity BeforeToolCall was called with for this
// same call, so the pending-call snapshot lookup and lock release
// resolve to the right session. callErr is the error the tool call
// itself returned, if any (nil on success).
func (g *Gate) AfterToolCall(instance, tool string, params model.Params, callErr error) error {
	snap, ok := g.takePending(instance, tool, params)
	if !ok {
		// No snapshot survived — either the gate restarted between the two
		// events, or this post-call has no matching pre-call (or its
		// snapshot was already consumed). Re-classify as the fallback.
		result, _ := g.classifySafely(tool, params)
		snap = pendingCall{Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName}
	}

	if snap.Tier < model.TierCommitment || snap.ContextKey == "" {
		return nil
	}

	action := model.ActionComplete
	if callErr != nil {
		action = model.ActionFailed
	}
	if _, err := g.store.AppendJournal(model.JournalEntry{
		Instance:     instance,
		Tool:         tool,
		Tier:         snap.Tier,
		RuleName:     snap.RuleName,
		ContextKey:   snap.ContextKey,
		Action:       action,
		ParamsDigest: paramsDigest(params),
	}); err != nil {
		g.log.Error("journal append failed on post-call", "instance", instance, "tool", tool, "err", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	g.observeJournal(action)

	if err := g.store.ReleaseLock(instance, snap.ContextKey); err != nil {
		g.log.Error("releaseLock failed on post-call", "instance", instance, "contextKey", snap.ContextKey, "err", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (g *Gate) dupWindow(ruleWindowMs int64) time.Duration {
	if ruleWindowMs > 0 {
		return time.Duration(ruleWindowMs) * time.Millisecond
	}
	return g.cfg.DefaultDupWindow
}

func (g *Gate) appendBlocked(instance string, result classifier.Result, tool string, params model.Params, note string) {
	if _, err := g.store.AppendJournal(model.JournalEntry{
		Instance:     instance,
		Tool:         tool,
		Tier:         result.Tier,
		RuleName:     result.RuleName,
		ContextKey:   result.ContextKey,
		Action:       model.ActionBlocked,
		ParamsDigest: paramsDigest(params),
		ConflictNote: note,
	}); err != nil {
		g.log.Error("journal append failed on block", "instance", instance, "tool", tool, "err", err)
		return
	}
	g.observeJournal(model.ActionBlocked)
}

// pauseReason renders the reason string spec.md §4.4 step 4a and §7
// require: the recent same-context action, up to a fixed number of
// other recent tier-3+ actions as supplemental context, and an
// instruction permitting retry if the new action is genuinely distinct.
func (g *Gate) pauseReason(result classifier.Result, dup *model.JournalEntry) string {
	reason := fmt.Sprintf("a matching action on %q was already completed by instance %q at %s",
		result.ContextKey, dup.Instance, dup.Timestamp.Format(time.RFC3339))

	others, err := g.store.RecentOnKeyOthers(result.ContextKey, g.cfg.ContextWindow.Milliseconds(), time.Now().UTC(), g.cfg.MaxSupplementalActions)
	if err == nil && len(others) > 0 {
		reason += "; other recent related actions:"
		for _, o := range others {
			reason += fmt.Sprintf(" [%s by %s on %s at %s]", o.Tool, o.Instance, o.ContextKey, o.Timestamp.Format(time.RFC3339))
		}
	}
	reason += ". Retry only if this call is genuinely distinct from the one already completed."
	return reason
}

func (g *Gate) conflictReason(result classifier.Result, conflict store.ConflictResult) string {
	if conflict.Locked {
		return fmt.Sprintf("context key %q is locked by instance %q", result.ContextKey, conflict.ConflictWith)
	}
	return fmt.Sprintf("instance %q recently acted on context key %q", conflict.ConflictWith, result.ContextKey)
}

func (g *Gate) savePending(instance, tool string, params model.Params, p pendingCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[pendingKey(instance, tool, params)] = p
}

func (g *Gate) takePending(instance, tool string, params model.Params) (pendingCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := pendingKey(instance, tool, params)
	p, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
	}
	return p, ok
}
