package gate

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gocallosum/callosum/pkg/classifier"
	"github.com/gocallosum/callosum/pkg/metrics"
	"github.com/gocallosum/callosum/pkg/model"
	"github.com/gocallosum/callosum/pkg/store"
)

// memStore is a minimal in-memory store.Interface used to exercise the
// decision procedure without a real backend, the way the reference
// coordination layer's own tests inject a fake persistence layer.
type memStore struct {
	journal  []model.JournalEntry
	locks    map[model.ContextKey]model.Lock
	contexts []model.ContextRecord
	nextID   int64

	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{locks: map[model.ContextKey]model.Lock{}}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) AppendJournal(e model.JournalEntry) (int64, error) {
	if m.failAppend {
		return 0, errors.New("simulated disk failure")
	}
	m.nextID++
	e.ID = m.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.journal = append(m.journal, e)
	return e.ID, nil
}

func (m *memStore) ListJournal(sinceID int64, limit int) ([]model.JournalEntry, error) {
	var out []model.JournalEntry
	for _, e := range m.journal {
		if e.ID > sinceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) MaxJournalID() int64 { return m.nextID }

func (m *memStore) FindRecentOnKey(key model.ContextKey, windowMs int64, now time.Time) (*model.JournalEntry, error) {
	cutoff := now.Add(-time.Duration(windowMs) * time.Millisecond)
	var best *model.JournalEntry
	for i := range m.journal {
		e := m.journal[i]
		if e.ContextKey != key || e.Action != model.ActionComplete || e.Timestamp.Before(cutoff) {
			continue
		}
		if best == nil || e.Timestamp.After(best.Timestamp) {
			ec := e
			best = &ec
		}
	}
	return best, nil
}

func (m *memStore) RecentOnKeyOthers(excludeKey model.ContextKey, windowMs int64, now time.Time, limit int) ([]model.JournalEntry, error) {
	return nil, nil
}

func (m *memStore) PruneJournal(olderThan time.Time) (int64, error) { return 0, nil }

func (m *memStore) AcquireLock(instance string, key model.ContextKey, tier model.Tier, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if l, ok := m.locks[key]; ok && !l.Expired(now) && l.Instance != instance {
		return false, nil
	}
	m.locks[key] = model.Lock{Instance: instance, ContextKey: key, Tier: tier, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *memStore) ReleaseLock(instance string, key model.ContextKey) error {
	if l, ok := m.locks[key]; ok && l.Instance == instance {
		delete(m.locks, key)
	}
	return nil
}

func (m *memStore) GetLock(key model.ContextKey) (*model.Lock, error) {
	if l, ok := m.locks[key]; ok && !l.Expired(time.Now().UTC()) {
		return &l, nil
	}
	return nil, nil
}

func (m *memStore) ListLocks() ([]model.Lock, error) {
	var out []model.Lock
	for _, l := range m.locks {
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) RecordContext(instance string, key model.ContextKey, tier model.Tier, tool string) error {
	m.contexts = append(m.contexts, model.ContextRecord{Instance: instance, ContextKey: key, Tier: tier, Timestamp: time.Now().UTC(), Tool: tool})
	return nil
}

func (m *memStore) ListRecentContext(since time.Time) ([]model.ContextRecord, error) {
	var out []model.ContextRecord
	for _, r := range m.contexts {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) PruneContextRecords(olderThan time.Time) (int64, error) { return 0, nil }

func (m *memStore) CheckConflict(instance string, key model.ContextKey, tier model.Tier, window time.Duration) (store.ConflictResult, error) {
	if l, ok := m.locks[key]; ok && !l.Expired(time.Now().UTC()) && l.Instance != instance {
		return store.ConflictResult{HasConflict: true, ConflictWith: l.Instance, Locked: true}, nil
	}
	if tier < model.TierCommitment {
		return store.ConflictResult{}, nil
	}
	cutoff := time.Now().UTC().Add(-window)
	for _, r := range m.contexts {
		if r.ContextKey == key && r.Instance != instance && r.Timestamp.After(cutoff) {
			return store.ConflictResult{HasConflict: true, ConflictWith: r.Instance}, nil
		}
	}
	return store.ConflictResult{}, nil
}

var _ store.Interface = (*memStore)(nil)

func newTestGate(t *testing.T, instance string, st store.Interface) *Gate {
	t.Helper()
	cl, err := classifier.New(classifier.DefaultRules())
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	return New(instance, st, cl, DefaultConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Scenario 1 from spec.md §8: email duplicate detection against self.
func TestScenario_EmailDuplicateSelf(t *testing.T) {
	st := newMemStore()
	g := newTestGate(t, "alpha", st)
	params := model.Params{"command": "curl --url 'smtp://host' --mail-rcpt 'alice@example.com'"}

	v1, err := g.BeforeToolCall(g.Instance, "exec", params)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != KindAllow || v1.Tier != model.TierCommitment {
		t.Fatalf("first call: got %+v", v1)
	}
	if err := g.AfterToolCall(g.Instance, "exec", params, nil); err != nil {
		t.Fatal(err)
	}

	v2, err := g.BeforeToolCall(g.Instance, "exec", params)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Kind != KindPause {
		t.Fatalf("second identical call: expected pause, got %+v", v2)
	}
	if v2.Proceed() {
		t.Fatal("pause verdict must not proceed")
	}
}

// Scenario 3: irreversible race between two instances.
func TestScenario_IrreversibleRace(t *testing.T) {
	st := newMemStore()
	alpha := newTestGate(t, "alpha", st)
	beta := newTestGate(t, "beta", st)
	params := model.Params{"action": "channel-delete"}

	v1, err := alpha.BeforeToolCall(alpha.Instance, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != KindAllow {
		t.Fatalf("alpha should be allowed first, got %+v", v1)
	}

	v2, err := beta.BeforeToolCall(beta.Instance, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Kind != KindBlock {
		t.Fatalf("beta should be blocked by alpha's lock, got %+v", v2)
	}
}

// Scenario 4: different recipients never conflict.
func TestScenario_DifferentRecipientsNoConflict(t *testing.T) {
	st := newMemStore()
	alpha := newTestGate(t, "alpha", st)
	beta := newTestGate(t, "beta", st)

	v1, err := alpha.BeforeToolCall(alpha.Instance, "exec", model.Params{"command": "curl --mail-rcpt 'alice@example.com'"})
	if err != nil || v1.Kind != KindAllow {
		t.Fatalf("alpha: %+v err=%v", v1, err)
	}
	v2, err := beta.BeforeToolCall(beta.Instance, "exec", model.Params{"command": "curl --mail-rcpt 'bob@example.com'"})
	if err != nil || v2.Kind != KindAllow {
		t.Fatalf("beta: %+v err=%v", v2, err)
	}
	if v1.ContextKey == v2.ContextKey {
		t.Fatalf("expected distinct context keys, both got %q", v1.ContextKey)
	}
}

// Scenario 6: lock expiry frees the key for another instance.
func TestScenario_LockExpiry(t *testing.T) {
	st := newMemStore()
	alpha := newTestGate(t, "alpha", st)
	alpha.cfg.LockTTL = time.Millisecond
	beta := newTestGate(t, "beta", st)
	// alpha's pre-call also leaves a context record on the key; at tier 4
	// that alone is a conflict within beta's context window, so shrink the
	// window to let the expired lock be the only thing under test.
	beta.cfg.ContextWindow = time.Millisecond

	v1, err := alpha.BeforeToolCall(alpha.Instance, "message", model.Params{"action": "channel-delete"})
	if err != nil || v1.Kind != KindAllow {
		t.Fatalf("alpha: %+v err=%v", v1, err)
	}
	time.Sleep(5 * time.Millisecond)

	v2, err := beta.BeforeToolCall(beta.Instance, "message", model.Params{"action": "channel-delete"})
	if err != nil {
		t.Fatal(err)
	}
	if v2.Kind != KindAllow {
		t.Fatalf("beta should acquire the expired lock, got %+v", v2)
	}
}

func TestBeforeToolCall_AlwaysJournalsIntercept(t *testing.T) {
	st := newMemStore()
	g := newTestGate(t, "alpha", st)
	if _, err := g.BeforeToolCall(g.Instance, "read-file", model.Params{"path": "/tmp/x"}); err != nil {
		t.Fatal(err)
	}
	if len(st.journal) != 1 || st.journal[0].Action != model.ActionIntercept {
		t.Fatalf("expected one intercept entry regardless of tier, got %+v", st.journal)
	}
}

func TestBeforeToolCall_JournalFailureBlocks(t *testing.T) {
	st := newMemStore()
	st.failAppend = true
	g := newTestGate(t, "alpha", st)
	v, err := g.BeforeToolCall(g.Instance, "exec", model.Params{"command": "rm -rf /tmp/x"})
	if err == nil {
		t.Fatal("expected a persistence error")
	}
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if v.Kind != KindBlock {
		t.Fatalf("expected block verdict on journal failure, got %+v", v)
	}
}

func TestAfterToolCall_FailedActionOnError(t *testing.T) {
	st := newMemStore()
	g := newTestGate(t, "alpha", st)
	params := model.Params{"command": "curl --mail-rcpt 'x@example.com'"}
	if _, err := g.BeforeToolCall(g.Instance, "exec", params); err != nil {
		t.Fatal(err)
	}
	if err := g.AfterToolCall(g.Instance, "exec", params, errors.New("smtp timeout")); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range st.journal {
		if e.Action == model.ActionFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a failed journal entry")
	}
	if _, ok := st.locks["email:x@example.com"]; ok {
		t.Fatal("lock should be released after a failed post-call")
	}
}

func TestAfterToolCall_ReleasesLockOnSuccess(t *testing.T) {
	st := newMemStore()
	g := newTestGate(t, "alpha", st)
	params := model.Params{"action": "channel-delete", "target": "general"}
	v, err := g.BeforeToolCall(g.Instance, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.locks[v.ContextKey]; !ok {
		t.Fatal("expected lock to be held after allow")
	}
	if err := g.AfterToolCall(g.Instance, "message", params, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.locks[v.ContextKey]; ok {
		t.Fatal("expected lock to be released after successful completion")
	}
}

func TestBeforeToolCall_SubThresholdTiersSkipDuplicateCheck(t *testing.T) {
	st := newMemStore()
	g := newTestGate(t, "alpha", st)
	v, err := g.BeforeToolCall(g.Instance, "read-file", model.Params{"path": "/etc/hosts"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindAllow || v.Tier != model.TierReadOnly {
		t.Fatalf("expected tier-0 allow, got %+v", v)
	}
	if len(st.locks) != 0 {
		t.Fatal("tier 0 must never acquire a lock")
	}
}

func TestBeforeToolCall_Tier2NeverBlocksOnConflict(t *testing.T) {
	st := newMemStore()
	alpha := newTestGate(t, "alpha", st)
	beta := newTestGate(t, "beta", st)
	params := model.Params{"action": "thread-reply", "target": "andy"}

	if _, err := alpha.BeforeToolCall(alpha.Instance, "message", params); err != nil {
		t.Fatal(err)
	}
	v, err := beta.BeforeToolCall(beta.Instance, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindAllow {
		t.Fatalf("tier 2 has no block path, expected allow, got %+v", v)
	}
}

func TestBeforeToolCall_RecordsDecisionAndJournalMetrics(t *testing.T) {
	st := newMemStore()
	cl, err := classifier.New(classifier.DefaultRules())
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	g := New("alpha", st, cl, DefaultConfig(), m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := g.BeforeToolCall(g.Instance, "read-file", model.Params{"path": "/etc/hosts"}); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("allow", "0")); got != 1 {
		t.Fatalf("expected 1 allow decision at tier 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.JournalEntriesTotal.WithLabelValues("intercept")); got != 1 {
		t.Fatalf("expected 1 intercept journal entry, got %v", got)
	}
}

func TestBeforeToolCall_RecordsLockConflict(t *testing.T) {
	st := newMemStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cl, err := classifier.New(classifier.DefaultRules())
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	alpha := New("alpha", st, cl, DefaultConfig(), m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	beta := New("beta", st, cl, DefaultConfig(), m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	params := model.Params{"action": "channel-delete", "target": "general"}

	// alpha holds the lock (no AfterToolCall yet, so it never journals a
	// "complete" entry and can't trip beta's duplicate-detection path
	// first); beta's CheckConflict then finds the lock directly.
	if _, err := alpha.BeforeToolCall(alpha.Instance, "message", params); err != nil {
		t.Fatal(err)
	}
	if _, err := beta.BeforeToolCall(beta.Instance, "message", params); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.LockConflictsTotal); got != 1 {
		t.Fatalf("expected 1 lock conflict recorded, got %v", got)
	}
}
