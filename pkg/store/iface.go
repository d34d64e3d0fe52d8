// iface.go defines Interface for dependency injection and testing,
// following the same pattern as the reference persistence layer's
// StoreInterface: the concrete *Store satisfies it, and code that
// depends on the store (the gate's decision procedure, the transport
// layer) accepts Interface so tests can inject a fake.
package store

import (
	"time"

	"github.com/gocallosum/callosum/pkg/model"
)

// Interface is the full set of coordination store operations.
type Interface interface {
	Close() error

	AppendJournal(entry model.JournalEntry) (int64, error)
	ListJournal(sinceID int64, limit int) ([]model.JournalEntry, error)
	MaxJournalID() int64
	FindRecentOnKey(key model.ContextKey, windowMs int64, now time.Time) (*model.JournalEntry, error)
	RecentOnKeyOthers(excludeKey model.ContextKey, windowMs int64, now time.Time, limit int) ([]model.JournalEntry, error)
	PruneJournal(olderThan time.Time) (int64, error)

	AcquireLock(instance string, key model.ContextKey, tier model.Tier, ttl time.Duration) (bool, error)
	ReleaseLock(instance string, key model.ContextKey) error
	GetLock(key model.ContextKey) (*model.Lock, error)
	ListLocks() ([]model.Lock, error)

	RecordContext(instance string, key model.ContextKey, tier model.Tier, tool string) error
	ListRecentContext(since time.Time) ([]model.ContextRecord, error)
	PruneContextRecords(olderThan time.Time) (int64, error)

	CheckConflict(instance string, key model.ContextKey, tier model.Tier, window time.Duration) (ConflictResult, error)
}

var _ Interface = (*Store)(nil)
