// retry.go provides automatic retry logic for transient SQLite errors,
// adapted from the same problem the reference persistence layer this
// design is patterned on already solves: under concurrent writers,
// WAL-mode SQLite surfaces SQLITE_BUSY / SQLITE_LOCKED / IOERR_SHORT_READ
// even with busy_timeout set, and those need application-level retries
// with backoff rather than an immediate failure.
//
// This scaffold is deliberately kept near-identical to that reference: it
// is generic SQLite contention handling with no journal/lock/context-record
// schema in it, so there is nothing here to adapt to Callosum's domain.
package store

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls how many attempts run() makes and how the delay
// between them grows.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is what retryOnContention uses for every write in
// store.go; nothing in this package needs a different schedule.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// transientSQLiteMarkers are substrings of modernc.org/sqlite error
// messages that indicate contention rather than a real failure: SQLITE_BUSY
// (5) when another connection holds a lock, SQLITE_LOCKED (6) on a
// table-level conflict, and SQLITE_IOERR_SHORT_READ (522) from a WAL read
// racing a concurrent writer.
var transientSQLiteMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

// isTransientSQLiteErr returns true if err looks like a transient SQLite
// error that can be resolved by retrying.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientSQLiteMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// run executes fn with exponential backoff and jitter for transient
// errors. Non-transient errors return immediately.
func (cfg retryConfig) run(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(cfg.backoffDelay(attempt))
		}
	}
	return lastErr
}

func (cfg retryConfig) backoffDelay(attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	if cfg.baseDelay <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.baseDelay)))
	return delay + jitter
}

// retryOnContention wraps a single store write with defaultRetryConfig;
// every write path in store.go except the best-effort expired-lock
// prune goes through this instead of each one calling retryConfig.run
// directly.
func retryOnContention(fn func() error) error {
	return defaultRetryConfig.run(fn)
}
