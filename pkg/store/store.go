// Package store implements the Coordination Store described in
// spec.md §4.3: an append-only journal, a lock table enforcing at most
// one active lock per context key, and a short-horizon context-activity
// record, kept consistent under concurrent access from multiple agent
// instances.
//
// Persistence is SQLite in WAL mode, the same choice the reference
// coordination layer this design is patterned on makes for exactly the
// same reason: SQLite becomes the shared communication medium between
// otherwise-independent agent processes, with the busy_timeout pragma
// absorbing most write contention and this package's retry policy
// absorbing the rest.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/gocallosum/callosum/pkg/model"

	_ "modernc.org/sqlite"
)

// Store owns the journal, lock table, and context record. All mutating
// operations are serialized by mu, matching spec.md §5's requirement
// that "the decision procedure is single-threaded per store."
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the SQLite database at path and applies the
// schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     TEXT NOT NULL,
		instance      TEXT NOT NULL,
		tool          TEXT NOT NULL,
		tier          INTEGER NOT NULL,
		rule_name     TEXT NOT NULL,
		context_key   TEXT,
		action        TEXT NOT NULL,
		params_digest TEXT,
		conflict_note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_journal_context_key ON journal(context_key, action, timestamp);
	CREATE INDEX IF NOT EXISTS idx_journal_instance ON journal(instance, context_key);

	CREATE TABLE IF NOT EXISTS locks (
		context_key TEXT PRIMARY KEY,
		instance    TEXT NOT NULL,
		tier        INTEGER NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS context_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		instance    TEXT NOT NULL,
		context_key TEXT NOT NULL,
		tier        INTEGER NOT NULL,
		timestamp   TEXT NOT NULL,
		tool        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_context_records_key ON context_records(context_key, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

const timeLayout = time.RFC3339Nano

// ---------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------

// AppendJournal atomically appends entry and returns its assigned ID.
// If entry.Timestamp is zero, it is set to time.Now().UTC(). Append is
// durable before this returns.
func (s *Store) AppendJournal(entry model.JournalEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO journal (timestamp, instance, tool, tier, rule_name, context_key, action, params_digest, conflict_note)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.Timestamp.Format(timeLayout), entry.Instance, entry.Tool, int(entry.Tier),
			entry.RuleName, nullableKey(entry.ContextKey), string(entry.Action),
			nullableStr(entry.ParamsDigest), nullableStr(entry.ConflictNote),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListJournal returns up to limit entries with id > sinceID, ordered by
// id ascending (append order). limit <= 0 means 50, per spec.md §6's
// `journal` RPC default.
func (s *Store) ListJournal(sinceID int64, limit int) ([]model.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, instance, tool, tier, rule_name, COALESCE(context_key,''),
		        action, COALESCE(params_digest,''), COALESCE(conflict_note,'')
		 FROM journal WHERE id > ? ORDER BY id ASC LIMIT ?`, sinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJournal(rows)
}

// MaxJournalID returns the highest journal row ID, or 0 if empty.
func (s *Store) MaxJournalID() int64 {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM journal`).Scan(&id); err != nil {
		return 0
	}
	return id
}

// FindRecentOnKey returns the most recent `complete` journal entry with
// the given context key whose timestamp is within windowMs of now, or
// nil if there is none. Used for tier-3+ duplicate detection against
// any instance including self (spec.md §4.4 step 4a).
func (s *Store) FindRecentOnKey(key model.ContextKey, windowMs int64, now time.Time) (*model.JournalEntry, error) {
	cutoff := now.Add(-time.Duration(windowMs) * time.Millisecond)
	rows, err := s.db.Query(
		`SELECT id, timestamp, instance, tool, tier, rule_name, COALESCE(context_key,''),
		        action, COALESCE(params_digest,''), COALESCE(conflict_note,'')
		 FROM journal WHERE context_key = ? AND action = ? AND timestamp >= ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		string(key), string(model.ActionComplete), cutoff.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanJournal(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// RecentOnKeyOthers returns up to `limit` recent tier>=3 journal
// `complete` entries other than the exact key, used to enrich a pause
// verdict's human-readable reason with supplemental context per
// spec.md §4.4 step 4a(ii).
func (s *Store) RecentOnKeyOthers(excludeKey model.ContextKey, windowMs int64, now time.Time, limit int) ([]model.JournalEntry, error) {
	cutoff := now.Add(-time.Duration(windowMs) * time.Millisecond)
	rows, err := s.db.Query(
		`SELECT id, timestamp, instance, tool, tier, rule_name, COALESCE(context_key,''),
		        action, COALESCE(params_digest,''), COALESCE(conflict_note,'')
		 FROM journal WHERE action = ? AND tier >= 3 AND context_key != ? AND timestamp >= ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		string(model.ActionComplete), string(excludeKey), cutoff.Format(timeLayout), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJournal(rows)
}

// PruneJournal deletes journal rows older than olderThan. This is the
// SQLite-native analog of the file-backed store's log rotation
// (spec.md §6): it bounds file growth without ever touching newly
// appended entries, since only rows strictly older than the retention
// window are eligible.
func (s *Store) PruneJournal(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(`DELETE FROM journal WHERE timestamp < ?`, olderThan.Format(timeLayout))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func scanJournal(rows *sql.Rows) ([]model.JournalEntry, error) {
	var out []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var tsStr, ctxKey, action string
		var tier int
		if err := rows.Scan(&e.ID, &tsStr, &e.Instance, &e.Tool, &tier, &e.RuleName,
			&ctxKey, &action, &e.ParamsDigest, &e.ConflictNote); err != nil {
			return nil, err
		}
		ts, err := time.Parse(timeLayout, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp for entry %d: %w", e.ID, err)
		}
		e.Timestamp = ts
		e.Tier = model.Tier(tier)
		e.ContextKey = model.ContextKey(ctxKey)
		e.Action = model.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------

// AcquireLock attempts to acquire an advisory lock on key for instance.
// If no active lock exists, one is created with expiresAt = now + ttl.
// If an active lock exists and is already held by instance, it is
// refreshed (extended) and this still returns true. Otherwise it
// returns false without modifying the existing lock. Expired locks are
// treated as absent and pruned opportunistically.
func (s *Store) AcquireLock(instance string, key model.ContextKey, tier model.Tier, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.expireStaleLocksLocked(now)

	var granted bool
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		var existingInstance, expiresStr string
		err = tx.QueryRow(`SELECT instance, expires_at FROM locks WHERE context_key = ?`, string(key)).
			Scan(&existingInstance, &expiresStr)
		switch {
		case err == sql.ErrNoRows:
			granted = true
		case err != nil:
			return err
		default:
			expiresAt, perr := time.Parse(timeLayout, expiresStr)
			if perr != nil {
				return fmt.Errorf("parse lock expires_at for %s: %w", key, perr)
			}
			if now.After(expiresAt) {
				granted = true // expired: treat as absent
			} else if existingInstance == instance {
				granted = true // refresh
			} else {
				granted = false // held by someone else, still active
			}
		}

		if !granted {
			return nil
		}

		expiresAt := now.Add(ttl)
		_, err = tx.Exec(
			`INSERT INTO locks (context_key, instance, tier, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(context_key) DO UPDATE SET
			   instance = excluded.instance,
			   tier = excluded.tier,
			   acquired_at = excluded.acquired_at,
			   expires_at = excluded.expires_at`,
			string(key), instance, int(tier), now.Format(timeLayout), expiresAt.Format(timeLayout),
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return granted, err
}

// ReleaseLock removes the active lock on key only if it is held by
// instance; otherwise it is a no-op. Idempotent.
func (s *Store) ReleaseLock(instance string, key model.ContextKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM locks WHERE context_key = ? AND instance = ?`, string(key), instance)
		return err
	})
}

// GetLock returns the active lock on key, or nil if none (expired locks
// are treated as absent).
func (s *Store) GetLock(key model.ContextKey) (*model.Lock, error) {
	row := s.db.QueryRow(
		`SELECT context_key, instance, tier, acquired_at, expires_at FROM locks WHERE context_key = ?`,
		string(key),
	)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return l, nil
}

// ListLocks returns all active (non-expired) locks, pruning expired
// ones opportunistically first.
func (s *Store) ListLocks() ([]model.Lock, error) {
	s.mu.Lock()
	s.expireStaleLocksLocked(time.Now().UTC())
	s.mu.Unlock()

	rows, err := s.db.Query(`SELECT context_key, instance, tier, acquired_at, expires_at FROM locks ORDER BY acquired_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Lock
	for rows.Next() {
		l, err := scanLockRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) expireStaleLocksLocked(now time.Time) {
	_, _ = s.db.Exec(`DELETE FROM locks WHERE expires_at < ?`, now.Format(timeLayout))
}

func scanLock(row *sql.Row) (*model.Lock, error) {
	var l model.Lock
	var key, acquiredStr, expiresStr string
	var tier int
	if err := row.Scan(&key, &l.Instance, &tier, &acquiredStr, &expiresStr); err != nil {
		return nil, err
	}
	return finishLock(&l, key, tier, acquiredStr, expiresStr)
}

func scanLockRows(rows *sql.Rows) (model.Lock, error) {
	var l model.Lock
	var key, acquiredStr, expiresStr string
	var tier int
	if err := rows.Scan(&key, &l.Instance, &tier, &acquiredStr, &expiresStr); err != nil {
		return model.Lock{}, err
	}
	ptr, err := finishLock(&l, key, tier, acquiredStr, expiresStr)
	if err != nil {
		return model.Lock{}, err
	}
	return *ptr, nil
}

func finishLock(l *model.Lock, key string, tier int, acquiredStr, expiresStr string) (*model.Lock, error) {
	acquired, err := time.Parse(timeLayout, acquiredStr)
	if err != nil {
		return nil, fmt.Errorf("parse lock acquired_at for %s: %w", key, err)
	}
	expires, err := time.Parse(timeLayout, expiresStr)
	if err != nil {
		return nil, fmt.Errorf("parse lock expires_at for %s: %w", key, err)
	}
	l.ContextKey = model.ContextKey(key)
	l.Tier = model.Tier(tier)
	l.AcquiredAt = acquired
	l.ExpiresAt = expires
	return l, nil
}

// ---------------------------------------------------------------------
// Context records
// ---------------------------------------------------------------------

// RecordContext appends a ContextRecord with timestamp = now.
func (s *Store) RecordContext(instance string, key model.ContextKey, tier model.Tier, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO context_records (instance, context_key, tier, timestamp, tool) VALUES (?, ?, ?, ?, ?)`,
			instance, string(key), int(tier), time.Now().UTC().Format(timeLayout), tool,
		)
		return err
	})
}

// contextRecordsWithin returns ContextRecords on key within window of now.
func (s *Store) contextRecordsWithin(key model.ContextKey, window time.Duration, now time.Time) ([]model.ContextRecord, error) {
	cutoff := now.Add(-window)
	rows, err := s.db.Query(
		`SELECT instance, context_key, tier, timestamp, tool FROM context_records
		 WHERE context_key = ? AND timestamp >= ? ORDER BY timestamp DESC`,
		string(key), cutoff.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ContextRecord
	for rows.Next() {
		var r model.ContextRecord
		var ctxKey, tsStr string
		var tier int
		if err := rows.Scan(&r.Instance, &ctxKey, &tier, &tsStr, &r.Tool); err != nil {
			return nil, err
		}
		ts, err := time.Parse(timeLayout, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse context record timestamp: %w", err)
		}
		r.ContextKey = model.ContextKey(ctxKey)
		r.Tier = model.Tier(tier)
		r.Timestamp = ts
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecentContext returns every context record recorded at or after
// since, most recent first, across all context keys — the store-wide
// view `status` reporting needs, as opposed to contextRecordsWithin's
// single-key view used by conflict checking.
func (s *Store) ListRecentContext(since time.Time) ([]model.ContextRecord, error) {
	rows, err := s.db.Query(
		`SELECT instance, context_key, tier, timestamp, tool FROM context_records
		 WHERE timestamp >= ? ORDER BY timestamp DESC`,
		since.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ContextRecord
	for rows.Next() {
		var r model.ContextRecord
		var ctxKey, tsStr string
		var tier int
		if err := rows.Scan(&r.Instance, &ctxKey, &tier, &tsStr, &r.Tool); err != nil {
			return nil, err
		}
		ts, err := time.Parse(timeLayout, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse context record timestamp: %w", err)
		}
		r.ContextKey = model.ContextKey(ctxKey)
		r.Tier = model.Tier(tier)
		r.Timestamp = ts
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneContextRecords deletes context records older than olderThan.
func (s *Store) PruneContextRecords(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(`DELETE FROM context_records WHERE timestamp < ?`, olderThan.Format(timeLayout))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ---------------------------------------------------------------------
// Conflict check
// ---------------------------------------------------------------------

// ConflictResult is the outcome of CheckConflict.
type ConflictResult struct {
	HasConflict  bool
	ConflictWith string // instance holding the conflicting lock or context record
	Locked       bool   // true if the conflict is a held lock rather than a context record
}

// CheckConflict implements spec.md §4.3's checkConflict: it returns a
// lock conflict if another instance holds an active lock on key;
// otherwise, for tier >= 3, it returns a conflict if a ContextRecord on
// key from another instance exists within window. Same-instance
// activity never raises a conflict here — self-duplicate detection is
// the decision procedure's job via FindRecentOnKey.
func (s *Store) CheckConflict(instance string, key model.ContextKey, tier model.Tier, window time.Duration) (ConflictResult, error) {
	lock, err := s.GetLock(key)
	if err != nil {
		return ConflictResult{}, err
	}
	if lock != nil && lock.Instance != instance {
		return ConflictResult{HasConflict: true, ConflictWith: lock.Instance, Locked: true}, nil
	}

	if tier < model.TierCommitment {
		return ConflictResult{}, nil
	}

	records, err := s.contextRecordsWithin(key, window, time.Now().UTC())
	if err != nil {
		return ConflictResult{}, err
	}
	for _, r := range records {
		if r.Instance != instance {
			return ConflictResult{HasConflict: true, ConflictWith: r.Instance, Locked: false}, nil
		}
	}
	return ConflictResult{}, nil
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableKey(k model.ContextKey) interface{} {
	if k == "" {
		return nil
	}
	return string(k)
}
