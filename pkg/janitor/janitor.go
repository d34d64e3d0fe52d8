// Package janitor runs the scheduled maintenance operations spec.md §5
// says implementations SHOULD provide: pruning the journal and context
// records past their retention window, and sweeping locks whose holder
// never issued a post-call. The TTL remains the authoritative release
// path — the janitor is a garbage collector, not a correctness mechanism.
package janitor

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gocallosum/callosum/pkg/metrics"
	"github.com/gocallosum/callosum/pkg/store"
)

// Config controls retention windows and the cron schedules that enforce
// them. Schedules are standard five-field cron expressions.
type Config struct {
	JournalRetention       time.Duration
	ContextRecordRetention time.Duration
	PruneSchedule          string // default: every hour
	StaleLockScanSchedule  string // default: every 5 minutes
}

// DefaultConfig retains a week of journal history and a day of context
// records, matching the general "audit trail outlives the coordination
// window by a wide margin" posture implied by spec.md §5's timeouts.
func DefaultConfig() Config {
	return Config{
		JournalRetention:       7 * 24 * time.Hour,
		ContextRecordRetention: 24 * time.Hour,
		PruneSchedule:          "0 * * * *",
		StaleLockScanSchedule:  "*/5 * * * *",
	}
}

// Janitor owns a cron scheduler bound to one store.
type Janitor struct {
	store   store.Interface
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collectors
	cron    *cron.Cron
}

// New builds a Janitor. Call Start to begin running its scheduled jobs.
func New(st store.Interface, cfg Config, m *metrics.Collectors, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		store:   st,
		cfg:     cfg,
		log:     log.With("component", "janitor"),
		metrics: m,
		cron:    cron.New(),
	}
}

// Start registers and runs the maintenance jobs. It returns an error
// only if a schedule expression fails to parse — a ConfigError per
// spec.md §7.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.PruneSchedule, j.runPrune); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(j.cfg.StaleLockScanSchedule, j.runStaleLockScan); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) runPrune() {
	now := time.Now().UTC()

	removed, err := j.store.PruneJournal(now.Add(-j.cfg.JournalRetention))
	j.observe("prune-journal", err)
	if err != nil {
		j.log.Error("journal prune failed", "err", err)
	} else if removed > 0 {
		j.log.Info("pruned journal entries", "removed", removed)
	}

	removed, err = j.store.PruneContextRecords(now.Add(-j.cfg.ContextRecordRetention))
	j.observe("prune-context", err)
	if err != nil {
		j.log.Error("context record prune failed", "err", err)
	} else if removed > 0 {
		j.log.Info("pruned context records", "removed", removed)
	}
}

// runStaleLockScan implements the "scans for locks whose holder has not
// issued a post-call within a deadline" maintenance operation spec.md §5
// suggests, purely for observability — ListLocks already prunes expired
// entries opportunistically, so this job's job is to surface long-lived
// locks in logs and metrics before their TTL silently expires them.
func (j *Janitor) runStaleLockScan() {
	locks, err := j.store.ListLocks()
	j.observe("stale-lock-scan", err)
	if err != nil {
		j.log.Error("stale lock scan failed", "err", err)
		return
	}
	if j.metrics != nil {
		j.metrics.ActiveLocks.Set(float64(len(locks)))
	}
	now := time.Now().UTC()
	for _, l := range locks {
		if l.ExpiresAt.Sub(now) < time.Minute {
			j.log.Warn("lock nearing expiry", "contextKey", l.ContextKey, "instance", l.Instance, "expiresAt", l.ExpiresAt)
		}
	}
}

func (j *Janitor) observe(job string, err error) {
	if j.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	j.metrics.JanitorSweeps.WithLabelValues(job, outcome).Inc()
}
