package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sharegate/internal/server/ledger"
	"sharegate/internal/server/metrics"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const orphanStatConcurrency = 8

// CleanupConfig controls the sweep schedule and orphan handling.
type CleanupConfig struct {
	Interval time.Duration
	// OrphanSafetyMargin is how old unledgered content must be before it is
	// deleted, so an upload between save and commit is never touched. Zero
	// disables orphan reconciliation.
	OrphanSafetyMargin time.Duration
	// Ignore lists keys that live beside the content but are not content.
	Ignore []string
}

// CleanupOption configures a CleanupService.
type CleanupOption func(*CleanupService)

// WithCleanupClock overrides the time source.
func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(cs *CleanupService) { cs.now = now }
}

// WithCleanupMetrics records each cycle on m.
func WithCleanupMetrics(m *metrics.Metrics) CleanupOption {
	return func(cs *CleanupService) { cs.metrics = m }
}

// SweepReport summarizes one cleanup cycle.
type SweepReport struct {
	CycleID        string
	Expired        int
	Removed        int
	Failed         int
	OrphansDeleted int
	OrphanFailures int
	Took           time.Duration
}

// CleanupService periodically removes expired objects from both the ledger
// and storage, then deletes stored content the ledger does not know about.
type CleanupService struct {
	ledger  *ledger.Store
	store   Store
	cfg     CleanupConfig
	ignore  map[string]struct{}
	now     func() time.Time
	metrics *metrics.Metrics

	cycleMu sync.Mutex // one cycle at a time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	initial sync.WaitGroup
	done    chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(l *ledger.Store, store Store, cfg CleanupConfig, opts ...CleanupOption) *CleanupService {
	cs := &CleanupService{
		ledger: l,
		store:  store,
		cfg:    cfg,
		ignore: make(map[string]struct{}, len(cfg.Ignore)),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, k := range cfg.Ignore {
		cs.ignore[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// Start runs one cycle immediately, then schedules further cycles every
// Interval until ctx is cancelled or Stop is called. A cycle that is still
// running when the next one is due causes that one to be skipped.
func (cs *CleanupService) Start(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.running {
		return errors.New("cleanup service already running")
	}
	if cs.cfg.Interval <= 0 {
		return fmt.Errorf("invalid sweep interval %s", cs.cfg.Interval)
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo))
	cs.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)))
	cs.cron.Schedule(cron.Every(cs.cfg.Interval), cron.FuncJob(func() {
		cs.RunOnce(ctx)
	}))
	cs.cron.Start()
	cs.running = true
	done := make(chan struct{})
	cs.done = done

	slog.Info("cleanup service started",
		"interval", cs.cfg.Interval,
		"orphan_safety_margin", cs.cfg.OrphanSafetyMargin,
	)

	cs.initial.Add(1)
	go func() {
		defer cs.initial.Done()
		// Run once immediately on start
		cs.RunOnce(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			cs.Stop()
		case <-done:
		}
	}()

	return nil
}

// Stop halts scheduling and waits for any in-flight cycle to finish.
func (cs *CleanupService) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.running {
		return
	}
	<-cs.cron.Stop().Done()
	cs.initial.Wait()
	cs.running = false
	close(cs.done)
	slog.Info("cleanup service stopped")
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	cs.mu.Lock()
	done := cs.done
	cs.mu.Unlock()
	<-done
}

// RunOnce performs a single sweep. Failures are logged and counted but never
// returned; whatever failed is retried on the next cycle.
func (cs *CleanupService) RunOnce(ctx context.Context) SweepReport {
	cs.cycleMu.Lock()
	defer cs.cycleMu.Unlock()

	start := time.Now()
	report := SweepReport{CycleID: uuid.NewString()}
	log := slog.With("cycle_id", report.CycleID)

	if ctx.Err() != nil {
		return report
	}

	now := cs.now()
	expired := cs.ledger.Expired(now)
	report.Expired = len(expired)

	for _, rec := range expired {
		if ctx.Err() != nil {
			break
		}
		if err := cs.removeExpired(ctx, rec); err != nil {
			log.Error("failed to remove expired object", "key", rec.Key, "owner", rec.Owner, "error", err)
			report.Failed++
			continue
		}
		report.Removed++
		log.Info("cleaned up expired object",
			"key", rec.Key,
			"owner", rec.Owner,
			"size_bytes", rec.SizeBytes,
			"expired_at", rec.ExpiresAt,
		)
	}

	if ctx.Err() == nil && cs.cfg.OrphanSafetyMargin > 0 {
		report.OrphansDeleted, report.OrphanFailures = cs.sweepOrphans(ctx, now, log)
	}

	report.Took = time.Since(start)
	cs.metrics.RecordSweep(report.Removed, report.Failed+report.OrphanFailures, report.OrphansDeleted, report.Took)

	log.Info("cleanup cycle complete",
		"total_expired", report.Expired,
		"cleaned", report.Removed,
		"failed", report.Failed,
		"orphans_deleted", report.OrphansDeleted,
		"orphan_failures", report.OrphanFailures,
		"took", report.Took,
	)
	return report
}

// removeExpired deletes content first so a failure leaves the record in
// place for the next cycle.
func (cs *CleanupService) removeExpired(ctx context.Context, rec ledger.ObjectRecord) error {
	if err := cs.store.Delete(ctx, rec.Key); err != nil && !errors.Is(err, ErrNotFound) {
		return &StorageDeleteError{Key: rec.Key, Err: err}
	}

	if _, err := cs.ledger.Remove(ctx, rec.Key); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return nil
}

func (cs *CleanupService) sweepOrphans(ctx context.Context, now time.Time, log *slog.Logger) (deleted, failed int) {
	keys, err := cs.store.List(ctx, "")
	if err != nil {
		log.Error("failed to list stored objects", "error", err)
		return 0, 1
	}

	known := cs.ledger.Keys()
	var candidates []string
	for _, k := range keys {
		if _, ok := known[k]; ok {
			continue
		}
		if _, ok := cs.ignore[k]; ok {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return 0, 0
	}

	var nDeleted, nFailed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orphanStatConcurrency)
	for _, key := range candidates {
		key := key
		g.Go(func() error {
			modified, err := LastModified(gctx, cs.store, key)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					log.Warn("failed to stat orphan candidate", "key", key, "error", err)
					nFailed.Add(1)
				}
				return nil
			}
			if now.Sub(modified) <= cs.cfg.OrphanSafetyMargin {
				return nil
			}
			// A commit may have landed since the key snapshot was taken.
			if cs.ledger.Has(key) {
				return nil
			}
			if err := cs.store.Delete(gctx, key); err != nil && !errors.Is(err, ErrNotFound) {
				log.Error("failed to delete orphan", "error", &StorageDeleteError{Key: key, Err: err})
				nFailed.Add(1)
				return nil
			}
			nDeleted.Add(1)
			log.Info("deleted orphaned object", "key", key, "last_modified", modified)
			return nil
		})
	}
	_ = g.Wait()

	return int(nDeleted.Load()), int(nFailed.Load())
}
