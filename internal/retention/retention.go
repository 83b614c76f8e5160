// Package retention reclaims storage for completed jobs once their
// retention window has elapsed: a cron-driven sweep deletes artifacts with
// bounded retries and a small failure-rate tolerance, then marks the job
// expired.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/frameloom/transcoded/internal/blob"
	"github.com/frameloom/transcoded/internal/job"
	"github.com/frameloom/transcoded/internal/storage"
)

type Config struct {
	Interval          time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	FailureTolerance  float64
	DeleteConcurrency int
}

type Scheduler struct {
	store  storage.Store
	blobs  blob.Store
	logger *slog.Logger
	cfg    Config

	cron    *cron.Cron
	running atomic.Bool
	sweeps  atomic.Int64
}

func NewScheduler(store storage.Store, blobs blob.Store, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FailureTolerance <= 0 {
		cfg.FailureTolerance = 0.10
	}
	if cfg.DeleteConcurrency <= 0 {
		cfg.DeleteConcurrency = 4
	}
	return &Scheduler{store: store, blobs: blobs, cfg: cfg, logger: logger}
}

func (s *Scheduler) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SweepCount reports how many sweeps actually executed (skipped ticks are
// not counted).
func (s *Scheduler) SweepCount() int64 { return s.sweeps.Load() }

// Sweep runs one expired-job scan and cleanup pass. At most one sweep runs
// at a time; an overlapping call is skipped, not queued. Returns whether
// the sweep executed.
func (s *Scheduler) Sweep(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("retention sweep already in flight, skipping tick")
		return false
	}
	defer s.running.Store(false)
	s.sweeps.Add(1)

	jobs, err := s.store.FindExpired(time.Now().UTC())
	if err != nil {
		s.logger.Error("querying expired jobs", "error", err)
		return true
	}
	if len(jobs) == 0 {
		return true
	}
	s.logger.Info("retention sweep starting", "expired_jobs", len(jobs))
	for _, j := range jobs {
		s.cleanupJob(ctx, j)
	}
	return true
}

// cleanupJob deletes one job's artifacts. The attempt counter advances
// once per sweep; within the sweep the deletion pass itself retries up to
// the ceiling before the job is parked in failed cleanup state for the
// next sweep.
func (s *Scheduler) cleanupJob(ctx context.Context, j *job.Job) {
	if err := s.store.BeginCleanup(j.ID); err != nil {
		s.logger.Error("marking cleanup in progress", "job_id", j.ID, "error", err)
		return
	}

	keys := j.ArtifactKeys()
	var lastErr string
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(s.cfg.RetryDelay)
		}
		failures, notFound, errMsg := s.deleteArtifacts(ctx, keys)
		lastErr = errMsg

		rate := 0.0
		if len(keys) > 0 {
			rate = float64(failures) / float64(len(keys))
		}
		if rate <= s.cfg.FailureTolerance {
			if err := s.store.FinishCleanup(j.ID); err != nil {
				s.logger.Error("marking cleanup completed", "job_id", j.ID, "error", err)
				return
			}
			s.logger.Info("job expired",
				"job_id", j.ID, "artifacts", len(keys), "already_absent", notFound, "failures", failures)
			return
		}
		s.logger.Warn("cleanup attempt over failure tolerance",
			"job_id", j.ID, "attempt", attempt, "failures", failures, "total", len(keys))
	}

	// Never silently dropped: the job stays in failed cleanup state and is
	// picked up again by the next sweep.
	if err := s.store.FailCleanup(j.ID, lastErr); err != nil {
		s.logger.Error("marking cleanup failed", "job_id", j.ID, "error", err)
	}
}

type deleteResult struct {
	key string
	err error
}

// deleteArtifacts removes every key with bounded concurrency and
// classifies the results. An already-absent object counts as success: it
// means a prior pass got that far.
func (s *Scheduler) deleteArtifacts(ctx context.Context, keys []string) (failures, notFound int, lastErr string) {
	results := make([]deleteResult, len(keys))
	sem := make(chan struct{}, s.cfg.DeleteConcurrency)
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, key string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = deleteResult{key: key, err: s.blobs.Delete(ctx, key)}
		}(i, key)
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.err == nil:
		case errors.Is(r.err, blob.ErrNotFound):
			notFound++
		default:
			failures++
			lastErr = fmt.Sprintf("delete %s: %v", r.key, r.err)
		}
	}
	return failures, notFound, lastErr
}
