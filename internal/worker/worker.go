// Package worker runs the job pipeline: a bounded pool pulls from the
// shared queue and executes each job's phase sequence end to end, updating
// the store and emitting lifecycle notifications on every tracked change.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frameloom/transcoded/internal/blob"
	"github.com/frameloom/transcoded/internal/executor"
	"github.com/frameloom/transcoded/internal/job"
	"github.com/frameloom/transcoded/internal/notify"
	"github.com/frameloom/transcoded/internal/queue"
	"github.com/frameloom/transcoded/internal/storage"
)

type Config struct {
	Workers         int
	WorkDir         string
	MinJobInterval  time.Duration
	RetentionWindow time.Duration

	SandboxImage       string
	SandboxMemoryBytes int64
	SandboxCPUShares   int64
}

type Pool struct {
	store    storage.Store
	queue    *queue.RedisQueue
	notifier notify.Notifier
	blobs    blob.Store
	exec     *executor.Executor
	logger   *slog.Logger
	cfg      Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(store storage.Store, q *queue.RedisQueue, notifier notify.Notifier, blobs blob.Store, exec *executor.Executor, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		store:    store,
		queue:    q,
		notifier: notifier,
		blobs:    blobs,
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the worker goroutines. Each processes at most one job at
// a time.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i+1)
	}
}

// Stop drains the pool: new pulls stop immediately, jobs already in flight
// run to their own terminal state before Stop returns.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With("worker", id)
	var lastStart time.Time
	for {
		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker shutting down")
				return
			}
			log.Error("queue pull failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// Rate ceiling: bound jobs started per unit time on this worker.
		if wait := p.cfg.MinJobInterval - time.Since(lastStart); wait > 0 {
			select {
			case <-ctx.Done():
				// Put the job back rather than dropping it on shutdown.
				_ = p.queue.Enqueue(context.Background(), jobID)
				return
			case <-time.After(wait):
			}
		}
		lastStart = time.Now()

		p.handle(log, jobID)
	}
}

// handle is the job-processing boundary: every failure is caught, recorded,
// and reported here. Nothing propagates far enough to take the worker down.
func (p *Pool) handle(log *slog.Logger, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "job_id", jobID, "panic", r)
			p.failJob(jobID, "", &job.Error{Code: "internal", Message: fmt.Sprint(r)})
		}
	}()

	ctx := context.Background()
	j, err := p.store.GetJob(jobID)
	if err != nil {
		log.Error("loading job", "job_id", jobID, "error", err)
		p.retryOrGiveUp(ctx, jobID, "", err)
		return
	}
	if j.State == job.StateCancelled {
		log.Info("skipping cancelled job", "job_id", jobID)
		return
	}

	log.Info("processing job", "job_id", j.ID, "format", j.OutputFormat, "resolutions", len(j.Options.Resolutions))
	if err := p.process(ctx, j); err != nil {
		if errors.Is(err, errCancelled) {
			log.Info("job cancelled mid-run, stopping at phase boundary", "job_id", j.ID)
			return
		}
		var perr *permanentError
		if errors.As(err, &perr) {
			log.Warn("job failed", "job_id", j.ID, "code", perr.code, "error", err)
			p.failJob(j.ID, j.OwnerID, perr.record())
			return
		}
		log.Warn("job hit transient error", "job_id", j.ID, "error", err)
		p.retryOrGiveUp(ctx, j.ID, j.OwnerID, err)
		return
	}

	if err := p.queue.MarkCompleted(ctx, j.ID); err != nil {
		log.Error("recording completion", "job_id", j.ID, "error", err)
	}
	log.Info("job completed", "job_id", j.ID)
}

// retryOrGiveUp routes a transient failure back through the queue's backoff
// and, once retries are exhausted, persists the failure.
func (p *Pool) retryOrGiveUp(ctx context.Context, jobID, ownerID string, cause error) {
	err := p.queue.RetryOrFail(ctx, jobID, cause)
	if err == nil {
		_ = p.store.UpdateState(jobID, job.StatePending)
		return
	}
	if errors.Is(err, queue.ErrRetriesExhausted) {
		p.failJob(jobID, ownerID, &job.Error{Code: "retries_exhausted", Message: cause.Error()})
		return
	}
	p.logger.Error("queue retry bookkeeping failed", "job_id", jobID, "error", err)
}

func (p *Pool) failJob(jobID, ownerID string, jerr *job.Error) {
	if err := p.store.MarkFailed(jobID, jerr); err != nil {
		p.logger.Error("persisting job failure", "job_id", jobID, "error", err)
	}
	if ownerID == "" {
		if j, err := p.store.GetJob(jobID); err == nil {
			ownerID = j.OwnerID
		}
	}
	p.notifier.Emit(ownerID, notify.EventJobFailed, notify.Payload(jobID, map[string]any{
		"error": jerr,
	}))
}

// errCancelled aborts the remaining phases of a job whose record was
// flagged cancelled while it was already processing.
var errCancelled = errors.New("job cancelled")

// permanentError marks failures that must not be retried: validation and
// precondition problems, and sandbox exits the owning phase deems fatal.
type permanentError struct {
	code   string
	detail string
	err    error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (e *permanentError) record() *job.Error {
	return &job.Error{Code: e.code, Message: e.err.Error(), Detail: e.detail}
}

func permanent(code string, err error) error {
	return &permanentError{code: code, err: err}
}

func permanentWithDetail(code, detail string, err error) error {
	return &permanentError{code: code, detail: detail, err: err}
}
