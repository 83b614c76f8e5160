// Package queue implements the durable dispatch queue on Redis: a pending
// list workers block on, a delayed zset for backoff retries, and bounded
// recent-completed/recent-failed lists kept for observability.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRetriesExhausted is returned once a job has consumed every dispatch
// attempt the queue allows.
var ErrRetriesExhausted = errors.New("queue: retries exhausted")

type Config struct {
	Name          string
	MaxRetries    int
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
}

// Entry is one record in the recent-completed or recent-failed lists.
type Entry struct {
	JobID    string    `json:"job_id"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

type RedisQueue struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRedisQueue(addr string, cfg Config, logger *slog.Logger) *RedisQueue {
	if cfg.Name == "" {
		cfg.Name = "transcode-jobs"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	q := &RedisQueue{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.promoteLoop()
	return q
}

func (q *RedisQueue) pendingKey() string   { return q.cfg.Name + ":pending" }
func (q *RedisQueue) delayedKey() string   { return q.cfg.Name + ":delayed" }
func (q *RedisQueue) attemptsKey() string  { return q.cfg.Name + ":attempts" }
func (q *RedisQueue) completedKey() string { return q.cfg.Name + ":completed" }
func (q *RedisQueue) failedKey() string    { return q.cfg.Name + ":failed" }

// Enqueue makes the job visible to exactly one worker.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.LPush(ctx, q.pendingKey(), jobID).Err()
}

// Dequeue blocks until a job is available or ctx is cancelled. The short
// BRPOP timeout keeps shutdown responsive.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		vals, err := q.client.BRPop(ctx, time.Second, q.pendingKey()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", err
		}
		if len(vals) < 2 {
			continue
		}
		return vals[1], nil
	}
}

// RetryOrFail schedules another delivery with exponential backoff, or, if
// the attempt budget is spent, records the job in the failed list and
// returns ErrRetriesExhausted.
func (q *RedisQueue) RetryOrFail(ctx context.Context, jobID string, cause error) error {
	attempts, err := q.client.HIncrBy(ctx, q.attemptsKey(), jobID, 1).Result()
	if err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if int(attempts) > q.cfg.MaxRetries {
		q.client.HDel(ctx, q.attemptsKey(), jobID)
		if err := q.pushEntry(ctx, q.failedKey(), Entry{JobID: jobID, Error: msg, Attempts: int(attempts), At: time.Now().UTC()}, q.cfg.KeepFailed); err != nil {
			return err
		}
		return ErrRetriesExhausted
	}
	backoff := q.cfg.BackoffBase << (attempts - 1)
	readyAt := time.Now().Add(backoff)
	q.logger.Warn("job dispatch failed, retrying",
		"job_id", jobID, "attempt", attempts, "backoff", backoff, "error", msg)
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// MarkCompleted clears attempt bookkeeping and records the job in the
// bounded recent-completed list.
func (q *RedisQueue) MarkCompleted(ctx context.Context, jobID string) error {
	attempts, _ := q.client.HGet(ctx, q.attemptsKey(), jobID).Int()
	q.client.HDel(ctx, q.attemptsKey(), jobID)
	return q.pushEntry(ctx, q.completedKey(), Entry{JobID: jobID, Attempts: attempts, At: time.Now().UTC()}, q.cfg.KeepCompleted)
}

// Remove withdraws a still-queued job before dispatch. It reports whether
// the job was actually found in the pending list or the delayed set; a job
// already picked up by a worker is not touched.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.client.LRem(ctx, q.pendingKey(), 0, jobID).Result()
	if err != nil {
		return false, err
	}
	delayed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
	if err != nil {
		return false, err
	}
	if removed > 0 || delayed > 0 {
		q.client.HDel(ctx, q.attemptsKey(), jobID)
		return true, nil
	}
	return false, nil
}

func (q *RedisQueue) RecentCompleted(ctx context.Context, n int64) ([]Entry, error) {
	return q.readEntries(ctx, q.completedKey(), n)
}

func (q *RedisQueue) RecentFailed(ctx context.Context, n int64) ([]Entry, error) {
	return q.readEntries(ctx, q.failedKey(), n)
}

func (q *RedisQueue) readEntries(ctx context.Context, key string, n int64) ([]Entry, error) {
	raw, err := q.client.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) pushEntry(ctx context.Context, key string, e Entry, keep int) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, key, string(b))
	if keep > 0 {
		pipe.LTrim(ctx, key, 0, int64(keep-1))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) promoteLoop() {
	defer q.wg.Done()
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-t.C:
			if err := q.promoteDue(context.Background(), time.Now()); err != nil {
				q.logger.Error("promoting delayed jobs", "error", err)
			}
		}
	}
}

// promoteDue moves every delayed job whose backoff has elapsed back onto
// the pending list.
func (q *RedisQueue) promoteDue(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range due {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), jobID)
		pipe.LPush(ctx, q.pendingKey(), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Close() error {
	close(q.stop)
	q.wg.Wait()
	return q.client.Close()
}
