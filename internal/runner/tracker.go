package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
)

func startKey(jobID string) string {
	return fmt.Sprintf("job:%s:start_time", jobID)
}

func retryKey(jobID string) string {
	return fmt.Sprintf("job:%s:retry_count", jobID)
}

// Tracker keeps per-job retry state in Redis. The start time is stamped
// once, on the first attempt that actually held a slot, so time spent
// waiting for capacity never counts against the job's age. The retry
// counter moves only on real failures; capacity denials requeue without
// touching it.
type Tracker struct {
	client      redis.UniversalClient
	maxAttempts int
	maxAge      time.Duration
}

func NewTracker(client redis.UniversalClient, cfg config.CrawlConfig) *Tracker {
	return &Tracker{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		maxAge:      cfg.MaxAge(),
	}
}

// keyTTL outlives the abandonment horizon so state survives requeue
// cycles but cannot leak forever once the job is gone.
func (t *Tracker) keyTTL() time.Duration {
	return t.maxAge + time.Hour
}

// EnsureStarted stamps the job's start time if it has none and returns
// the effective start. SETNX keeps the first stamp through any number of
// later attempts.
func (t *Tracker) EnsureStarted(ctx context.Context, jobID string, now time.Time) (time.Time, error) {
	key := startKey(jobID)
	stamp := strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', 6, 64)
	if err := t.client.SetNX(ctx, key, stamp, t.keyTTL()).Err(); err != nil {
		return time.Time{}, fmt.Errorf("stamp job start: %w", err)
	}
	raw, err := t.client.Get(ctx, key).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("read job start: %w", err)
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse job start %q: %w", raw, err)
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

// RecordFailure bumps the job's retry counter and returns the new count
func (t *Tracker) RecordFailure(ctx context.Context, jobID string) (int, error) {
	key := retryKey(jobID)
	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.keyTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record job failure: %w", err)
	}
	return int(incr.Val()), nil
}

// Retries returns the current failure count without changing it
func (t *Tracker) Retries(ctx context.Context, jobID string) (int, error) {
	raw, err := t.client.Get(ctx, retryKey(jobID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse retry count %q: %w", raw, err)
	}
	return n, nil
}

// Exhausted reports whether the job has used up its attempts or its age
func (t *Tracker) Exhausted(retries int, startedAt, now time.Time) bool {
	if retries >= t.maxAttempts {
		return true
	}
	return !startedAt.IsZero() && now.Sub(startedAt) >= t.maxAge
}

// Forget drops the job's tracking state once it leaves the system
func (t *Tracker) Forget(ctx context.Context, jobID string) {
	t.client.Del(ctx, startKey(jobID), retryKey(jobID))
}
