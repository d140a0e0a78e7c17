// Package queue is the job transport the worker feeds and consumes. Two
// backends, Redis Streams and SQS, implement the same contract, selected
// by configuration. The contract is idempotent enqueue by job id,
// at-least-once delivery, and explicit acknowledgement.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// Delivery is one received job plus the receipt that acknowledges it
type Delivery struct {
	Job     models.CrawlJob
	Receipt string
}

// Queue is the worker's job transport
type Queue interface {
	// Enqueue submits a job, optionally delayed. It returns false when a
	// job with the same id is already pending (idempotent enqueue).
	Enqueue(ctx context.Context, job models.CrawlJob, delay time.Duration) (bool, error)
	// Dequeue waits up to wait for at most max jobs
	Dequeue(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	// Ack marks a delivered job done
	Ack(ctx context.Context, receipt string) error
	// ClaimStale re-delivers jobs another consumer took but never acked
	// within minIdle. Backends with native visibility timeouts return nil.
	ClaimStale(ctx context.Context, minIdle time.Duration, max int) ([]Delivery, error)
	// Depth returns the approximate number of queued jobs
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// backend is the raw transport under the Broker
type backend interface {
	send(ctx context.Context, jobID, tenantID string, payload []byte, delay time.Duration) error
	receive(ctx context.Context, max int, wait time.Duration) ([]rawDelivery, error)
	ack(ctx context.Context, receipt string) error
	claimStale(ctx context.Context, minIdle time.Duration, max int) ([]rawDelivery, error)
	depth(ctx context.Context) (int64, error)
	close() error
}

type rawDelivery struct {
	payload []byte
	receipt string
}

// Broker implements Queue over a backend, adding the job-id dedup index.
// The dedup marker covers the pending window only: it is set on enqueue
// and cleared at delivery, so a running job can requeue itself under the
// same id while a second feeder enqueue of a pending job is rejected.
type Broker struct {
	backend backend
	dedup   *dedupIndex
	logger  observability.Logger
}

// New builds the queue selected by cfg.Backend. The Redis client is
// required for both backends: the streams backend runs on it, and the SQS
// backend still uses it for the dedup index.
func New(ctx context.Context, cfg config.QueueConfig, client redis.UniversalClient, workerID string, logger observability.Logger) (Queue, error) {
	logger = logger.WithPrefix("queue")
	dedup := newDedupIndex(client, cfg.VisibilityTimeout)

	switch cfg.Backend {
	case "redis", "":
		b, err := newRedisBackend(ctx, client, cfg, workerID, logger)
		if err != nil {
			return nil, err
		}
		return &Broker{backend: b, dedup: dedup, logger: logger}, nil
	case "sqs":
		b, err := newSQSBackend(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Broker{backend: b, dedup: dedup, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Enqueue implements Queue.Enqueue
func (b *Broker) Enqueue(ctx context.Context, job models.CrawlJob, delay time.Duration) (bool, error) {
	if job.JobID == "" {
		return false, fmt.Errorf("job id is required")
	}

	fresh, err := b.dedup.mark(ctx, job.JobID)
	if err != nil {
		return false, fmt.Errorf("dedup mark for %s: %w", job.JobID, err)
	}
	if !fresh {
		b.logger.Debug("duplicate enqueue rejected", map[string]interface{}{
			"job_id": job.JobID,
		})
		return false, nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		b.dedup.clear(ctx, job.JobID)
		return false, fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}

	if err := b.backend.send(ctx, job.JobID, job.TenantID.String(), payload, delay); err != nil {
		// Undo the marker so a retry of this enqueue is not self-rejected.
		b.dedup.clear(ctx, job.JobID)
		return false, fmt.Errorf("send job %s: %w", job.JobID, err)
	}
	return true, nil
}

// Dequeue implements Queue.Dequeue. Undecodable payloads are acked and
// dropped so one poisoned entry cannot wedge the consumer.
func (b *Broker) Dequeue(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	raw, err := b.backend.receive(ctx, max, wait)
	if err != nil {
		return nil, err
	}
	return b.decode(ctx, raw), nil
}

// Ack implements Queue.Ack
func (b *Broker) Ack(ctx context.Context, receipt string) error {
	return b.backend.ack(ctx, receipt)
}

// ClaimStale implements Queue.ClaimStale
func (b *Broker) ClaimStale(ctx context.Context, minIdle time.Duration, max int) ([]Delivery, error) {
	raw, err := b.backend.claimStale(ctx, minIdle, max)
	if err != nil {
		return nil, err
	}
	return b.decode(ctx, raw), nil
}

// Depth implements Queue.Depth
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	return b.backend.depth(ctx)
}

// Close implements Queue.Close
func (b *Broker) Close() error {
	return b.backend.close()
}

func (b *Broker) decode(ctx context.Context, raw []rawDelivery) []Delivery {
	out := make([]Delivery, 0, len(raw))
	for _, r := range raw {
		var job models.CrawlJob
		if err := json.Unmarshal(r.payload, &job); err != nil {
			b.logger.Error("dropping undecodable job payload", map[string]interface{}{
				"receipt": r.receipt,
				"error":   err.Error(),
			})
			if ackErr := b.backend.ack(ctx, r.receipt); ackErr != nil {
				b.logger.Warn("failed to ack poisoned payload", map[string]interface{}{
					"receipt": r.receipt,
					"error":   ackErr.Error(),
				})
			}
			continue
		}
		// The job is no longer pending; free the id so the running job can
		// requeue itself.
		b.dedup.clear(ctx, job.JobID)
		out = append(out, Delivery{Job: job, Receipt: r.receipt})
	}
	return out
}

// dedupIndex tracks pending job ids in Redis. mark is a single SETNX so
// two racing enqueues resolve to exactly one send.
type dedupIndex struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func newDedupIndex(client redis.UniversalClient, ttl time.Duration) *dedupIndex {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &dedupIndex{client: client, ttl: ttl}
}

func dedupKey(jobID string) string {
	return "queue:dedup:" + jobID
}

func (d *dedupIndex) mark(ctx context.Context, jobID string) (bool, error) {
	return d.client.SetNX(ctx, dedupKey(jobID), 1, d.ttl).Result()
}

func (d *dedupIndex) clear(ctx context.Context, jobID string) {
	// Best effort; an orphaned marker expires with its TTL.
	_ = d.client.Del(ctx, dedupKey(jobID)).Err()
}
