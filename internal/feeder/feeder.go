// Package feeder moves pending crawl descriptors into the job queue. A
// single leader-elected instance drains every tenant's pending list,
// admitting at most the tenant's free capacity per pass so the queue never
// fills with jobs that would only bounce off the concurrency limiter.
package feeder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/queue"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// CapacitySource reports advisory free slots for a tenant
type CapacitySource interface {
	AvailableCapacity(ctx context.Context, tenantID string) int
}

// TenantSource resolves tenants by id
type TenantSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// Feeder drains pending lists while this instance holds the leader lease
type Feeder struct {
	elector  *Elector
	pending  *PendingQueue
	capacity CapacitySource
	tenants  TenantSource
	queue    queue.Queue
	interval time.Duration
	metrics  *metrics.Metrics
	logger   observability.Logger
}

func New(elector *Elector, pending *PendingQueue, capacity CapacitySource, tenants TenantSource, q queue.Queue, interval time.Duration, m *metrics.Metrics, logger observability.Logger) *Feeder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Feeder{
		elector:  elector,
		pending:  pending,
		capacity: capacity,
		tenants:  tenants,
		queue:    q,
		interval: interval,
		metrics:  m,
		logger:   logger.WithPrefix("feeder"),
	}
}

// Run competes for leadership and drains until ctx is cancelled
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := f.elector.Resign(resignCtx); err != nil {
				f.logger.Warn("resign on shutdown failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return nil
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Feeder) tick(ctx context.Context) {
	if !f.elector.TryAcquire(ctx) {
		return
	}
	f.drainAll(ctx)
}

func (f *Feeder) drainAll(ctx context.Context) {
	tenantIDs, err := f.pending.Tenants(ctx)
	if err != nil {
		f.logger.Error("pending queue scan failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, tenantID := range tenantIDs {
		if ctx.Err() != nil || !f.elector.IsLeader() {
			return
		}
		if err := f.drainTenant(ctx, tenantID); err != nil {
			// One tenant's trouble never blocks the others.
			f.logger.Error("tenant drain failed", map[string]interface{}{
				"tenant_id": tenantID,
				"error":     err.Error(),
			})
		}
	}
}

// drainTenant admits up to the tenant's free capacity. The cursor only
// moves past entries that were handled (enqueued, already queued, or
// dropped as malformed); a transport error leaves the remainder for the
// next pass.
func (f *Feeder) drainTenant(ctx context.Context, tenantID string) error {
	uid, err := uuid.Parse(tenantID)
	if err != nil {
		f.logger.Warn("skipping pending list with malformed tenant id", map[string]interface{}{
			"tenant_id": tenantID,
		})
		return nil
	}

	tenant, err := f.tenants.GetByID(ctx, uid)
	if err != nil {
		// Vanished tenants keep their leftovers until the nightly sweep.
		f.logger.Debug("tenant lookup failed, skipping drain", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
		return nil
	}
	if !tenant.Active() {
		return nil
	}

	capacity := f.capacity.AvailableCapacity(ctx, tenantID)
	if capacity <= 0 {
		return nil
	}

	entries, err := f.pending.Peek(ctx, tenantID, capacity)
	if err != nil {
		return err
	}

	for _, raw := range entries {
		var pc models.PendingCrawl
		if err := json.Unmarshal([]byte(raw), &pc); err != nil || pc.URL == "" || pc.RunID == uuid.Nil {
			f.logger.Error("dropping malformed pending descriptor", map[string]interface{}{
				"tenant_id": tenantID,
				"entry":     raw,
			})
			f.metrics.MalformedDropped.Inc()
			if err := f.pending.Advance(ctx, tenantID); err != nil {
				return err
			}
			continue
		}

		job := models.NewCrawlJob(uid, pc.WebsiteID, pc.RunID, pc.URL, pc.CrawlType)
		enqueued, err := f.queue.Enqueue(ctx, job, 0)
		if err != nil {
			return err
		}
		if enqueued {
			f.metrics.JobsEnqueued.Inc()
			f.logger.Info("admitted crawl job", map[string]interface{}{
				"tenant_id": tenantID,
				"job_id":    job.JobID,
				"url":       job.URL,
			})
		} else {
			f.logger.Debug("pending entry already queued", map[string]interface{}{
				"tenant_id": tenantID,
				"job_id":    job.JobID,
			})
		}
		if err := f.pending.Advance(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}
