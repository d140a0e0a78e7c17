package runner

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// backoffTTL expires a tenant's attempt counter after a quiet period, so
// an old run of capacity denials does not inflate delays hours later.
const backoffTTL = 5 * time.Minute

func backoffKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:limiter_backoff", tenantID)
}

// FullJitterDelay picks a uniform delay in [0, min(max, base*2^(attempt-1))].
// Full jitter spreads a burst of denied tenants across the whole window
// instead of re-colliding them at the same instant.
func FullJitterDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= max || ceiling <= 0 {
			ceiling = max
			break
		}
	}
	if ceiling > max {
		ceiling = max
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Backoff tracks consecutive capacity denials per tenant in Redis and
// derives the requeue delay for the next attempt. The counter is shared
// across workers, so a tenant hammered by the whole fleet backs off as
// one, not per process.
type Backoff struct {
	client redis.UniversalClient
	base   time.Duration
	max    time.Duration
	logger observability.Logger
}

func NewBackoff(client redis.UniversalClient, cfg config.CrawlConfig, logger observability.Logger) *Backoff {
	return &Backoff{
		client: client,
		base:   cfg.BackoffBase(),
		max:    cfg.BackoffMax(),
		logger: logger.WithPrefix("backoff"),
	}
}

// Next bumps the tenant's denial counter and returns the delay for the
// requeue. A Redis failure falls back to a first-attempt delay; losing
// one increment is cheaper than stalling the job.
func (b *Backoff) Next(ctx context.Context, tenantID string) time.Duration {
	key := backoffKey(tenantID)
	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, backoffTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("backoff counter unavailable, using base delay", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
		return FullJitterDelay(1, b.base, b.max)
	}
	return FullJitterDelay(int(incr.Val()), b.base, b.max)
}

// Reset clears the tenant's denial counter after a crawl ran to the end,
// so the next denial starts the ladder from the bottom again.
func (b *Backoff) Reset(ctx context.Context, tenantID string) {
	if err := b.client.Del(ctx, backoffKey(tenantID)).Err(); err != nil {
		b.logger.Warn("failed to reset backoff counter", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}
}
