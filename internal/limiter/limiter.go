// Package limiter bounds per-tenant crawl concurrency across all worker
// processes. The primary accounting lives in Redis behind atomic Lua
// scripts; when Redis misbehaves a circuit breaker routes acquisition to a
// smaller process-local budget until Redis recovers.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// AcquireMode records which path granted a slot
type AcquireMode string

// Acquisition modes
const (
	ModeRedis    AcquireMode = "redis"
	ModeFallback AcquireMode = "fallback"
)

// Slot is one granted unit of tenant concurrency. It pins the acquisition
// mode at acquire time: the circuit may flip between acquire and release,
// and release must use the path that actually took the slot. The flag
// lives here, in the caller's hands, never in limiter state.
type Slot struct {
	TenantID string
	Mode     AcquireMode

	mu       sync.Mutex
	released bool
}

// claim marks the slot released and reports whether this call did it
func (s *Slot) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.released = true
	return true
}

// acquireScript grants a slot only while the counter is under the limit.
// Check and increment happen in one round trip so two workers cannot race
// past the bound. The TTL is refreshed on every grant.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
	redis.call('INCR', KEYS[1])
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript decrements the counter, flooring at zero and deleting the
// key when it empties. Releasing an already-zero counter is a no-op, which
// makes double release safe.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 1 then
	redis.call('DEL', KEYS[1])
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// TenantLimiter is a distributed counting semaphore keyed by tenant
type TenantLimiter struct {
	client  redis.UniversalClient
	breaker *Breaker
	local   *localCounters

	maxConcurrent int
	ttl           time.Duration

	metrics *metrics.Metrics
	logger  observability.Logger
}

// New creates a TenantLimiter from the limiter configuration
func New(client redis.UniversalClient, cfg config.LimiterConfig, m *metrics.Metrics, logger observability.Logger) *TenantLimiter {
	logger = logger.WithPrefix("limiter")
	breaker := NewBreaker(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.CircuitBreak(),
	}, logger, func(s State) {
		if m != nil {
			m.LimiterBreakerState.Set(float64(s))
		}
	})

	return &TenantLimiter{
		client:        client,
		breaker:       breaker,
		local:         newLocalCounters(cfg.LocalLimit),
		maxConcurrent: cfg.MaxConcurrent,
		ttl:           cfg.SemaphoreTTL(),
		metrics:       m,
		logger:        logger,
	}
}

func semaphoreKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:active_jobs", tenantID)
}

// Acquire tries to take one slot for the tenant. It returns the slot and
// true on a grant, (nil, false) on a plain capacity denial, and an error
// only for unexpected conditions. Denial is not an error: the caller
// requeues with backoff.
func (l *TenantLimiter) Acquire(ctx context.Context, tenantID string) (*Slot, bool, error) {
	generation, allowed := l.breaker.Allow()
	if allowed {
		granted, err := l.acquireRedis(ctx, tenantID)
		l.breaker.Record(generation, err)
		if err == nil {
			if !granted {
				if l.metrics != nil {
					l.metrics.SlotsDenied.Inc()
				}
				return nil, false, nil
			}
			if l.metrics != nil {
				l.metrics.SlotsAcquired.WithLabelValues(string(ModeRedis)).Inc()
			}
			return &Slot{TenantID: tenantID, Mode: ModeRedis}, true, nil
		}
		l.logger.Warn("redis slot acquire failed, using local fallback", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}

	if l.local.tryAcquire(tenantID) {
		if l.metrics != nil {
			l.metrics.SlotsAcquired.WithLabelValues(string(ModeFallback)).Inc()
		}
		return &Slot{TenantID: tenantID, Mode: ModeFallback}, true, nil
	}
	if l.metrics != nil {
		l.metrics.SlotsDenied.Inc()
	}
	return nil, false, nil
}

func (l *TenantLimiter) acquireRedis(ctx context.Context, tenantID string) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client,
		[]string{semaphoreKey(tenantID)},
		l.maxConcurrent, int(l.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire script: %w", err)
	}
	return res == 1, nil
}

// Release returns a slot. It is idempotent: a nil slot, a double release,
// or a release without a matching acquire all do nothing. Redis errors are
// logged and swallowed; the counter TTL self-heals a leaked increment.
// The Redis path is attempted even while the circuit is open, so counters
// taken before an outage do not leak when Redis returns.
func (l *TenantLimiter) Release(ctx context.Context, slot *Slot) {
	if slot == nil || !slot.claim() {
		return
	}

	switch slot.Mode {
	case ModeRedis:
		if err := releaseScript.Run(ctx, l.client, []string{semaphoreKey(slot.TenantID)}).Err(); err != nil {
			l.logger.Warn("redis slot release failed, TTL will reclaim it", map[string]interface{}{
				"tenant_id": slot.TenantID,
				"error":     err.Error(),
			})
		}
	case ModeFallback:
		l.local.release(slot.TenantID)
	}

	if l.metrics != nil {
		l.metrics.SlotsReleased.WithLabelValues(string(slot.Mode)).Inc()
	}
}

// AvailableCapacity returns an advisory count of free slots for the
// tenant. A missing counter means full capacity; that is safe because the
// actual grant is atomic in Acquire. While the circuit is open the hint is
// derived from the local fallback budget instead, keeping the feeder alive
// through a Redis outage.
func (l *TenantLimiter) AvailableCapacity(ctx context.Context, tenantID string) int {
	if l.breaker.State() == StateOpen {
		return l.localCapacity(tenantID)
	}

	current, err := l.client.Get(ctx, semaphoreKey(tenantID)).Int()
	if err == redis.Nil {
		return l.maxConcurrent
	}
	if err != nil {
		l.logger.Warn("capacity read failed, using local view", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
		return l.localCapacity(tenantID)
	}
	if current >= l.maxConcurrent {
		return 0
	}
	return l.maxConcurrent - current
}

func (l *TenantLimiter) localCapacity(tenantID string) int {
	free := l.local.limit - l.local.count(tenantID)
	if free < 0 {
		return 0
	}
	return free
}

// BreakerState exposes the circuit state for health reporting
func (l *TenantLimiter) BreakerState() State {
	return l.breaker.State()
}

// localCounters is the in-process degraded budget used while Redis is
// unreachable. Counts are invisible to other processes, which is accepted:
// the per-process limit is deliberately smaller than the global one.
type localCounters struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
}

func newLocalCounters(limit int) *localCounters {
	if limit <= 0 {
		limit = 1
	}
	return &localCounters{counts: make(map[string]int), limit: limit}
}

func (c *localCounters) tryAcquire(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[tenantID] >= c.limit {
		return false
	}
	c.counts[tenantID]++
	return true
}

func (c *localCounters) release(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[tenantID]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.counts, tenantID)
		return
	}
	c.counts[tenantID] = n - 1
}

func (c *localCounters) count(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tenantID]
}
