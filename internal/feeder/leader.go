package feeder

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

const (
	leaderKey = "crawl_feeder:leader"
	leaderTTL = 30 * time.Second
)

// extendScript refreshes the lease only while this instance still owns it
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// resignScript deletes the lease only while this instance still owns it
var resignScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Elector competes for the single feeder lease. Exactly one live instance
// holds it; the holder refreshes the TTL each tick and demotes itself the
// moment a refresh fails or finds another owner.
type Elector struct {
	client     redis.UniversalClient
	instanceID string
	leader     atomic.Bool
	metrics    *metrics.Metrics
	logger     observability.Logger
}

func NewElector(client redis.UniversalClient, instanceID string, m *metrics.Metrics, logger observability.Logger) *Elector {
	return &Elector{
		client:     client,
		instanceID: instanceID,
		metrics:    m,
		logger:     logger.WithPrefix("feeder.elector"),
	}
}

// TryAcquire takes or refreshes the lease. It returns whether this
// instance is the leader after the attempt.
func (e *Elector) TryAcquire(ctx context.Context) bool {
	if e.leader.Load() {
		return e.refresh(ctx)
	}

	ok, err := e.client.SetNX(ctx, leaderKey, e.instanceID, leaderTTL).Result()
	if err != nil {
		e.logger.Warn("leader election attempt failed", map[string]interface{}{
			"error": err.Error(),
		})
		e.demote()
		return false
	}
	if !ok {
		return false
	}

	e.leader.Store(true)
	e.metrics.FeederLeader.Set(1)
	e.logger.Info("acquired feeder leadership", map[string]interface{}{
		"instance_id": e.instanceID,
	})
	return true
}

// refresh extends the lease and demotes on any doubt. A refresh that
// cannot prove ownership is treated as lost leadership even when the
// cause is a transport error; the next tick re-elects.
func (e *Elector) refresh(ctx context.Context) bool {
	res, err := extendScript.Run(ctx, e.client, []string{leaderKey}, e.instanceID, int(leaderTTL.Seconds())).Int()
	if err != nil {
		e.logger.Warn("leadership refresh failed", map[string]interface{}{
			"error": err.Error(),
		})
		e.demote()
		return false
	}
	if res == 0 {
		e.logger.Info("leadership lost to another instance", map[string]interface{}{
			"instance_id": e.instanceID,
		})
		e.demote()
		return false
	}
	return true
}

// Resign gives the lease up voluntarily, typically at shutdown
func (e *Elector) Resign(ctx context.Context) error {
	if !e.leader.Load() {
		return nil
	}
	e.demote()
	if err := resignScript.Run(ctx, e.client, []string{leaderKey}, e.instanceID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("resign leadership: %w", err)
	}
	return nil
}

func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

func (e *Elector) demote() {
	if e.leader.Swap(false) {
		e.metrics.FeederLeader.Set(0)
	}
}
