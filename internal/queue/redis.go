package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// redisBackend carries jobs on a Redis Stream with a consumer group.
// Delayed jobs wait in a sorted set scored by ready time and are promoted
// onto the stream at the start of each receive.
type redisBackend struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	logger   observability.Logger
}

// delayedEnvelope is the ZSET member for a job not yet due
type delayedEnvelope struct {
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

func newRedisBackend(ctx context.Context, client redis.UniversalClient, cfg config.QueueConfig, consumer string, logger observability.Logger) (*redisBackend, error) {
	b := &redisBackend{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.ConsumerGroup,
		consumer: consumer,
		logger:   logger,
	}
	if err := b.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *redisBackend) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", b.group, b.stream, err)
	}
	return nil
}

func (b *redisBackend) delayedKey() string {
	return b.stream + ":delayed"
}

func (b *redisBackend) send(ctx context.Context, jobID, tenantID string, payload []byte, delay time.Duration) error {
	if delay > 0 {
		env, err := json.Marshal(delayedEnvelope{JobID: jobID, TenantID: tenantID, Payload: payload})
		if err != nil {
			return fmt.Errorf("marshal delayed envelope: %w", err)
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{Score: readyAt, Member: string(env)}).Err(); err != nil {
			return fmt.Errorf("schedule delayed job: %w", err)
		}
		return nil
	}
	return b.append(ctx, jobID, payload)
}

func (b *redisBackend) append(ctx context.Context, jobID string, payload []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"job_id":  jobID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (b *redisBackend) receive(ctx context.Context, max int, wait time.Duration) ([]rawDelivery, error) {
	if err := b.promoteDue(ctx); err != nil {
		b.logger.Warn("delayed-job promotion failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// go-redis treats Block==0 as block-forever; negative means no block.
	block := wait
	if block <= 0 {
		block = -1
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []rawDelivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, messageDelivery(msg))
		}
	}
	return out, nil
}

// promoteDue moves due delayed jobs from the sorted set onto the stream.
// ZRem after XAdd guards against double promotion by racing consumers:
// only the remover that scores the single removal owns the entry, and a
// lost race adds the entry twice at worst, which the dedup layer upstream
// and idempotent handlers absorb.
func (b *redisBackend) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		removed, err := b.client.ZRem(ctx, b.delayedKey(), m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		var env delayedEnvelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			b.logger.Error("dropping undecodable delayed entry", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if err := b.append(ctx, env.JobID, env.Payload); err != nil {
			// Put it back so the job is not lost.
			_ = b.client.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: m}).Err()
			return err
		}
	}
	return nil
}

func (b *redisBackend) ack(ctx context.Context, receipt string) error {
	if err := b.client.XAck(ctx, b.stream, b.group, receipt).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", receipt, err)
	}
	// Trim the acked entry so the stream does not grow without bound.
	if err := b.client.XDel(ctx, b.stream, receipt).Err(); err != nil {
		b.logger.Warn("xdel after ack failed", map[string]interface{}{
			"receipt": receipt,
			"error":   err.Error(),
		})
	}
	return nil
}

// claimStale takes over pending entries whose consumer went quiet. The
// pending scan and the claim are separate commands, so a racing claimer
// may shrink the claim result; XClaim only returns entries actually won.
func (b *redisBackend) claimStale(ctx context.Context, minIdle time.Duration, max int) ([]rawDelivery, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xclaim: %w", err)
	}

	out := make([]rawDelivery, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messageDelivery(msg))
	}
	return out, nil
}

func (b *redisBackend) depth(ctx context.Context) (int64, error) {
	queued, err := b.client.XLen(ctx, b.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	delayed, err := b.client.ZCard(ctx, b.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return queued + delayed, nil
}

func (b *redisBackend) close() error {
	// The Redis client is shared process-wide and closed by its owner.
	return nil
}

func messageDelivery(msg redis.XMessage) rawDelivery {
	payload, _ := msg.Values["payload"].(string)
	return rawDelivery{payload: []byte(payload), receipt: msg.ID}
}
