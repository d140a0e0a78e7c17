package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

const (
	pendingKeyPattern = "tenant:*:crawl_pending"
	scanBatch         = 200
)

func pendingKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:crawl_pending", tenantID)
}

// PendingQueue is the per-tenant list of crawls waiting for admission.
// Producers (cron loops, webhook handlers) push to the tail; the feeder
// consumes from the head.
type PendingQueue struct {
	client redis.UniversalClient
}

func NewPendingQueue(client redis.UniversalClient) *PendingQueue {
	return &PendingQueue{client: client}
}

// Push appends a descriptor to the tenant's pending list
func (p *PendingQueue) Push(ctx context.Context, tenantID string, pc models.PendingCrawl) error {
	payload, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal pending crawl: %w", err)
	}
	if err := p.client.RPush(ctx, pendingKey(tenantID), payload).Err(); err != nil {
		return fmt.Errorf("push pending crawl for %s: %w", tenantID, err)
	}
	return nil
}

// Peek returns up to n raw descriptors from the head without removing them
func (p *PendingQueue) Peek(ctx context.Context, tenantID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := p.client.LRange(ctx, pendingKey(tenantID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek pending for %s: %w", tenantID, err)
	}
	return entries, nil
}

// Advance removes the head entry. Only the feeder leader calls this, so
// the head observed by Peek is still the head here.
func (p *PendingQueue) Advance(ctx context.Context, tenantID string) error {
	err := p.client.LPop(ctx, pendingKey(tenantID)).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("advance pending for %s: %w", tenantID, err)
	}
	return nil
}

// Len returns the number of descriptors waiting for the tenant
func (p *PendingQueue) Len(ctx context.Context, tenantID string) (int64, error) {
	n, err := p.client.LLen(ctx, pendingKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("pending length for %s: %w", tenantID, err)
	}
	return n, nil
}

// Purge drops a tenant's entire pending list, used when the tenant is gone
func (p *PendingQueue) Purge(ctx context.Context, tenantID string) error {
	if err := p.client.Del(ctx, pendingKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("purge pending for %s: %w", tenantID, err)
	}
	return nil
}

// Tenants scans for tenants with a non-empty pending list and returns
// their ids extracted from the key names.
func (p *PendingQueue) Tenants(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pendingKeyPattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending queues: %w", err)
		}
		for _, key := range keys {
			if id, ok := tenantFromKey(key); ok {
				out = append(out, id)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func tenantFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "tenant:")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ":crawl_pending")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
