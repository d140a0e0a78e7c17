package runner

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
)

func setupTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.CrawlConfig{MaxAttempts: 3, MaxAgeSeconds: 86400}
	return NewTracker(client, cfg), mr
}

func TestTracker_EnsureStartedKeepsFirstStamp(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := tr.EnsureStarted(ctx, "crawl:run:aaaa", first)
	require.NoError(t, err)
	assert.WithinDuration(t, first, got, time.Millisecond)

	later := first.Add(2 * time.Hour)
	got, err = tr.EnsureStarted(ctx, "crawl:run:aaaa", later)
	require.NoError(t, err)
	assert.WithinDuration(t, first, got, time.Millisecond)
}

func TestTracker_RecordFailureCounts(t *testing.T) {
	tr, mr := setupTracker(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := tr.RecordFailure(ctx, "crawl:run:bbbb")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Greater(t, mr.TTL(retryKey("crawl:run:bbbb")), time.Duration(0))
}

func TestTracker_RetriesReadsWithoutCounting(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	n, err := tr.Retries(ctx, "crawl:run:cccc")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = tr.RecordFailure(ctx, "crawl:run:cccc")
	require.NoError(t, err)

	n, err = tr.Retries(ctx, "crawl:run:cccc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tr.Retries(ctx, "crawl:run:cccc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTracker_Exhausted(t *testing.T) {
	tr, _ := setupTracker(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		retries   int
		startedAt time.Time
		want      bool
	}{
		{"fresh job", 0, now.Add(-time.Minute), false},
		{"attempts left", 2, now.Add(-time.Hour), false},
		{"attempts spent", 3, now.Add(-time.Hour), true},
		{"too old", 1, now.Add(-25 * time.Hour), true},
		{"no stamp only counts attempts", 2, time.Time{}, false},
		{"no stamp attempts spent", 3, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Exhausted(tt.retries, tt.startedAt, now))
		})
	}
}

func TestTracker_ForgetDropsState(t *testing.T) {
	tr, mr := setupTracker(t)
	ctx := context.Background()

	_, err := tr.EnsureStarted(ctx, "crawl:run:dddd", time.Now().UTC())
	require.NoError(t, err)
	_, err = tr.RecordFailure(ctx, "crawl:run:dddd")
	require.NoError(t, err)

	tr.Forget(ctx, "crawl:run:dddd")
	assert.False(t, mr.Exists(startKey("crawl:run:dddd")))
	assert.False(t, mr.Exists(retryKey("crawl:run:dddd")))
}
