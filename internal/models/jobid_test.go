package models

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeJobID_Deterministic(t *testing.T) {
	runID := uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")

	id1 := MakeJobID(runID, "https://example.com/page1")
	id2 := MakeJobID(runID, "https://example.com/page1")
	assert.Equal(t, id1, id2, "same (run, url) must collapse to one id")

	otherRun := MakeJobID(uuid.New(), "https://example.com/page1")
	assert.NotEqual(t, id1, otherRun, "a new run must produce a fresh id")

	otherURL := MakeJobID(runID, "https://example.com/page2")
	assert.NotEqual(t, id1, otherURL)
}

func TestMakeJobID_Format(t *testing.T) {
	runID := uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	id := MakeJobID(runID, "https://example.com/page1")

	assert.True(t, strings.HasPrefix(id, "crawl:f47ac10b-58cc-4372-a567-0e02b2c3d479:"))

	parts := strings.Split(id, ":")
	require.Len(t, parts, 3)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), parts[2],
		"hash component is exactly 8 lowercase hex characters")
}

func TestNewCrawlJob(t *testing.T) {
	tenant := uuid.New()
	website := uuid.New()
	run := uuid.New()

	job := NewCrawlJob(tenant, website, run, "https://example.com/", CrawlTypeCrawl)

	assert.Equal(t, MakeJobID(run, "https://example.com/"), job.JobID)
	assert.Equal(t, tenant, job.TenantID)
	assert.Equal(t, website, job.WebsiteID)
	assert.Equal(t, run, job.RunID)
	assert.WithinDuration(t, time.Now().UTC(), job.EnqueuedAt, time.Minute)
}

func TestNewRunID_StablePerCycle(t *testing.T) {
	website := uuid.New()
	finished := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := NewRunID(website, &finished)
	again := NewRunID(website, &finished)
	assert.Equal(t, first, again, "one due cycle maps to one run id")

	later := finished.Add(24 * time.Hour)
	assert.NotEqual(t, first, NewRunID(website, &later),
		"finishing a crawl opens a new cycle")
	assert.NotEqual(t, first, NewRunID(uuid.New(), &finished))

	neverCrawled := NewRunID(website, nil)
	assert.Equal(t, neverCrawled, NewRunID(website, nil))
	assert.NotEqual(t, first, neverCrawled)
}

func TestWebsiteDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	twoDaysAgo := now.Add(-48 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	tests := []struct {
		name     string
		interval UpdateInterval
		finished *time.Time
		want     bool
	}{
		{"never is never due", IntervalNever, &twoDaysAgo, false},
		{"daily elapsed", IntervalDaily, &twoDaysAgo, true},
		{"daily not elapsed", IntervalDaily, &hourAgo, false},
		{"never crawled is due", IntervalWeekly, nil, true},
		{"weekly not elapsed", IntervalWeekly, &twoDaysAgo, false},
		{"every other day elapsed", IntervalEveryOtherDay, &twoDaysAgo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Website{UpdateInterval: tt.interval, LastCrawlFinishedAt: tt.finished}
			assert.Equal(t, tt.want, w.Due(now))
		})
	}
}

func TestWebsiteCrawlInFlight(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	maxAge := 24 * time.Hour
	hourAgo := now.Add(-time.Hour)
	twoHoursAgo := now.Add(-2 * time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)

	tests := []struct {
		name     string
		started  *time.Time
		finished *time.Time
		want     bool
	}{
		{"never started", nil, nil, false},
		{"started, not finished", &hourAgo, nil, true},
		{"finished after start", &twoHoursAgo, &hourAgo, false},
		{"restarted after finish", &hourAgo, &twoHoursAgo, true},
		{"stale start stops blocking", &twoDaysAgo, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Website{LastCrawlStartedAt: tt.started, LastCrawlFinishedAt: tt.finished}
			assert.Equal(t, tt.want, w.CrawlInFlight(now, maxAge))
		})
	}
}
