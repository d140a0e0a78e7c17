package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// jobIDHashLen is how many hex characters of the URL hash go into the id
const jobIDHashLen = 8

// runNamespace scopes run ids derived from a website's crawl cycle
var runNamespace = uuid.MustParse("7f1c7ed0-5bd0-4c1a-9f6e-3a8f6f2b9c44")

// NewRunID derives the run id for a website's next crawl cycle. It is
// deterministic in (website, last finished crawl), so the hourly scheduler
// re-offering a website that is still pending produces the same job ids,
// which collapse in the queue instead of double-crawling.
func NewRunID(websiteID uuid.UUID, lastFinished *time.Time) uuid.UUID {
	cycle := int64(0)
	if lastFinished != nil {
		cycle = lastFinished.UTC().Unix()
	}
	return uuid.NewSHA1(runNamespace, []byte(fmt.Sprintf("%s:%d", websiteID, cycle)))
}

// MakeJobID derives the queue job id for one (run, url) pair. The id is
// deterministic so a second enqueue of the same page within one run
// collapses into the first, which is what bounds a website to a single
// in-flight crawl.
func MakeJobID(runID uuid.UUID, url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("crawl:%s:%s", runID, hex.EncodeToString(sum[:])[:jobIDHashLen])
}

// NewCrawlJob builds a pending-queue descriptor with its deterministic id
func NewCrawlJob(tenantID, websiteID, runID uuid.UUID, url, crawlType string) CrawlJob {
	return CrawlJob{
		JobID:      MakeJobID(runID, url),
		TenantID:   tenantID,
		WebsiteID:  websiteID,
		RunID:      runID,
		URL:        url,
		CrawlType:  crawlType,
		EnqueuedAt: time.Now().UTC(),
	}
}
