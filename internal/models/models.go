// Package models holds the domain entities shared across the worker core.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant states
const (
	TenantStateActive    = "active"
	TenantStateSuspended = "suspended"
)

// Tenant is read-only to the worker core; administration owns its lifecycle.
type Tenant struct {
	ID                     uuid.UUID `db:"id" json:"id"`
	State                  string    `db:"state" json:"state"`
	AuditRetentionDays     int       `db:"audit_retention_days" json:"audit_retention_days"`
	ConversationRetention  *int      `db:"conversation_retention_days" json:"conversation_retention_days,omitempty"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}

// Active reports whether new jobs may be admitted for the tenant
func (t *Tenant) Active() bool {
	return t.State == TenantStateActive
}

// UpdateInterval controls how often a website is recrawled
type UpdateInterval string

// Update intervals
const (
	IntervalNever         UpdateInterval = "never"
	IntervalDaily         UpdateInterval = "daily"
	IntervalEveryOtherDay UpdateInterval = "every_other_day"
	IntervalWeekly        UpdateInterval = "weekly"
)

// Duration returns the recrawl period, or 0 for never
func (u UpdateInterval) Duration() time.Duration {
	switch u {
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalEveryOtherDay:
		return 48 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Crawl types
const (
	CrawlTypeCrawl      = "crawl"
	CrawlTypeSitemap    = "sitemap"
	CrawlTypeSinglePage = "single_page"
)

// Website is an ingest source crawled on a schedule
type Website struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	TenantID            uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	UserID              uuid.UUID      `db:"user_id" json:"user_id"`
	URL                 string         `db:"url" json:"url"`
	Name                *string        `db:"name" json:"name,omitempty"`
	UpdateInterval      UpdateInterval `db:"update_interval" json:"update_interval"`
	CrawlType           string         `db:"crawl_type" json:"crawl_type"`
	EmbeddingModelID    uuid.UUID      `db:"embedding_model_id" json:"embedding_model_id"`
	LastCrawlStartedAt  *time.Time     `db:"last_crawl_started_at" json:"last_crawl_started_at,omitempty"`
	LastCrawlFinishedAt *time.Time     `db:"last_crawl_finished_at" json:"last_crawl_finished_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// Due reports whether the website should be queued for a recrawl at now.
// Websites that have never finished a crawl are due as soon as the
// interval is anything but never.
func (w *Website) Due(now time.Time) bool {
	period := w.UpdateInterval.Duration()
	if period == 0 {
		return false
	}
	if w.LastCrawlFinishedAt == nil {
		return true
	}
	return now.Sub(*w.LastCrawlFinishedAt) >= period
}

// CrawlInFlight reports whether a crawl started but has not finished yet.
// Starts older than maxAge stop counting, so a worker that died mid-crawl
// cannot block a website forever.
func (w *Website) CrawlInFlight(now time.Time, maxAge time.Duration) bool {
	if w.LastCrawlStartedAt == nil {
		return false
	}
	if w.LastCrawlFinishedAt != nil && !w.LastCrawlFinishedAt.Before(*w.LastCrawlStartedAt) {
		return false
	}
	return now.Sub(*w.LastCrawlStartedAt) < maxAge
}

// CrawlJob is the transient descriptor moved through the pending queue and
// the job queue. Its JobID is deterministic in (RunID, URL) so duplicate
// enqueues collapse.
type CrawlJob struct {
	JobID      string    `json:"job_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	WebsiteID  uuid.UUID `json:"website_id"`
	RunID      uuid.UUID `json:"run_id"`
	URL        string    `json:"url"`
	CrawlType  string    `json:"crawl_type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PendingCrawl is one entry in a tenant's pending list, waiting for the
// feeder to admit it. The tenant is implied by the list key.
type PendingCrawl struct {
	WebsiteID uuid.UUID `json:"website_id"`
	RunID     uuid.UUID `json:"run_id"`
	URL       string    `json:"url"`
	CrawlType string    `json:"crawl_type"`
}

// Page is one crawled page before preparation
type Page struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	// MimeType guides text extraction; empty means text/html
	MimeType string `json:"mime_type,omitempty"`
}

// EmbeddingModel describes a provider model the persister embeds with
type EmbeddingModel struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Provider   string    `db:"provider" json:"provider"`
	Dimensions int       `db:"dimensions" json:"dimensions"`
	MaxTokens  int       `db:"max_tokens" json:"max_tokens"`
}

// AuditLog rows are purged per tenant retention by the daily cron
type AuditLog struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Action    string    `db:"action" json:"action"`
	ActorID   uuid.UUID `db:"actor_id" json:"actor_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Conversation rows are purged by hierarchical retention: an assistant
// setting overrides its space's, which overrides the tenant's.
type Conversation struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	SpaceID     uuid.UUID `db:"space_id" json:"space_id"`
	AssistantID uuid.UUID `db:"assistant_id" json:"assistant_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
