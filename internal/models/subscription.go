package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is a change-notification registration against the external
// document provider. IsOneDrive selects the resource URL shape and must
// survive recreations, so it is persisted with the row.
type Subscription struct {
	ID                     uuid.UUID `db:"id" json:"id"`
	UserIntegrationID      uuid.UUID `db:"user_integration_id" json:"user_integration_id"`
	SiteID                 string    `db:"site_id" json:"site_id"`
	DriveID                string    `db:"drive_id" json:"drive_id"`
	ExternalSubscriptionID string    `db:"external_subscription_id" json:"external_subscription_id"`
	IsOneDrive             bool      `db:"is_onedrive" json:"is_onedrive"`
	ExpiresAt              time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}

// ExpiresWithin reports whether the subscription needs renewal
func (s *Subscription) ExpiresWithin(window time.Duration, now time.Time) bool {
	return s.ExpiresAt.Before(now.Add(window))
}

// ExportManifest is the Redis-stored record of a generated export file,
// keyed audit_export:{tenant}:{job} with a 24h TTL. The cleanup cron
// deletes the referenced object once the manifest expires.
type ExportManifest struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	JobID     uuid.UUID `json:"job_id"`
	Key       string    `json:"key"`
	Bucket    string    `json:"bucket"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
