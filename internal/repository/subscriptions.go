package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

const subscriptionColumns = `
	id, user_integration_id, site_id, drive_id, external_subscription_id,
	is_onedrive, expires_at, created_at, updated_at`

// SubscriptionRepository handles change-notification subscription rows
type SubscriptionRepository struct {
	db Queryer
}

func NewSubscriptionRepository(db Queryer) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// GetByID retrieves a subscription by local id
func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM sharepoint_subscriptions WHERE id = $1`

	err := r.db.GetContext(ctx, &sub, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// GetByDrive finds the subscription covering a (integration, drive) pair
func (r *SubscriptionRepository) GetByDrive(ctx context.Context, userIntegrationID uuid.UUID, driveID string) (*models.Subscription, error) {
	var sub models.Subscription
	query := `
		SELECT ` + subscriptionColumns + `
		FROM sharepoint_subscriptions
		WHERE user_integration_id = $1 AND drive_id = $2`

	err := r.db.GetContext(ctx, &sub, query, userIntegrationID, driveID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("subscription for drive %s: %w", driveID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription by drive: %w", err)
	}
	return &sub, nil
}

// Create stores a subscription and fills in its generated id
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	query := `
		INSERT INTO sharepoint_subscriptions (
			user_integration_id, site_id, drive_id, external_subscription_id,
			is_onedrive, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		) RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		sub.UserIntegrationID, sub.SiteID, sub.DriveID, sub.ExternalSubscriptionID,
		sub.IsOneDrive, sub.ExpiresAt, sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateExternal swaps the provider-side id and expiry after a recreate,
// keeping the local id stable for referencing sources.
func (r *SubscriptionRepository) UpdateExternal(ctx context.Context, id uuid.UUID, externalID string, expiresAt time.Time) error {
	query := `
		UPDATE sharepoint_subscriptions
		SET external_subscription_id = $1, expires_at = $2, updated_at = now()
		WHERE id = $3`

	return r.exec(ctx, query, externalID, expiresAt, id)
}

// UpdateExpiry records a successful renewal
func (r *SubscriptionRepository) UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	query := `
		UPDATE sharepoint_subscriptions
		SET expires_at = $1, updated_at = now()
		WHERE id = $2`

	return r.exec(ctx, query, expiresAt, id)
}

// Delete removes a subscription row
func (r *SubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sharepoint_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListExpiringWithin returns subscriptions the renewal loop must touch
func (r *SubscriptionRepository) ListExpiringWithin(ctx context.Context, window time.Duration, now time.Time) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	query := `
		SELECT ` + subscriptionColumns + `
		FROM sharepoint_subscriptions
		WHERE expires_at < $1
		ORDER BY expires_at`

	if err := r.db.SelectContext(ctx, &subs, query, now.Add(window)); err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	return subs, nil
}

// ListAll returns every subscription, for orphan reconciliation
func (r *SubscriptionRepository) ListAll(ctx context.Context) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM sharepoint_subscriptions ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// CountReferences counts ingest sources still using the subscription.
// Remote deletion is only allowed at zero.
func (r *SubscriptionRepository) CountReferences(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM integration_knowledge WHERE subscription_id = $1`

	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		return 0, fmt.Errorf("failed to count subscription references: %w", err)
	}
	return n, nil
}

func (r *SubscriptionRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
