package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

const websiteColumns = `
	id, tenant_id, user_id, url, name, update_interval, crawl_type,
	embedding_model_id, last_crawl_started_at, last_crawl_finished_at,
	created_at, updated_at`

// WebsiteRepository handles website data access
type WebsiteRepository struct {
	db Queryer
}

func NewWebsiteRepository(db Queryer) *WebsiteRepository {
	return &WebsiteRepository{db: db}
}

// GetByID retrieves a website by id
func (r *WebsiteRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Website, error) {
	var site models.Website
	query := `SELECT ` + websiteColumns + ` FROM websites WHERE id = $1`

	err := r.db.GetContext(ctx, &site, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("website %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get website: %w", err)
	}
	return &site, nil
}

// ListDue returns websites whose recrawl interval has elapsed at now.
// Never-crawled websites with a schedule are due immediately. The shape
// matches the idx_websites_due partial index.
func (r *WebsiteRepository) ListDue(ctx context.Context, now time.Time) ([]*models.Website, error) {
	var sites []*models.Website
	query := `
		SELECT ` + websiteColumns + `
		FROM websites
		WHERE update_interval <> 'never'
		  AND (last_crawl_finished_at IS NULL
		       OR last_crawl_finished_at <= $1::timestamptz - (CASE update_interval
		            WHEN 'daily' THEN INTERVAL '1 day'
		            WHEN 'every_other_day' THEN INTERVAL '2 days'
		            WHEN 'weekly' THEN INTERVAL '7 days'
		          END))
		ORDER BY tenant_id, id`

	if err := r.db.SelectContext(ctx, &sites, query, now); err != nil {
		return nil, fmt.Errorf("failed to list due websites: %w", err)
	}
	return sites, nil
}

// MarkCrawlStarted stamps last_crawl_started_at
func (r *WebsiteRepository) MarkCrawlStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, `UPDATE websites SET last_crawl_started_at = $1, updated_at = now() WHERE id = $2`, id, at)
}

// MarkCrawlFinished stamps last_crawl_finished_at, which restarts the
// recrawl interval clock.
func (r *WebsiteRepository) MarkCrawlFinished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, `UPDATE websites SET last_crawl_finished_at = $1, updated_at = now() WHERE id = $2`, id, at)
}

func (r *WebsiteRepository) stamp(ctx context.Context, query string, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to update website: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("website %s: %w", id, ErrNotFound)
	}
	return nil
}
