package runner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
)

// Store is the runner's view of tenant and website state. Each call is
// one short recovery-managed session, never a transaction held across
// the crawl.
type Store interface {
	Tenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Website(ctx context.Context, id uuid.UUID) (*models.Website, error)
	MarkCrawlStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkCrawlFinished(ctx context.Context, id uuid.UUID, at time.Time) error
}

type recoveryStore struct {
	recovery *recovery.Runner
}

// NewStore backs the Store interface with recovery-managed sessions
func NewStore(rec *recovery.Runner) Store {
	return &recoveryStore{recovery: rec}
}

func (s *recoveryStore) Tenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant *models.Tenant
	err := s.recovery.Do(ctx, "load tenant", func(ctx context.Context, sess *database.Session) error {
		var err error
		tenant, err = repository.NewTenantRepository(sess.Tx()).GetByID(ctx, id)
		return err
	})
	return tenant, err
}

func (s *recoveryStore) Website(ctx context.Context, id uuid.UUID) (*models.Website, error) {
	var site *models.Website
	err := s.recovery.Do(ctx, "load website", func(ctx context.Context, sess *database.Session) error {
		var err error
		site, err = repository.NewWebsiteRepository(sess.Tx()).GetByID(ctx, id)
		return err
	})
	return site, err
}

func (s *recoveryStore) MarkCrawlStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.recovery.Do(ctx, "mark crawl started", func(ctx context.Context, sess *database.Session) error {
		return repository.NewWebsiteRepository(sess.Tx()).MarkCrawlStarted(ctx, id, at)
	})
}

func (s *recoveryStore) MarkCrawlFinished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.recovery.Do(ctx, "mark crawl finished", func(ctx context.Context, sess *database.Session) error {
		return repository.NewWebsiteRepository(sess.Tx()).MarkCrawlFinished(ctx, id, at)
	})
}
