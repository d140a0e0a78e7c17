package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

// TenantRepository reads tenant state; the worker never mutates tenants
type TenantRepository struct {
	db Queryer
}

func NewTenantRepository(db Queryer) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetByID retrieves a tenant, wrapping ErrNotFound when it is gone
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	query := `
		SELECT id, state, audit_retention_days, conversation_retention_days,
		       created_at, updated_at
		FROM tenants
		WHERE id = $1`

	err := r.db.GetContext(ctx, &tenant, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// ListAll returns every tenant, active or not
func (r *TenantRepository) ListAll(ctx context.Context) ([]*models.Tenant, error) {
	var tenants []*models.Tenant
	query := `
		SELECT id, state, audit_retention_days, conversation_retention_days,
		       created_at, updated_at
		FROM tenants
		ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &tenants, query); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// ListActive returns tenants whose jobs may be admitted
func (r *TenantRepository) ListActive(ctx context.Context) ([]*models.Tenant, error) {
	var tenants []*models.Tenant
	query := `
		SELECT id, state, audit_retention_days, conversation_retention_days,
		       created_at, updated_at
		FROM tenants
		WHERE state = $1
		ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &tenants, query, models.TenantStateActive); err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	return tenants, nil
}
