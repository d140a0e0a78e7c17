package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

// EmbeddingModelRepository reads model specs for the persister
type EmbeddingModelRepository struct {
	db Queryer
}

func NewEmbeddingModelRepository(db Queryer) *EmbeddingModelRepository {
	return &EmbeddingModelRepository{db: db}
}

// GetByID retrieves an embedding model spec
func (r *EmbeddingModelRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EmbeddingModel, error) {
	var model models.EmbeddingModel
	query := `SELECT id, name, provider, dimensions, max_tokens FROM embedding_models WHERE id = $1`

	err := r.db.GetContext(ctx, &model, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("embedding model %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get embedding model: %w", err)
	}
	return &model, nil
}
