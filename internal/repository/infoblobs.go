package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

// InfoBlobRepository persists ingested documents and their chunks. It only
// ever runs inside the persister's commit transaction, so construct it
// over the session's Transaction.
type InfoBlobRepository struct {
	db Queryer
}

func NewInfoBlobRepository(db Queryer) *InfoBlobRepository {
	return &InfoBlobRepository{db: db}
}

// DeleteByTitle removes the previous version of a page. Chunks go with it
// via ON DELETE CASCADE. Returns the number of blobs removed.
func (r *InfoBlobRepository) DeleteByTitle(ctx context.Context, tenantID, websiteID uuid.UUID, title string) (int64, error) {
	query := `DELETE FROM info_blobs WHERE tenant_id = $1 AND website_id = $2 AND title = $3`

	result, err := r.db.ExecContext(ctx, query, tenantID, websiteID, title)
	if err != nil {
		return 0, fmt.Errorf("failed to delete info blob: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// Insert stores a blob and fills in its generated id
func (r *InfoBlobRepository) Insert(ctx context.Context, blob *models.InfoBlob) error {
	now := time.Now()
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = now
	}
	blob.UpdatedAt = now
	if blob.Size == 0 {
		blob.Size = len(blob.Text)
	}

	query := `
		INSERT INTO info_blobs (
			tenant_id, website_id, group_id, integration_knowledge_id,
			user_id, embedding_model_id, title, url, text, size,
			content_hash, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		) RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		blob.TenantID, blob.WebsiteID, blob.GroupID, blob.IntegrationKnowledgeID,
		blob.UserID, blob.EmbeddingModelID, blob.Title, blob.URL, blob.Text,
		blob.Size, blob.ContentHash, blob.CreatedAt, blob.UpdatedAt,
	).Scan(&blob.ID)
	if err != nil {
		return fmt.Errorf("failed to insert info blob: %w", err)
	}
	return nil
}

// InsertChunks bulk-inserts a blob's chunks in one statement. Callers pass
// chunks already numbered 0..N-1.
func (r *InfoBlobRepository) InsertChunks(ctx context.Context, chunks []models.InfoBlobChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	const cols = 6
	values := make([]string, 0, len(chunks))
	args := make([]interface{}, 0, len(chunks)*cols)
	for i, c := range chunks {
		base := i * cols
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		size := c.Size
		if size == 0 {
			size = len(c.Text)
		}
		args = append(args, c.InfoBlobID, c.ChunkNo, c.TenantID, c.Text, size, c.Embedding)
	}

	query := `
		INSERT INTO info_blob_chunks (
			info_blob_id, chunk_no, tenant_id, text, size, embedding
		) VALUES ` + strings.Join(values, ", ")

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}
