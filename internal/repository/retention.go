package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetentionRepository runs the purge statements for the daily crons. Each
// tenant's purge runs on its own session, so the repository is constructed
// per tenant over that session's transaction.
type RetentionRepository struct {
	db Queryer
}

func NewRetentionRepository(db Queryer) *RetentionRepository {
	return &RetentionRepository{db: db}
}

// PurgeAuditLogs deletes the tenant's audit rows older than the cutoff
func (r *RetentionRepository) PurgeAuditLogs(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE tenant_id = $1 AND created_at < $2`

	result, err := r.db.ExecContext(ctx, query, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// PurgeConversations deletes conversations past their effective retention.
// Retention resolves assistant → space → tenant; all three NULL means the
// conversation is kept forever. tenantRetention nil carries that NULL.
func (r *RetentionRepository) PurgeConversations(ctx context.Context, tenantID uuid.UUID, tenantRetention *int, now time.Time) (int64, error) {
	var tenantDays sql.NullInt64
	if tenantRetention != nil {
		tenantDays = sql.NullInt64{Int64: int64(*tenantRetention), Valid: true}
	}

	query := `
		DELETE FROM conversations c
		USING assistants a, spaces s
		WHERE c.tenant_id = $1
		  AND a.id = c.assistant_id
		  AND s.id = c.space_id
		  AND COALESCE(a.retention_days, s.retention_days, $2) IS NOT NULL
		  AND c.created_at < $3::timestamptz
		        - make_interval(days => COALESCE(a.retention_days, s.retention_days, $2))`

	result, err := r.db.ExecContext(ctx, query, tenantID, tenantDays, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
