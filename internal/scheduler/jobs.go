package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/exports"
	"github.com/knowledge-mesh/ingest-worker/internal/feeder"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
	"github.com/knowledge-mesh/ingest-worker/internal/subscription"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// Jobs holds the maintenance loops. The subscription manager, token
// source, and export store are optional; a loop whose dependency is
// absent reports itself disabled and succeeds.
type Jobs struct {
	recovery      *recovery.Runner
	pending       *feeder.PendingQueue
	subs          *subscription.Manager
	tokens        subscription.TokenSource
	exports       *exports.Store
	renewalWindow time.Duration
	maxJobAge     time.Duration
	logger        observability.Logger
}

func NewJobs(rec *recovery.Runner, pending *feeder.PendingQueue, subs *subscription.Manager, tokens subscription.TokenSource, exp *exports.Store, cfg *config.Config, logger observability.Logger) *Jobs {
	return &Jobs{
		recovery:      rec,
		pending:       pending,
		subs:          subs,
		tokens:        tokens,
		exports:       exp,
		renewalWindow: cfg.Graph.RenewalThreshold,
		maxJobAge:     cfg.Crawl.MaxAge(),
		logger:        logger.WithPrefix("cron"),
	}
}

// QueueDueWebsites pushes a pending descriptor for every website whose
// recrawl interval has elapsed. Websites with a crawl already in flight
// are skipped; the stale-start bound in CrawlInFlight keeps a dead
// worker from blocking a website forever. The run id is derived from
// the website id and the last finished crawl, so reruns of this loop
// queue the same run and the duplicates collapse in the job queue.
func (j *Jobs) QueueDueWebsites(ctx context.Context) error {
	now := time.Now().UTC()

	var due []*models.Website
	err := j.recovery.Do(ctx, "list due websites", func(ctx context.Context, sess *database.Session) error {
		due = nil
		var err error
		due, err = repository.NewWebsiteRepository(sess.Tx()).ListDue(ctx, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list due websites: %w", err)
	}

	queued, failed := 0, 0
	for _, site := range due {
		if site.CrawlInFlight(now, j.maxJobAge) {
			j.logger.Debug("skipping website with crawl in flight", map[string]interface{}{
				"website_id": site.ID.String(),
			})
			continue
		}

		pc := models.PendingCrawl{
			WebsiteID: site.ID,
			RunID:     models.NewRunID(site.ID, site.LastCrawlFinishedAt),
			URL:       site.URL,
			CrawlType: site.CrawlType,
		}
		if err := j.pending.Push(ctx, site.TenantID.String(), pc); err != nil {
			failed++
			j.logger.Error("failed to queue due website", map[string]interface{}{
				"website_id": site.ID.String(),
				"tenant_id":  site.TenantID.String(),
				"error":      err.Error(),
			})
			continue
		}
		queued++
	}

	if queued > 0 || failed > 0 {
		j.logger.Info("queued due websites", map[string]interface{}{
			"due":    len(due),
			"queued": queued,
			"failed": failed,
		})
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d due websites failed to queue", failed, len(due))
	}
	return nil
}

// RenewSubscriptions renews every subscription that expires within the
// renewal window. One subscription's failure never blocks the rest;
// renewal of a remotely deleted subscription recreates it under the
// same local row.
func (j *Jobs) RenewSubscriptions(ctx context.Context) error {
	if j.subs == nil || j.tokens == nil {
		j.logger.Debug("subscription renewal disabled", nil)
		return nil
	}
	now := time.Now().UTC()

	var expiring []*models.Subscription
	err := j.recovery.Do(ctx, "list expiring subscriptions", func(ctx context.Context, sess *database.Session) error {
		expiring = nil
		var err error
		expiring, err = repository.NewSubscriptionRepository(sess.Tx()).ListExpiringWithin(ctx, j.renewalWindow, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}

	renewed, failed := 0, 0
	for _, sub := range expiring {
		token, err := j.tokens.Token(ctx, sub.UserIntegrationID)
		if err != nil {
			failed++
			j.logger.Error("failed to resolve token for subscription", map[string]interface{}{
				"subscription_id":     sub.ID.String(),
				"user_integration_id": sub.UserIntegrationID.String(),
				"error":               err.Error(),
			})
			continue
		}
		if err := j.subs.Renew(ctx, sub, token); err != nil {
			failed++
			j.logger.Error("failed to renew subscription", map[string]interface{}{
				"subscription_id": sub.ID.String(),
				"error":           err.Error(),
			})
			continue
		}
		renewed++
	}

	if renewed > 0 || failed > 0 {
		j.logger.Info("renewed expiring subscriptions", map[string]interface{}{
			"expiring": len(expiring),
			"renewed":  renewed,
			"failed":   failed,
		})
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subscription renewals failed", failed, len(expiring))
	}
	return nil
}

// PurgeAuditLogs applies each tenant's audit retention. Every tenant
// purges in its own session, so one tenant's failure cannot roll back
// another's deletions. Tenants with retention disabled are skipped.
func (j *Jobs) PurgeAuditLogs(ctx context.Context) error {
	tenants, err := j.listTenants(ctx)
	if err != nil {
		return err
	}

	var purged int64
	failed := 0
	now := time.Now().UTC()
	for _, tenant := range tenants {
		if tenant.AuditRetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -tenant.AuditRetentionDays)

		var rows int64
		err := j.recovery.Do(ctx, "purge audit logs", func(ctx context.Context, sess *database.Session) error {
			var err error
			rows, err = repository.NewRetentionRepository(sess.Tx()).PurgeAuditLogs(ctx, tenant.ID, cutoff)
			return err
		})
		if err != nil {
			failed++
			j.logger.Error("audit log purge failed for tenant", map[string]interface{}{
				"tenant_id": tenant.ID.String(),
				"error":     err.Error(),
			})
			continue
		}
		purged += rows
	}

	if purged > 0 || failed > 0 {
		j.logger.Info("purged audit logs", map[string]interface{}{
			"rows_deleted":   purged,
			"tenants_failed": failed,
		})
	}
	if failed > 0 {
		return fmt.Errorf("audit log purge failed for %d tenants", failed)
	}
	return nil
}

// PurgeConversations applies hierarchical conversation retention for
// every tenant, one session per tenant. Tenants without a retention of
// their own still run, because assistant and space settings can expire
// conversations on their own.
func (j *Jobs) PurgeConversations(ctx context.Context) error {
	tenants, err := j.listTenants(ctx)
	if err != nil {
		return err
	}

	var purged int64
	failed := 0
	now := time.Now().UTC()
	for _, tenant := range tenants {
		var rows int64
		err := j.recovery.Do(ctx, "purge conversations", func(ctx context.Context, sess *database.Session) error {
			var err error
			rows, err = repository.NewRetentionRepository(sess.Tx()).PurgeConversations(ctx, tenant.ID, tenant.ConversationRetention, now)
			return err
		})
		if err != nil {
			failed++
			j.logger.Error("conversation purge failed for tenant", map[string]interface{}{
				"tenant_id": tenant.ID.String(),
				"error":     err.Error(),
			})
			continue
		}
		purged += rows
	}

	if purged > 0 || failed > 0 {
		j.logger.Info("purged conversations", map[string]interface{}{
			"rows_deleted":   purged,
			"tenants_failed": failed,
		})
	}
	if failed > 0 {
		return fmt.Errorf("conversation purge failed for %d tenants", failed)
	}
	return nil
}

// CleanupExportFiles deletes expired export files and reclaims objects
// that never got a manifest
func (j *Jobs) CleanupExportFiles(ctx context.Context) error {
	if j.exports == nil {
		j.logger.Debug("export cleanup disabled", nil)
		return nil
	}
	_, err := j.exports.Sweep(ctx, time.Now().UTC())
	return err
}

// SweepPendingQueues drops pending lists whose tenant no longer exists.
// Suspended tenants keep their lists; their jobs drop at dequeue until
// the tenant is reactivated or deleted.
func (j *Jobs) SweepPendingQueues(ctx context.Context) error {
	tenantIDs, err := j.pending.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan pending queues: %w", err)
	}

	purged := 0
	var firstErr error
	for _, tenantID := range tenantIDs {
		uid, parseErr := uuid.Parse(tenantID)
		if parseErr != nil {
			j.logger.Warn("purging pending list with malformed tenant id", map[string]interface{}{
				"tenant_id": tenantID,
			})
			if err := j.pending.Purge(ctx, tenantID); err == nil {
				purged++
			}
			continue
		}

		err := j.recovery.Do(ctx, "load tenant", func(ctx context.Context, sess *database.Session) error {
			_, err := repository.NewTenantRepository(sess.Tx()).GetByID(ctx, uid)
			return err
		})
		switch {
		case err == nil:
			// Tenant exists; the list stays.
		case errors.Is(err, repository.ErrNotFound):
			if err := j.pending.Purge(ctx, tenantID); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			purged++
			j.logger.Info("purged pending list for deleted tenant", map[string]interface{}{
				"tenant_id": tenantID,
			})
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if purged > 0 {
		j.logger.Info("swept pending queues", map[string]interface{}{
			"lists_purged": purged,
		})
	}
	return firstErr
}

// SweepSubscriptions retries remote deletes that the detached cleanup
// missed, by releasing every local subscription that reached refcount
// zero
func (j *Jobs) SweepSubscriptions(ctx context.Context) error {
	if j.subs == nil || j.tokens == nil {
		j.logger.Debug("subscription sweep disabled", nil)
		return nil
	}
	swept, err := j.subs.SweepOrphans(ctx, j.tokens)
	if swept > 0 {
		j.logger.Info("swept orphaned subscriptions", map[string]interface{}{
			"deleted": swept,
		})
	}
	return err
}

func (j *Jobs) listTenants(ctx context.Context) ([]*models.Tenant, error) {
	var tenants []*models.Tenant
	err := j.recovery.Do(ctx, "list tenants", func(ctx context.Context, sess *database.Session) error {
		tenants = nil
		var err error
		tenants, err = repository.NewTenantRepository(sess.Tx()).ListAll(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// RegisterAll wires every loop under its configured expression
func (j *Jobs) RegisterAll(s *Scheduler, cfg config.SchedulerConfig) error {
	loops := []struct {
		spec string
		name string
		fn   func(ctx context.Context) error
	}{
		{cfg.QueueDueWebsites, "queue_due_websites", j.QueueDueWebsites},
		{cfg.SubscriptionRenewal, "subscription_renewal", j.RenewSubscriptions},
		{cfg.PurgeAuditLogs, "purge_audit_logs", j.PurgeAuditLogs},
		{cfg.PurgeConversations, "purge_conversations", j.PurgeConversations},
		{cfg.CleanupExportFiles, "cleanup_export_files", j.CleanupExportFiles},
		{cfg.SweepPendingQueues, "sweep_pending_queues", j.SweepPendingQueues},
		{cfg.SweepSubscriptions, "sweep_subscriptions", j.SweepSubscriptions},
	}
	for _, loop := range loops {
		if err := s.Register(loop.spec, loop.name, loop.fn); err != nil {
			return err
		}
	}
	return nil
}
