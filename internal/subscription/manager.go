// Package subscription maintains change-notification subscriptions on a
// Microsoft-Graph-shaped API. Subscriptions are shared: many ingest
// sources can reference one (integration, drive) subscription, and the
// remote side is only released once the last reference is gone.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// detachedTimeout bounds remote deletes that run after the local commit
const detachedTimeout = 30 * time.Second

// Subscription operation results, as reported to metrics
const (
	opCreate   = "create"
	opRenew    = "renew"
	opRecreate = "recreate"
	opDelete   = "delete"

	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeMissing = "missing"
)

// TokenSource supplies Graph access tokens per user integration. Token
// acquisition (OAuth refresh, credential storage) lives outside the
// worker core.
type TokenSource interface {
	Token(ctx context.Context, userIntegrationID uuid.UUID) (string, error)
}

// StaticTokenSource hands every call the same token. Used when the
// deployment injects a single service token through configuration.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context, _ uuid.UUID) (string, error) {
	return string(s), nil
}

// Manager owns the subscription lifecycle: ensure on source creation,
// renew before expiry, recreate when the remote side lost it, delete at
// refcount zero.
type Manager struct {
	graph    GraphClient
	recovery *recovery.Runner
	cfg      config.GraphConfig
	metrics  *metrics.Metrics
	logger   observability.Logger
	detached sync.WaitGroup
}

func NewManager(graph GraphClient, rec *recovery.Runner, cfg config.GraphConfig, m *metrics.Metrics, logger observability.Logger) *Manager {
	return &Manager{
		graph:    graph,
		recovery: rec,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.WithPrefix("subscription"),
	}
}

// resourcePath builds the Graph resource a subscription watches. OneDrive
// drives are addressed directly; SharePoint drives go through their site.
func resourcePath(siteID, driveID string, isOneDrive bool) string {
	if isOneDrive {
		return fmt.Sprintf("/drives/%s/root", driveID)
	}
	return fmt.Sprintf("/sites/%s/drives/%s/root", siteID, driveID)
}

func (m *Manager) notificationURL() string {
	return m.cfg.WebhookBaseURL + "/webhooks/graph"
}

// EnsureSubscription returns a live subscription for the (integration,
// drive) pair, creating or renewing as needed. Without a configured
// webhook base URL there is nowhere to deliver notifications, so the
// manager degrades to no subscription at all rather than failing source
// creation.
func (m *Manager) EnsureSubscription(ctx context.Context, userIntegrationID uuid.UUID, siteID, driveID string, isOneDrive bool, token string) (*models.Subscription, error) {
	if m.cfg.WebhookBaseURL == "" {
		m.logger.Debug("webhook base url not configured, skipping subscription", map[string]interface{}{
			"drive_id": driveID,
		})
		return nil, nil
	}

	var existing *models.Subscription
	err := m.recovery.Do(ctx, "load subscription", func(ctx context.Context, sess *database.Session) error {
		sub, err := repository.NewSubscriptionRepository(sess.Tx()).GetByDrive(ctx, userIntegrationID, driveID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		existing = sub
		return err
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.ExpiresWithin(m.cfg.RenewalThreshold, time.Now().UTC()) {
			if err := m.Renew(ctx, existing, token); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	return m.create(ctx, userIntegrationID, siteID, driveID, isOneDrive, token)
}

func (m *Manager) create(ctx context.Context, userIntegrationID uuid.UUID, siteID, driveID string, isOneDrive bool, token string) (*models.Subscription, error) {
	remote, err := m.graph.Create(ctx, token, CreateRequest{
		Resource:        resourcePath(siteID, driveID, isOneDrive),
		NotificationURL: m.notificationURL(),
		ClientState:     m.cfg.ClientState,
		ExpiresAt:       time.Now().UTC().Add(m.cfg.Expiration),
	})
	if err != nil {
		m.metrics.SubscriptionOps.WithLabelValues(opCreate, outcomeError).Inc()
		return nil, err
	}

	sub := &models.Subscription{
		UserIntegrationID:      userIntegrationID,
		SiteID:                 siteID,
		DriveID:                driveID,
		ExternalSubscriptionID: remote.ID,
		IsOneDrive:             isOneDrive,
		ExpiresAt:              remote.ExpiresAt,
	}
	err = m.recovery.Do(ctx, "store subscription", func(ctx context.Context, sess *database.Session) error {
		return repository.NewSubscriptionRepository(sess.Tx()).Create(ctx, sub)
	})
	if err != nil {
		// The remote subscription exists but the row does not; drop the
		// remote side so the pair cannot drift apart.
		m.deleteRemoteDetached(remote.ID, token)
		m.metrics.SubscriptionOps.WithLabelValues(opCreate, outcomeError).Inc()
		return nil, err
	}

	m.metrics.SubscriptionOps.WithLabelValues(opCreate, outcomeOK).Inc()
	m.logger.Info("subscription created", map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"drive_id":        driveID,
		"expires_at":      sub.ExpiresAt.Format(time.RFC3339),
	})
	return sub, nil
}

// Renew pushes the subscription's expiry forward. A remote 404 means the
// provider dropped it (they expire server-side); the subscription is
// recreated under the same local id.
func (m *Manager) Renew(ctx context.Context, sub *models.Subscription, token string) error {
	remote, err := m.graph.Renew(ctx, token, sub.ExternalSubscriptionID, time.Now().UTC().Add(m.cfg.Expiration))
	if errors.Is(err, ErrRemoteNotFound) {
		m.metrics.SubscriptionOps.WithLabelValues(opRenew, outcomeMissing).Inc()
		m.logger.Warn("subscription lost remotely, recreating", map[string]interface{}{
			"subscription_id": sub.ID.String(),
		})
		return m.RecreateExpired(ctx, sub, token)
	}
	if err != nil {
		m.metrics.SubscriptionOps.WithLabelValues(opRenew, outcomeError).Inc()
		return err
	}

	err = m.recovery.Do(ctx, "update subscription expiry", func(ctx context.Context, sess *database.Session) error {
		return repository.NewSubscriptionRepository(sess.Tx()).UpdateExpiry(ctx, sub.ID, remote.ExpiresAt)
	})
	if err != nil {
		m.metrics.SubscriptionOps.WithLabelValues(opRenew, outcomeError).Inc()
		return err
	}

	sub.ExpiresAt = remote.ExpiresAt
	m.metrics.SubscriptionOps.WithLabelValues(opRenew, outcomeOK).Inc()
	return nil
}

// RecreateExpired replaces the remote subscription while keeping the
// local row id stable, so referencing sources never need touching. The
// old remote id is deleted best-effort first; a 404 there just confirms
// it is already gone.
func (m *Manager) RecreateExpired(ctx context.Context, sub *models.Subscription, token string) error {
	if err := m.graph.Delete(ctx, token, sub.ExternalSubscriptionID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
		m.logger.Warn("could not delete stale remote subscription", map[string]interface{}{
			"subscription_id": sub.ID.String(),
			"external_id":     sub.ExternalSubscriptionID,
			"error":           err.Error(),
		})
	}

	remote, err := m.graph.Create(ctx, token, CreateRequest{
		Resource:        resourcePath(sub.SiteID, sub.DriveID, sub.IsOneDrive),
		NotificationURL: m.notificationURL(),
		ClientState:     m.cfg.ClientState,
		ExpiresAt:       time.Now().UTC().Add(m.cfg.Expiration),
	})
	if err != nil {
		m.metrics.SubscriptionOps.WithLabelValues(opRecreate, outcomeError).Inc()
		return fmt.Errorf("recreate subscription %s: %w", sub.ID, err)
	}

	err = m.recovery.Do(ctx, "swap subscription external id", func(ctx context.Context, sess *database.Session) error {
		return repository.NewSubscriptionRepository(sess.Tx()).UpdateExternal(ctx, sub.ID, remote.ID, remote.ExpiresAt)
	})
	if err != nil {
		m.deleteRemoteDetached(remote.ID, token)
		m.metrics.SubscriptionOps.WithLabelValues(opRecreate, outcomeError).Inc()
		return err
	}

	sub.ExternalSubscriptionID = remote.ID
	sub.ExpiresAt = remote.ExpiresAt
	m.metrics.SubscriptionOps.WithLabelValues(opRecreate, outcomeOK).Inc()
	m.logger.Info("subscription recreated", map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"external_id":     remote.ID,
	})
	return nil
}

// DeleteIfUnused removes the subscription once nothing references it.
// The local row goes first, inside a committed transaction; the remote
// delete runs detached afterwards so a Graph outage cannot hold the
// database hostage. Remote stragglers are caught by SweepOrphans.
func (m *Manager) DeleteIfUnused(ctx context.Context, id uuid.UUID, token string) (bool, error) {
	var externalID string
	deleted := false

	err := m.recovery.Do(ctx, "delete unused subscription", func(ctx context.Context, sess *database.Session) error {
		externalID = ""
		deleted = false

		repo := repository.NewSubscriptionRepository(sess.Tx())
		sub, err := repo.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		refs, err := repo.CountReferences(ctx, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			m.logger.Debug("subscription still referenced, keeping", map[string]interface{}{
				"subscription_id": id.String(),
				"references":      refs,
			})
			return nil
		}

		if err := repo.Delete(ctx, id); err != nil {
			return err
		}
		externalID = sub.ExternalSubscriptionID
		deleted = true
		return nil
	})
	if err != nil {
		m.metrics.SubscriptionOps.WithLabelValues(opDelete, outcomeError).Inc()
		return false, err
	}
	if !deleted {
		return false, nil
	}

	m.deleteRemoteDetached(externalID, token)
	m.logger.Info("subscription deleted", map[string]interface{}{
		"subscription_id": id.String(),
	})
	return true, nil
}

// deleteRemoteDetached fires a best-effort remote delete on its own
// goroutine and context. Wait blocks until all such deletes finish.
func (m *Manager) deleteRemoteDetached(externalID, token string) {
	if externalID == "" {
		return
	}
	m.detached.Add(1)
	go func() {
		defer m.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
		defer cancel()

		err := m.graph.Delete(ctx, token, externalID)
		switch {
		case err == nil:
			m.metrics.SubscriptionOps.WithLabelValues(opDelete, outcomeOK).Inc()
		case errors.Is(err, ErrRemoteNotFound):
			m.metrics.SubscriptionOps.WithLabelValues(opDelete, outcomeMissing).Inc()
		default:
			m.metrics.SubscriptionOps.WithLabelValues(opDelete, outcomeError).Inc()
			m.logger.Warn("detached remote delete failed, sweep will retry", map[string]interface{}{
				"external_id": externalID,
				"error":       err.Error(),
			})
		}
	}()
}

// Wait blocks until detached remote deletes have drained. Called on
// shutdown.
func (m *Manager) Wait() {
	m.detached.Wait()
}

// SweepOrphans deletes subscriptions no source references anymore, for
// example when sources were removed without the delete hook firing. One
// bad subscription does not stop the sweep.
func (m *Manager) SweepOrphans(ctx context.Context, tokens TokenSource) (int, error) {
	var subs []*models.Subscription
	err := m.recovery.Do(ctx, "list subscriptions", func(ctx context.Context, sess *database.Session) error {
		var err error
		subs, err = repository.NewSubscriptionRepository(sess.Tx()).ListAll(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	var firstErr error
	for _, sub := range subs {
		token, err := tokens.Token(ctx, sub.UserIntegrationID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted, err := m.DeleteIfUnused(ctx, sub.ID, token)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if deleted {
			swept++
		}
	}
	return swept, firstErr
}
