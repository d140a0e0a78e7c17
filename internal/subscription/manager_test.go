package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

type stubGraph struct {
	mu        sync.Mutex
	created   []CreateRequest
	createOut *RemoteSubscription
	createErr error
	renewOut  *RemoteSubscription
	renewErr  error
	deleted   []string
	deleteErr error
}

func (g *stubGraph) Create(ctx context.Context, token string, req CreateRequest) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.createOut, nil
}

func (g *stubGraph) Renew(ctx context.Context, token, externalID string, expiresAt time.Time) (*RemoteSubscription, error) {
	if g.renewErr != nil {
		return nil, g.renewErr
	}
	return g.renewOut, nil
}

func (g *stubGraph) Delete(ctx context.Context, token, externalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, externalID)
	return g.deleteErr
}

func (g *stubGraph) deletedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.deleted))
	copy(out, g.deleted)
	return out
}

type managerHarness struct {
	mgr     *Manager
	graph   *stubGraph
	mock    sqlmock.Sqlmock
	metrics *metrics.Metrics
}

func setupManager(t *testing.T, mutate func(*config.GraphConfig)) *managerHarness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := observability.NewNoopLogger()
	factory := database.NewSessionFactory(sqlx.NewDb(db, "postgres"), logger)
	m := metrics.NewWith(prometheus.NewRegistry())
	rec := recovery.NewRunner(factory, m, logger)

	cfg := config.GraphConfig{
		BaseURL:          "https://graph.example.com/v1.0",
		WebhookBaseURL:   "https://hooks.example.com",
		ClientState:      "state-token",
		Expiration:       672 * time.Hour,
		RenewalThreshold: 24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	graph := &stubGraph{}
	return &managerHarness{
		mgr:     NewManager(graph, rec, cfg, m, logger),
		graph:   graph,
		mock:    mock,
		metrics: m,
	}
}

var subColumns = []string{
	"id", "user_integration_id", "site_id", "drive_id", "external_subscription_id",
	"is_onedrive", "expires_at", "created_at", "updated_at",
}

func subRow(id, uiID uuid.UUID, externalID string, isOneDrive bool, expiresAt time.Time) *sqlmock.Rows {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(subColumns).
		AddRow(id, uiID, "site-1", "drive-1", externalID, isOneDrive, expiresAt, now, now)
}

func TestEnsureSubscription_SkipsWithoutWebhookURL(t *testing.T) {
	h := setupManager(t, func(cfg *config.GraphConfig) { cfg.WebhookBaseURL = "" })

	sub, err := h.mgr.EnsureSubscription(context.Background(), uuid.New(), "site-1", "drive-1", false, "tok")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Empty(t, h.graph.created)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEnsureSubscription_CreatesWhenAbsent(t *testing.T) {
	h := setupManager(t, nil)
	uiID := uuid.MustParse("11111111-0000-0000-0000-000000000001")
	localID := uuid.MustParse("22222222-0000-0000-0000-000000000001")
	remoteExpiry := time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)
	h.graph.createOut = &RemoteSubscription{ID: "ext-new", ExpiresAt: remoteExpiry}

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WithArgs(uiID, "drive-1").
		WillReturnRows(sqlmock.NewRows(subColumns))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("INSERT INTO sharepoint_subscriptions").
		WithArgs(uiID, "site-1", "drive-1", "ext-new", false, remoteExpiry, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(localID))
	h.mock.ExpectCommit()

	sub, err := h.mgr.EnsureSubscription(context.Background(), uiID, "site-1", "drive-1", false, "tok")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, localID, sub.ID)
	assert.Equal(t, "ext-new", sub.ExternalSubscriptionID)
	assert.True(t, sub.ExpiresAt.Equal(remoteExpiry))

	require.Len(t, h.graph.created, 1)
	assert.Equal(t, "/sites/site-1/drives/drive-1/root", h.graph.created[0].Resource)
	assert.Equal(t, "https://hooks.example.com/webhooks/graph", h.graph.created[0].NotificationURL)
	assert.Equal(t, "state-token", h.graph.created[0].ClientState)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SubscriptionOps.WithLabelValues("create", "ok")))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEnsureSubscription_OneDriveResourceShape(t *testing.T) {
	h := setupManager(t, nil)
	uiID := uuid.New()
	h.graph.createOut = &RemoteSubscription{ID: "ext-od", ExpiresAt: time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)}

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(sqlmock.NewRows(subColumns))
	h.mock.ExpectCommit()
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("INSERT INTO sharepoint_subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	h.mock.ExpectCommit()

	_, err := h.mgr.EnsureSubscription(context.Background(), uiID, "site-1", "drive-1", true, "tok")
	require.NoError(t, err)

	require.Len(t, h.graph.created, 1)
	assert.Equal(t, "/drives/drive-1/root", h.graph.created[0].Resource)
}

func TestEnsureSubscription_ReturnsFreshExisting(t *testing.T) {
	h := setupManager(t, nil)
	uiID := uuid.New()
	subID := uuid.New()
	farOut := time.Now().UTC().Add(30 * 24 * time.Hour)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(subRow(subID, uiID, "ext-live", false, farOut))
	h.mock.ExpectCommit()

	sub, err := h.mgr.EnsureSubscription(context.Background(), uiID, "site-1", "drive-1", false, "tok")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, subID, sub.ID)
	assert.Empty(t, h.graph.created, "fresh subscriptions are left alone")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEnsureSubscription_RenewsExpiring(t *testing.T) {
	h := setupManager(t, nil)
	uiID := uuid.New()
	subID := uuid.New()
	soon := time.Now().UTC().Add(2 * time.Hour)
	renewed := time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)
	h.graph.renewOut = &RemoteSubscription{ID: "ext-live", ExpiresAt: renewed}

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(subRow(subID, uiID, "ext-live", false, soon))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE sharepoint_subscriptions").
		WithArgs(renewed, subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	sub, err := h.mgr.EnsureSubscription(context.Background(), uiID, "site-1", "drive-1", false, "tok")
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(renewed))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SubscriptionOps.WithLabelValues("renew", "ok")))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRenew_RemoteGoneRecreatesUnderSameID(t *testing.T) {
	h := setupManager(t, nil)
	subID := uuid.MustParse("22222222-0000-0000-0000-000000000002")
	recreatedExpiry := time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)
	h.graph.renewErr = ErrRemoteNotFound
	h.graph.createOut = &RemoteSubscription{ID: "ext-fresh", ExpiresAt: recreatedExpiry}

	sub := &models.Subscription{
		ID:                     subID,
		UserIntegrationID:      uuid.New(),
		SiteID:                 "site-1",
		DriveID:                "drive-1",
		ExternalSubscriptionID: "ext-stale",
		IsOneDrive:             true,
		ExpiresAt:              time.Now().UTC().Add(-time.Hour),
	}

	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE sharepoint_subscriptions").
		WithArgs("ext-fresh", recreatedExpiry, subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	require.NoError(t, h.mgr.Renew(context.Background(), sub, "tok"))

	assert.Equal(t, "ext-fresh", sub.ExternalSubscriptionID)
	assert.True(t, sub.ExpiresAt.Equal(recreatedExpiry))
	assert.Equal(t, []string{"ext-stale"}, h.graph.deletedIDs(), "stale remote id cleaned up first")
	require.Len(t, h.graph.created, 1)
	assert.Equal(t, "/drives/drive-1/root", h.graph.created[0].Resource, "recreation keeps the OneDrive shape")

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SubscriptionOps.WithLabelValues("renew", "missing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SubscriptionOps.WithLabelValues("recreate", "ok")))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDeleteIfUnused_KeepsReferencedSubscription(t *testing.T) {
	h := setupManager(t, nil)
	subID := uuid.New()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(subRow(subID, uuid.New(), "ext-live", false, time.Now().Add(time.Hour)))
	h.mock.ExpectQuery("FROM integration_knowledge").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	h.mock.ExpectCommit()

	deleted, err := h.mgr.DeleteIfUnused(context.Background(), subID, "tok")
	require.NoError(t, err)
	assert.False(t, deleted)

	h.mgr.Wait()
	assert.Empty(t, h.graph.deletedIDs())
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDeleteIfUnused_DeletesAtRefcountZero(t *testing.T) {
	h := setupManager(t, nil)
	subID := uuid.New()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(subRow(subID, uuid.New(), "ext-done", false, time.Now().Add(time.Hour)))
	h.mock.ExpectQuery("FROM integration_knowledge").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	h.mock.ExpectExec("^DELETE FROM sharepoint_subscriptions").
		WithArgs(subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	deleted, err := h.mgr.DeleteIfUnused(context.Background(), subID, "tok")
	require.NoError(t, err)
	assert.True(t, deleted)

	h.mgr.Wait()
	assert.Equal(t, []string{"ext-done"}, h.graph.deletedIDs(), "remote delete fires after the local commit")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDeleteIfUnused_MissingRowIsNoop(t *testing.T) {
	h := setupManager(t, nil)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(sqlmock.NewRows(subColumns))
	h.mock.ExpectCommit()

	deleted, err := h.mgr.DeleteIfUnused(context.Background(), uuid.New(), "tok")
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCreate_RollsBackRemoteWhenLocalInsertFails(t *testing.T) {
	h := setupManager(t, nil)
	uiID := uuid.New()
	h.graph.createOut = &RemoteSubscription{ID: "ext-orphan", ExpiresAt: time.Now().Add(time.Hour)}

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(sqlmock.NewRows(subColumns))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("INSERT INTO sharepoint_subscriptions").
		WillReturnError(errors.New("pq: duplicate key value"))
	h.mock.ExpectRollback()

	_, err := h.mgr.EnsureSubscription(context.Background(), uiID, "site-1", "drive-1", false, "tok")
	require.Error(t, err)

	h.mgr.Wait()
	assert.Equal(t, []string{"ext-orphan"}, h.graph.deletedIDs(), "orphaned remote subscription is removed")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SubscriptionOps.WithLabelValues("create", "error")))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSweepOrphans_DeletesOnlyUnreferenced(t *testing.T) {
	h := setupManager(t, nil)
	keepID := uuid.MustParse("33333333-0000-0000-0000-000000000001")
	dropID := uuid.MustParse("33333333-0000-0000-0000-000000000002")
	uiID := uuid.New()
	expires := time.Now().UTC().Add(time.Hour)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(sqlmock.NewRows(subColumns).
			AddRow(keepID, uiID, "site-1", "drive-1", "ext-keep", false, expires, expires, expires).
			AddRow(dropID, uiID, "site-1", "drive-2", "ext-drop", false, expires, expires, expires))
	h.mock.ExpectCommit()

	// keepID still has a reference.
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(subRow(keepID, uiID, "ext-keep", false, expires))
	h.mock.ExpectQuery("FROM integration_knowledge").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	h.mock.ExpectCommit()

	// dropID is orphaned.
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WillReturnRows(subRow(dropID, uiID, "ext-drop", false, expires))
	h.mock.ExpectQuery("FROM integration_knowledge").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	h.mock.ExpectExec("^DELETE FROM sharepoint_subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	swept, err := h.mgr.SweepOrphans(context.Background(), StaticTokenSource("tok"))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	h.mgr.Wait()
	assert.Equal(t, []string{"ext-drop"}, h.graph.deletedIDs())
	require.NoError(t, h.mock.ExpectationsWereMet())
}
