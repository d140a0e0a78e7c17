package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/feeder"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/subscription"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

var (
	websiteCols = []string{
		"id", "tenant_id", "user_id", "url", "name", "update_interval", "crawl_type",
		"embedding_model_id", "last_crawl_started_at", "last_crawl_finished_at",
		"created_at", "updated_at",
	}
	tenantCols = []string{
		"id", "state", "audit_retention_days", "conversation_retention_days",
		"created_at", "updated_at",
	}
	subCols = []string{
		"id", "user_integration_id", "site_id", "drive_id", "external_subscription_id",
		"is_onedrive", "expires_at", "created_at", "updated_at",
	}
)

type jobsHarness struct {
	rec     *recovery.Runner
	pending *feeder.PendingQueue
	mock    sqlmock.Sqlmock
	mr      *miniredis.Miniredis
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  observability.Logger
}

func setupJobs(t *testing.T) *jobsHarness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := observability.NewNoopLogger()
	m := metrics.NewWith(prometheus.NewRegistry())
	factory := database.NewSessionFactory(sqlx.NewDb(db, "postgres"), logger)

	return &jobsHarness{
		rec:     recovery.NewRunner(factory, m, logger),
		pending: feeder.NewPendingQueue(client),
		mock:    mock,
		mr:      mr,
		cfg: &config.Config{
			Crawl: config.CrawlConfig{MaxAgeSeconds: 86400},
			Graph: config.GraphConfig{
				BaseURL:          "https://graph.example.com/v1.0",
				WebhookBaseURL:   "https://hooks.example.com",
				ClientState:      "state-token",
				Expiration:       672 * time.Hour,
				RenewalThreshold: 24 * time.Hour,
			},
		},
		metrics: m,
		logger:  logger,
	}
}

func (h *jobsHarness) jobs(subs *subscription.Manager, tokens subscription.TokenSource) *Jobs {
	return NewJobs(h.rec, h.pending, subs, tokens, nil, h.cfg, h.logger)
}

func pendingListKey(tenantID string) string {
	return "tenant:" + tenantID + ":crawl_pending"
}

type stubGraphClient struct {
	mu       sync.Mutex
	renewErr map[string]error
	renewed  []string
	expires  time.Time
}

func (g *stubGraphClient) Create(context.Context, string, subscription.CreateRequest) (*subscription.RemoteSubscription, error) {
	return nil, errors.New("unexpected create")
}

func (g *stubGraphClient) Renew(_ context.Context, _ string, externalID string, _ time.Time) (*subscription.RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.renewErr[externalID]; err != nil {
		return nil, err
	}
	g.renewed = append(g.renewed, externalID)
	return &subscription.RemoteSubscription{ID: externalID, ExpiresAt: g.expires}, nil
}

func (g *stubGraphClient) Delete(context.Context, string, string) error {
	return nil
}

func (g *stubGraphClient) renewedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.renewed))
	copy(out, g.renewed)
	return out
}

func TestQueueDueWebsites_QueuesDeterministicRuns(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	tenantID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	dueID := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	busyID := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	userID := uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	modelID := uuid.MustParse("dddddddd-0000-0000-0000-000000000001")

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	inFlightStart := time.Now().UTC().Add(-30 * time.Minute)

	dueRows := func() *sqlmock.Rows {
		return sqlmock.NewRows(websiteCols).
			AddRow(dueID, tenantID, userID, "https://docs.example.com", nil, "weekly", "crawl",
				modelID, nil, finished, created, created).
			AddRow(busyID, tenantID, userID, "https://busy.example.com", nil, "daily", "crawl",
				modelID, inFlightStart, nil, created, created)
	}
	for i := 0; i < 2; i++ {
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FROM websites").WillReturnRows(dueRows())
		h.mock.ExpectCommit()
	}

	ctx := context.Background()
	require.NoError(t, j.QueueDueWebsites(ctx))
	require.NoError(t, j.QueueDueWebsites(ctx))

	entries, err := h.mr.List(pendingListKey(tenantID.String()))
	require.NoError(t, err)
	require.Len(t, entries, 2, "the in-flight website is skipped, the due one queues once per run")

	var first, second models.PendingCrawl
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(entries[1]), &second))
	assert.Equal(t, dueID, first.WebsiteID)
	assert.Equal(t, dueID, second.WebsiteID)
	assert.Equal(t, "https://docs.example.com", first.URL)
	assert.NotEqual(t, uuid.Nil, first.RunID)
	assert.Equal(t, first.RunID, second.RunID, "reruns of the loop queue the same run")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestQueueDueWebsites_ReportsPushFailures(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	tenantID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	siteID := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	userID := uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	modelID := uuid.MustParse("dddddddd-0000-0000-0000-000000000001")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM websites").WillReturnRows(sqlmock.NewRows(websiteCols).
		AddRow(siteID, tenantID, userID, "https://docs.example.com", nil, "daily", "crawl",
			modelID, nil, nil, created, created))
	h.mock.ExpectCommit()

	h.mr.Close()

	err := j.QueueDueWebsites(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to queue")
}

func TestPurgeAuditLogs_IsolatesTenantFailures(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	broken := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	healthy := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM tenants").WillReturnRows(sqlmock.NewRows(tenantCols).
		AddRow(broken, "active", 30, nil, created, created).
		AddRow(healthy, "active", 90, nil, created, created))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectExec("DELETE FROM audit_logs").
		WithArgs(broken, sqlmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))
	h.mock.ExpectRollback()

	h.mock.ExpectBegin()
	h.mock.ExpectExec("DELETE FROM audit_logs").
		WithArgs(healthy, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))
	h.mock.ExpectCommit()

	err := j.PurgeAuditLogs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 tenants")
	require.NoError(t, h.mock.ExpectationsWereMet(), "the second tenant still purges after the first fails")
}

func TestPurgeAuditLogs_SkipsTenantsWithoutRetention(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	tenantID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM tenants").WillReturnRows(sqlmock.NewRows(tenantCols).
		AddRow(tenantID, "active", 0, nil, created, created))
	h.mock.ExpectCommit()

	require.NoError(t, j.PurgeAuditLogs(context.Background()))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPurgeConversations_RunsForTenantsWithoutOwnRetention(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	tenantID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM tenants").WillReturnRows(sqlmock.NewRows(tenantCols).
		AddRow(tenantID, "active", 30, nil, created, created))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectExec("DELETE FROM conversations").
		WithArgs(tenantID, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	h.mock.ExpectCommit()

	require.NoError(t, j.PurgeConversations(context.Background()),
		"assistant and space retention can expire conversations even when the tenant sets none")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSweepPendingQueues_PurgesOnlyDeadLists(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)
	ctx := context.Background()

	live := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	dead := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pc := models.PendingCrawl{WebsiteID: uuid.New(), RunID: uuid.New(), URL: "https://example.com", CrawlType: "crawl"}
	require.NoError(t, h.pending.Push(ctx, live.String(), pc))
	require.NoError(t, h.pending.Push(ctx, dead.String(), pc))
	h.mr.Lpush(pendingListKey("not-a-uuid"), "junk")

	// SCAN order is not deterministic, so the two lookups may run in
	// either order.
	h.mock.MatchExpectationsInOrder(false)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM tenants").WithArgs(live).WillReturnRows(sqlmock.NewRows(tenantCols).
		AddRow(live, "suspended", 30, nil, created, created))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM tenants").WithArgs(dead).WillReturnRows(sqlmock.NewRows(tenantCols))
	h.mock.ExpectRollback()

	require.NoError(t, j.SweepPendingQueues(ctx))

	assert.True(t, h.mr.Exists(pendingListKey(live.String())), "suspended tenants keep their pending list")
	assert.False(t, h.mr.Exists(pendingListKey(dead.String())))
	assert.False(t, h.mr.Exists(pendingListKey("not-a-uuid")))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRenewSubscriptions_IsolatesFailures(t *testing.T) {
	h := setupJobs(t)

	subBad := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	subGood := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	uiID := uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	soon := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	renewedExpiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(subCols).
			AddRow(subBad, uiID, "site-1", "drive-1", "ext-bad", false, soon, created, created).
			AddRow(subGood, uiID, "", "drive-2", "ext-good", true, soon, created, created))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE sharepoint_subscriptions").
		WithArgs(renewedExpiry, subGood).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	graph := &stubGraphClient{
		renewErr: map[string]error{"ext-bad": errors.New("graph 503")},
		expires:  renewedExpiry,
	}
	mgr := subscription.NewManager(graph, h.rec, h.cfg.Graph, h.metrics, h.logger)
	j := h.jobs(mgr, subscription.StaticTokenSource("tok"))

	err := j.RenewSubscriptions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Equal(t, []string{"ext-good"}, graph.renewedIDs(), "one failed renewal never blocks the rest")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRenewSubscriptions_DisabledWithoutManager(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	require.NoError(t, j.RenewSubscriptions(context.Background()))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSweepSubscriptions_EmptyTableSweepsNothing(t *testing.T) {
	h := setupJobs(t)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM sharepoint_subscriptions").WillReturnRows(sqlmock.NewRows(subCols))
	h.mock.ExpectCommit()

	graph := &stubGraphClient{}
	mgr := subscription.NewManager(graph, h.rec, h.cfg.Graph, h.metrics, h.logger)
	j := h.jobs(mgr, subscription.StaticTokenSource("tok"))

	require.NoError(t, j.SweepSubscriptions(context.Background()))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCleanupExportFiles_DisabledWithoutStore(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)

	require.NoError(t, j.CleanupExportFiles(context.Background()))
}

func TestRegisterAll_WiresConfiguredLoops(t *testing.T) {
	h := setupJobs(t)
	j := h.jobs(nil, nil)
	s, _ := newScheduler(t)

	cfg := config.SchedulerConfig{
		QueueDueWebsites:   "0 * * * *",
		PurgeAuditLogs:     "0 3 * * *",
		SweepPendingQueues: "",
	}

	require.NoError(t, j.RegisterAll(s, cfg))
	assert.Len(t, s.cron.Entries(), 2, "empty expressions stay unscheduled")
}
