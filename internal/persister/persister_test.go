package persister

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/knowledge-mesh/ingest-worker/internal/embedding"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
	"github.com/knowledge-mesh/ingest-worker/pkg/chunking"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
	"github.com/knowledge-mesh/ingest-worker/pkg/tokenizer"
)

type stubEmbedder struct {
	err   error
	calls int
}

func (s *stubEmbedder) EmbedChunks(_ context.Context, _ uuid.UUID, texts []string) ([]models.Vector, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.Vector, len(texts))
	for i := range out {
		out[i] = models.Vector{0.1, 0.2, 0.3}
	}
	return out, nil
}

type stubSplitter struct {
	chunks []string
}

func (s *stubSplitter) SplitStrings(string) []string { return s.chunks }

type persisterHarness struct {
	persister *BatchPersister
	mock      sqlmock.Sqlmock
	metrics   *metrics.Metrics
	embedder  *stubEmbedder
	site      *models.Website
}

func setupPersister(t *testing.T, mutate func(*config.CrawlConfig), splitter Splitter) *persisterHarness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.CrawlConfig{
		MaxBatchBytes:         1 << 26,
		MaxTransactionSeconds: 30,
		ChunkSize:             200,
		ChunkOverlap:          40,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if splitter == nil {
		splitter = chunking.NewTokenSplitter(tokenizer.NewSimpleTokenizer(cfg.ChunkSize), cfg.ChunkSize, cfg.ChunkOverlap)
	}

	m := metrics.NewWith(prometheus.NewRegistry())
	logger := observability.NewNoopLogger()
	factory := database.NewSessionFactory(sqlx.NewDb(db, "postgres"), logger)
	rec := recovery.NewRunner(factory, m, logger)
	emb := &stubEmbedder{}

	return &persisterHarness{
		persister: New(emb, splitter, rec, cfg, m, logger),
		mock:      mock,
		metrics:   m,
		embedder:  emb,
		site: &models.Website{
			ID:               uuid.New(),
			TenantID:         uuid.New(),
			UserID:           uuid.New(),
			URL:              "https://example.com",
			EmbeddingModelID: uuid.New(),
		},
	}
}

// expectPageWrite registers the statements one committed page produces
func expectPageWrite(h *persisterHarness, idx int, url string, chunkRows int64) {
	sp := fmt.Sprintf("page_%d", idx)
	h.mock.ExpectExec("^SAVEPOINT " + sp + "$").WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectExec(`DELETE FROM info_blobs`).
		WithArgs(h.site.TenantID, h.site.ID, url).
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectQuery(`INSERT INTO info_blobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	h.mock.ExpectExec(`INSERT INTO info_blob_chunks`).
		WillReturnResult(sqlmock.NewResult(0, chunkRows))
	h.mock.ExpectExec("^RELEASE SAVEPOINT " + sp + "$").WillReturnResult(sqlmock.NewResult(0, 0))
}

func textPage(url, content string) models.Page {
	return models.Page{URL: url, Content: content, MimeType: "text/plain"}
}

func TestPersistBatch_MixedBatch(t *testing.T) {
	h := setupPersister(t, nil, nil)
	ctx := context.Background()

	pages := []models.Page{
		textPage("https://example.com/a", "First page with enough text to persist."),
		textPage("https://example.com/b", "   \n\t  "),
		textPage("https://example.com/c", "Third page, also perfectly fine content."),
	}

	h.mock.ExpectBegin()
	expectPageWrite(h, 0, pages[0].URL, 1)
	expectPageWrite(h, 1, pages[2].URL, 1)
	h.mock.ExpectCommit()

	res, err := h.persister.PersistBatch(ctx, h.site, pages)
	require.NoError(t, err)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, []string{pages[0].URL, pages[2].URL}, res.SuccessfulURLs)
	assert.Equal(t, []string{pages[1].URL}, res.FailuresByReason[ReasonEmptyContent])

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.PagesPersisted))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(h.metrics.PageFailures.WithLabelValues(string(ReasonEmptyContent))))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPersistBatch_EmbedFailureReasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{"model gone", fmt.Errorf("embedding model: %w", repository.ErrNotFound), ReasonNoEmbeddingModel},
		{"provider unknown", fmt.Errorf("%w: acme", embedding.ErrUnknownProvider), ReasonMissingProvider},
		{"deadline", fmt.Errorf("embed call: %w", context.DeadlineExceeded), ReasonEmbeddingTimeout},
		{"other", errors.New("throttled by provider"), ReasonEmbeddingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupPersister(t, nil, nil)
			h.embedder.err = tt.err

			res, err := h.persister.PersistBatch(context.Background(),
				h.site, []models.Page{textPage("https://example.com/x", "Some real content here.")})
			require.NoError(t, err, "per-page failures never fail the batch")

			assert.Equal(t, 0, res.SuccessCount)
			assert.Equal(t, 1, res.FailedCount)
			assert.Equal(t, []string{"https://example.com/x"}, res.FailuresByReason[tt.want])
			assert.NoError(t, h.mock.ExpectationsWereMet(), "nothing prepared means no transaction")
		})
	}
}

func TestPersistBatch_MissingModelID(t *testing.T) {
	h := setupPersister(t, nil, nil)
	h.site.EmbeddingModelID = uuid.Nil

	res, err := h.persister.PersistBatch(context.Background(),
		h.site, []models.Page{textPage("https://example.com/x", "content")})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/x"}, res.FailuresByReason[ReasonNoEmbeddingModel])
	assert.Zero(t, h.embedder.calls, "no embedding call without a model")
}

func TestPersistBatch_NoChunks(t *testing.T) {
	h := setupPersister(t, nil, &stubSplitter{chunks: nil})

	res, err := h.persister.PersistBatch(context.Background(),
		h.site, []models.Page{textPage("https://example.com/x", "content that splits to nothing")})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/x"}, res.FailuresByReason[ReasonNoChunks])
	assert.Zero(t, h.embedder.calls)
}

func TestPersistBatch_DBErrorIsolatedBySavepoint(t *testing.T) {
	h := setupPersister(t, nil, nil)
	ctx := context.Background()

	pages := []models.Page{
		textPage("https://example.com/bad", "Bad page content."),
		textPage("https://example.com/good", "Good page content."),
	}

	h.mock.ExpectBegin()
	h.mock.ExpectExec("^SAVEPOINT page_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectExec(`DELETE FROM info_blobs`).
		WithArgs(h.site.TenantID, h.site.ID, pages[0].URL).
		WillReturnError(errors.New("pq: deadlock detected"))
	h.mock.ExpectExec("^ROLLBACK TO SAVEPOINT page_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	expectPageWrite(h, 1, pages[1].URL, 1)
	h.mock.ExpectCommit()

	res, err := h.persister.PersistBatch(ctx, h.site, pages)
	require.NoError(t, err)

	assert.Equal(t, []string{pages[1].URL}, res.SuccessfulURLs)
	assert.Equal(t, []string{pages[0].URL}, res.FailuresByReason[ReasonDBError])
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPersistBatch_ReplaysOnCorruptedSession(t *testing.T) {
	h := setupPersister(t, nil, nil)
	ctx := context.Background()

	pages := []models.Page{textPage("https://example.com/a", "Page content worth keeping.")}

	// First attempt dies on a wedged connection.
	h.mock.ExpectBegin()
	h.mock.ExpectExec("^SAVEPOINT page_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectExec(`DELETE FROM info_blobs`).
		WillReturnError(errors.New("write failed: bad connection"))
	h.mock.ExpectRollback()

	// The replay runs the whole batch on a fresh session.
	h.mock.ExpectBegin()
	expectPageWrite(h, 0, pages[0].URL, 1)
	h.mock.ExpectCommit()

	res, err := h.persister.PersistBatch(ctx, h.site, pages)
	require.NoError(t, err)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Zero(t, res.FailedCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionRecovers))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPersistBatch_ByteBudgetDefersTail(t *testing.T) {
	h := setupPersister(t, func(cfg *config.CrawlConfig) { cfg.MaxBatchBytes = 1 }, nil)
	ctx := context.Background()

	pages := []models.Page{
		textPage("https://example.com/a", "The first page alone exceeds the budget."),
		textPage("https://example.com/b", "Never reaches preparation."),
		textPage("https://example.com/c", "Neither does this one."),
	}

	h.mock.ExpectBegin()
	expectPageWrite(h, 0, pages[0].URL, 1)
	h.mock.ExpectCommit()

	res, err := h.persister.PersistBatch(ctx, h.site, pages)
	require.NoError(t, err)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Zero(t, res.FailedCount, "deferred pages are not failures")
	assert.Equal(t, 1, h.embedder.calls, "embedding stops with the budget")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPersistBatch_CancelledContext(t *testing.T) {
	h := setupPersister(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.persister.PersistBatch(ctx, h.site,
		[]models.Page{textPage("https://example.com/a", "content")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPersistBatch_EmptyBatch(t *testing.T) {
	h := setupPersister(t, nil, nil)

	res, err := h.persister.PersistBatch(context.Background(), h.site, nil)
	require.NoError(t, err)
	assert.Zero(t, res.SuccessCount)
	assert.Zero(t, res.FailedCount)
}

func TestResult_Merge(t *testing.T) {
	total := NewResult()
	a := NewResult()
	a.success("https://example.com/1")
	b := NewResult()
	b.fail("https://example.com/2", ReasonEmptyContent)
	b.fail("https://example.com/3", ReasonDBError)

	total.Merge(a)
	total.Merge(b)
	total.Merge(nil)

	assert.Equal(t, 1, total.SuccessCount)
	assert.Equal(t, 2, total.FailedCount)
	assert.Equal(t, []string{"https://example.com/2"}, total.FailuresByReason[ReasonEmptyContent])
	assert.Equal(t, []string{"https://example.com/3"}, total.FailuresByReason[ReasonDBError])
}

func TestPersistBatch_TransactionTimeBound(t *testing.T) {
	h := setupPersister(t, func(cfg *config.CrawlConfig) { cfg.MaxTransactionSeconds = 1 }, nil)
	ctx := context.Background()

	pages := []models.Page{textPage("https://example.com/slow", "Slow page content.")}

	h.mock.ExpectBegin()
	h.mock.ExpectExec("^SAVEPOINT page_0$").
		WillDelayFor(1500 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectRollback()

	_, err := h.persister.PersistBatch(ctx, h.site, pages)
	require.Error(t, err, "a stalled transaction hits the wall-clock bound")
}
