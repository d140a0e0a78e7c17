// Package persister turns crawled pages into stored, embedded documents.
// Work is split into two phases so no transaction is ever open while an
// embedding API call is in flight: Phase 1 extracts, chunks, and embeds
// with nothing held; Phase 2 opens one short transaction and commits every
// prepared page under its own savepoint.
package persister

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/embedding"
	"github.com/knowledge-mesh/ingest-worker/internal/extract"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// Embedder produces vectors for chunk batches
type Embedder interface {
	EmbedChunks(ctx context.Context, modelID uuid.UUID, texts []string) ([]models.Vector, error)
}

// Splitter cuts extracted text into chunks
type Splitter interface {
	SplitStrings(text string) []string
}

// preparedPage is what Phase 1 hands to Phase 2: everything needed to
// write the page, with no work left that could stall the transaction.
type preparedPage struct {
	url     string
	text    string
	hash    string
	chunks  []string
	vectors []models.Vector
}

// bytes estimates the memory a prepared page pins until commit
func (p *preparedPage) bytes() int64 {
	n := int64(len(p.text))
	for _, c := range p.chunks {
		n += int64(len(c))
	}
	for _, v := range p.vectors {
		n += int64(len(v)) * 4
	}
	return n
}

// BatchPersister commits one page batch per call
type BatchPersister struct {
	embedder  Embedder
	splitter  Splitter
	recovery  *recovery.Runner
	maxBytes  int64
	txTimeout time.Duration
	metrics   *metrics.Metrics
	logger    observability.Logger
}

// New creates a BatchPersister tuned by the crawl config
func New(embedder Embedder, splitter Splitter, rec *recovery.Runner, cfg config.CrawlConfig, m *metrics.Metrics, logger observability.Logger) *BatchPersister {
	return &BatchPersister{
		embedder:  embedder,
		splitter:  splitter,
		recovery:  rec,
		maxBytes:  cfg.MaxBatchBytes,
		txTimeout: cfg.MaxTransactionTime(),
		metrics:   m,
		logger:    logger.WithPrefix("persister"),
	}
}

// PersistBatch prepares and commits pages crawled for site. Per-page
// problems are recorded in the result and never fail the batch; the
// returned error is reserved for batch-level conditions (cancellation,
// a commit that failed even after session recovery) where the caller
// should treat the whole delivery as not done.
func (p *BatchPersister) PersistBatch(ctx context.Context, site *models.Website, pages []models.Page) (*Result, error) {
	res := NewResult()
	if len(pages) == 0 {
		return res, nil
	}

	prepared, err := p.prepare(ctx, site, pages, res)
	if err != nil {
		return res, err
	}
	if len(prepared) == 0 {
		return res, nil
	}

	if err := p.commit(ctx, site, prepared, res); err != nil {
		return res, err
	}
	return res, nil
}

// prepare is Phase 1. It walks the batch in order, skipping pages that
// fail with a recorded reason, and stops early once the byte budget is
// spent so a huge site cannot balloon the process.
func (p *BatchPersister) prepare(ctx context.Context, site *models.Website, pages []models.Page, res *Result) ([]*preparedPage, error) {
	prepared := make([]*preparedPage, 0, len(pages))
	var budget int64

	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return prepared, err
		}

		pp, reason, err := p.preparePage(ctx, site, page)
		if err != nil {
			return prepared, err
		}
		if reason != "" {
			p.recordFailure(res, page.URL, reason)
			continue
		}

		prepared = append(prepared, pp)
		budget += pp.bytes()
		if budget >= p.maxBytes && i < len(pages)-1 {
			p.logger.Warn("batch byte budget reached, deferring remaining pages", map[string]interface{}{
				"website_id": site.ID.String(),
				"prepared":   len(prepared),
				"deferred":   len(pages) - i - 1,
				"bytes":      budget,
			})
			break
		}
	}
	return prepared, nil
}

// preparePage runs one page through extraction, chunking, and embedding.
// A non-empty reason means the page is recorded as failed and skipped; an
// error aborts the whole batch (caller cancellation).
func (p *BatchPersister) preparePage(ctx context.Context, site *models.Website, page models.Page) (*preparedPage, FailureReason, error) {
	text, err := extract.Text(page.Content, page.MimeType)
	if err != nil {
		p.logger.Debug("extraction failed", map[string]interface{}{
			"url":   page.URL,
			"error": err.Error(),
		})
		return nil, ReasonEmptyContent, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ReasonEmptyContent, nil
	}

	if site.EmbeddingModelID == uuid.Nil {
		return nil, ReasonNoEmbeddingModel, nil
	}

	chunks := p.splitter.SplitStrings(text)
	if len(chunks) == 0 {
		return nil, ReasonNoChunks, nil
	}

	vectors, err := p.embedder.EmbedChunks(ctx, site.EmbeddingModelID, chunks)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, embedFailureReason(err), nil
	}
	if len(vectors) != len(chunks) {
		return nil, ReasonEmbeddingError, nil
	}

	sum := sha256.Sum256([]byte(page.Content))
	return &preparedPage{
		url:     page.URL,
		text:    text,
		hash:    hex.EncodeToString(sum[:]),
		chunks:  chunks,
		vectors: vectors,
	}, "", nil
}

// embedFailureReason maps an embedding error onto the page taxonomy
func embedFailureReason(err error) FailureReason {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ReasonNoEmbeddingModel
	case errors.Is(err, embedding.ErrUnknownProvider):
		return ReasonMissingProvider
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonEmbeddingTimeout
	default:
		return ReasonEmbeddingError
	}
}

// commit is Phase 2: one wall-clock-bounded transaction, one savepoint per
// page. A failing page rolls back to its savepoint and the rest of the
// batch proceeds; outcomes reach the result only after the commit lands so
// a session-recovery replay cannot double-count.
func (p *BatchPersister) commit(ctx context.Context, site *models.Website, prepared []*preparedPage, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, p.txTimeout)
	defer cancel()

	var committed []*preparedPage
	var failed []string

	start := time.Now()
	err := p.recovery.Do(ctx, "persist batch", func(ctx context.Context, sess *database.Session) error {
		// A replay after session recovery starts from scratch.
		committed = committed[:0]
		failed = failed[:0]

		tx := sess.Tx()
		blobs := repository.NewInfoBlobRepository(tx)

		for i, pp := range prepared {
			sp := fmt.Sprintf("page_%d", i)
			if err := tx.Savepoint(ctx, sp); err != nil {
				return err
			}
			if err := p.writePage(ctx, blobs, site, pp); err != nil {
				if recovery.IsCorruption(err) {
					return err
				}
				if rbErr := tx.RollbackToSavepoint(ctx, sp); rbErr != nil {
					return rbErr
				}
				p.logger.Error("page write failed", map[string]interface{}{
					"url":   pp.url,
					"error": err.Error(),
				})
				failed = append(failed, pp.url)
				continue
			}
			if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
				return err
			}
			committed = append(committed, pp)
		}
		return nil
	})
	p.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	for _, pp := range committed {
		res.success(pp.url)
		p.metrics.PagesPersisted.Inc()
	}
	for _, url := range failed {
		p.recordFailure(res, url, ReasonDBError)
	}
	return nil
}

// writePage replaces the stored version of one page: previous blobs with
// the same title go first (chunks cascade), then the new blob and its
// chunk rows.
func (p *BatchPersister) writePage(ctx context.Context, blobs *repository.InfoBlobRepository, site *models.Website, pp *preparedPage) error {
	if _, err := blobs.DeleteByTitle(ctx, site.TenantID, site.ID, pp.url); err != nil {
		return err
	}

	blob := &models.InfoBlob{
		TenantID:         site.TenantID,
		WebsiteID:        &site.ID,
		UserID:           site.UserID,
		EmbeddingModelID: site.EmbeddingModelID,
		Title:            pp.url,
		URL:              &pp.url,
		Text:             pp.text,
		ContentHash:      pp.hash,
	}
	if err := blobs.Insert(ctx, blob); err != nil {
		return err
	}

	chunks := make([]models.InfoBlobChunk, len(pp.chunks))
	for i := range pp.chunks {
		chunks[i] = models.InfoBlobChunk{
			InfoBlobID: blob.ID,
			ChunkNo:    i,
			TenantID:   site.TenantID,
			Text:       pp.chunks[i],
			Embedding:  pp.vectors[i],
		}
	}
	return blobs.InsertChunks(ctx, chunks)
}

func (p *BatchPersister) recordFailure(res *Result, url string, reason FailureReason) {
	res.fail(url, reason)
	p.metrics.PageFailures.WithLabelValues(string(reason)).Inc()
	p.logger.Info("page not persisted", map[string]interface{}{
		"url":    url,
		"reason": string(reason),
	})
}
