// Package runner executes crawl jobs from the queue. Each job passes the
// tenant gate, takes a concurrency slot, streams pages from the crawler
// into the batch persister, and then settles: ack on success, delayed
// requeue on capacity or transient failure, abandon once attempts or age
// run out. Capacity denials are not failures and never consume attempts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/limiter"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/persister"
	"github.com/knowledge-mesh/ingest-worker/internal/queue"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

const (
	// dequeueWait is how long one Dequeue call blocks for new jobs
	dequeueWait = 5 * time.Second
	// fetchPause throttles the fetch loop after a queue error
	fetchPause = 2 * time.Second
	// releaseTimeout bounds slot release during shutdown
	releaseTimeout = 5 * time.Second
)

// Job completion results and requeue causes, as reported to metrics
const (
	resultSuccess   = "success"
	resultFatal     = "fatal"
	resultDropped   = "dropped"
	resultAbandoned = "abandoned"

	causeCapacity = "capacity"
	causeFailure  = "failure"
)

// errFatal marks errors that no retry can fix
var errFatal = errors.New("permanent job failure")

// Fatal wraps err so the runner settles the job without requeueing it
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errFatal, err)
}

// IsFatal reports whether err was marked with Fatal
func IsFatal(err error) bool {
	return errors.Is(err, errFatal)
}

// PageSink receives crawled pages batch by batch as the crawl progresses
type PageSink func(ctx context.Context, pages []models.Page) error

// Crawler streams the pages of one job into sink. Implementations wrap
// unrecoverable rejections in Fatal; everything else is retried.
type Crawler interface {
	Crawl(ctx context.Context, job models.CrawlJob, sink PageSink) error
}

// Persister writes one batch of pages for a website
type Persister interface {
	PersistBatch(ctx context.Context, site *models.Website, pages []models.Page) (*persister.Result, error)
}

// Runner pulls jobs from the queue and drives them to a settled state
type Runner struct {
	queue       queue.Queue
	limiter     *limiter.TenantLimiter
	crawler     Crawler
	persist     Persister
	store       Store
	backoff     *Backoff
	tracker     *Tracker
	base        time.Duration
	max         time.Duration
	concurrency int
	visibility  time.Duration
	metrics     *metrics.Metrics
	logger      observability.Logger
}

func New(q queue.Queue, lim *limiter.TenantLimiter, crawler Crawler, persist Persister, store Store, client redis.UniversalClient, cfg *config.Config, m *metrics.Metrics, logger observability.Logger) *Runner {
	return &Runner{
		queue:       q,
		limiter:     lim,
		crawler:     crawler,
		persist:     persist,
		store:       store,
		backoff:     NewBackoff(client, cfg.Crawl, logger),
		tracker:     NewTracker(client, cfg.Crawl),
		base:        cfg.Crawl.BackoffBase(),
		max:         cfg.Crawl.BackoffMax(),
		concurrency: cfg.Worker.Concurrency,
		visibility:  cfg.Queue.VisibilityTimeout,
		metrics:     m,
		logger:      logger.WithPrefix("runner"),
	}
}

// Run consumes the queue until ctx is cancelled, then drains in-flight
// jobs. Unfinished deliveries are left unacked for redelivery.
func (r *Runner) Run(ctx context.Context) error {
	jobs := make(chan queue.Delivery)
	var wg sync.WaitGroup
	wg.Add(r.concurrency)
	for i := 0; i < r.concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				r.process(ctx, d)
			}
		}()
	}

	r.logger.Info("runner started", map[string]interface{}{
		"concurrency": r.concurrency,
	})

	staleEvery := r.visibility / 2
	if staleEvery <= 0 {
		staleEvery = 30 * time.Second
	}
	stale := time.NewTicker(staleEvery)
	defer stale.Stop()

fetch:
	for {
		select {
		case <-ctx.Done():
			break fetch
		case <-stale.C:
			r.claimStale(ctx, jobs)
		default:
		}

		deliveries, err := r.queue.Dequeue(ctx, r.concurrency, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				break fetch
			}
			r.logger.Error("dequeue failed", map[string]interface{}{
				"error": err.Error(),
			})
			select {
			case <-time.After(fetchPause):
			case <-ctx.Done():
				break fetch
			}
			continue
		}
		for _, d := range deliveries {
			select {
			case jobs <- d:
			case <-ctx.Done():
				break fetch
			}
		}
	}

	close(jobs)
	wg.Wait()
	r.logger.Info("runner stopped", nil)
	return nil
}

// claimStale re-delivers jobs whose consumer went silent past the
// visibility window
func (r *Runner) claimStale(ctx context.Context, jobs chan<- queue.Delivery) {
	claimed, err := r.queue.ClaimStale(ctx, r.visibility, r.concurrency)
	if err != nil {
		r.logger.Warn("stale claim failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(claimed) == 0 {
		return
	}
	r.logger.Info("reclaimed stale deliveries", map[string]interface{}{
		"count": len(claimed),
	})
	for _, d := range claimed {
		select {
		case jobs <- d:
		case <-ctx.Done():
			return
		}
	}
}

// process drives one delivery to a settled state
func (r *Runner) process(ctx context.Context, d queue.Delivery) {
	if ctx.Err() != nil {
		return
	}
	job := d.Job
	log := r.logger.With(map[string]interface{}{
		"job_id":    job.JobID,
		"tenant_id": job.TenantID.String(),
	})

	tenant, err := r.store.Tenant(ctx, job.TenantID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("dropping job for unknown tenant", nil)
		r.settle(ctx, d.Receipt, resultDropped)
		return
	}
	if err != nil {
		r.handleFailure(ctx, d, time.Time{}, fmt.Errorf("load tenant: %w", err))
		return
	}
	if !tenant.Active() {
		log.Info("dropping job for suspended tenant", map[string]interface{}{
			"state": tenant.State,
		})
		r.settle(ctx, d.Receipt, resultDropped)
		return
	}

	slot, ok, err := r.limiter.Acquire(ctx, job.TenantID.String())
	if err != nil {
		r.handleFailure(ctx, d, time.Time{}, fmt.Errorf("acquire slot: %w", err))
		return
	}
	if !ok {
		delay := r.backoff.Next(ctx, job.TenantID.String())
		log.Debug("tenant at capacity, requeueing", map[string]interface{}{
			"delay": delay.String(),
		})
		r.requeue(ctx, d, delay, causeCapacity)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		r.limiter.Release(releaseCtx, slot)
	}()

	startedAt, err := r.tracker.EnsureStarted(ctx, job.JobID, time.Now().UTC())
	if err != nil {
		log.Warn("cannot stamp job start, age bound disabled for this attempt", map[string]interface{}{
			"error": err.Error(),
		})
		startedAt = time.Time{}
	}

	began := time.Now()
	err = r.execute(ctx, job)
	if err == nil {
		r.metrics.CrawlDuration.Observe(time.Since(began).Seconds())
		r.backoff.Reset(ctx, job.TenantID.String())
		r.tracker.Forget(ctx, job.JobID)
		r.settle(ctx, d.Receipt, resultSuccess)
		return
	}
	if ctx.Err() != nil {
		log.Info("shutdown interrupted job, leaving for redelivery", nil)
		return
	}
	if IsFatal(err) {
		log.Error("job failed permanently", map[string]interface{}{
			"error": err.Error(),
		})
		r.tracker.Forget(ctx, job.JobID)
		r.settle(ctx, d.Receipt, resultFatal)
		return
	}
	r.handleFailure(ctx, d, startedAt, err)
}

// execute runs the crawl itself: load the website, stream pages through
// the persister, stamp the cycle boundaries. A panic inside the crawler
// or persister surfaces as a transient failure of this job only.
func (r *Runner) execute(ctx context.Context, job models.CrawlJob) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("crawl panicked: %v", p)
		}
	}()

	site, err := r.store.Website(ctx, job.WebsiteID)
	if errors.Is(err, repository.ErrNotFound) {
		return Fatal(fmt.Errorf("website %s no longer exists", job.WebsiteID))
	}
	if err != nil {
		return fmt.Errorf("load website: %w", err)
	}

	if err := r.store.MarkCrawlStarted(ctx, site.ID, time.Now().UTC()); err != nil {
		r.logger.Warn("cannot mark crawl started", map[string]interface{}{
			"website_id": site.ID.String(),
			"error":      err.Error(),
		})
	}

	total := persister.NewResult()
	sink := func(ctx context.Context, pages []models.Page) error {
		res, err := r.persist.PersistBatch(ctx, site, pages)
		if res != nil {
			total.Merge(res)
		}
		return err
	}
	if err := r.crawler.Crawl(ctx, job, sink); err != nil {
		return err
	}

	if err := r.store.MarkCrawlFinished(ctx, site.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark crawl finished: %w", err)
	}

	r.logger.Info("crawl complete", map[string]interface{}{
		"job_id":          job.JobID,
		"website_id":      site.ID.String(),
		"pages_persisted": total.SuccessCount,
		"pages_failed":    total.FailedCount,
	})
	return nil
}

// handleFailure charges one attempt and either abandons the job or
// requeues it with a delay from its own retry ladder
func (r *Runner) handleFailure(ctx context.Context, d queue.Delivery, startedAt time.Time, cause error) {
	job := d.Job
	log := r.logger.With(map[string]interface{}{
		"job_id": job.JobID,
		"error":  cause.Error(),
	})

	retries, err := r.tracker.RecordFailure(ctx, job.JobID)
	if err != nil {
		log.Warn("cannot record failure, requeueing uncounted", map[string]interface{}{
			"tracker_error": err.Error(),
		})
	}

	if r.tracker.Exhausted(retries, startedAt, time.Now().UTC()) {
		log.Error("abandoning job", map[string]interface{}{
			"retries": retries,
		})
		r.metrics.JobsAbandoned.Inc()
		r.tracker.Forget(ctx, job.JobID)
		r.settle(ctx, d.Receipt, resultAbandoned)
		return
	}

	delay := FullJitterDelay(retries, r.base, r.max)
	log.Info("job failed, requeueing", map[string]interface{}{
		"retries": retries,
		"delay":   delay.String(),
	})
	r.requeue(ctx, d, delay, causeFailure)
}

// requeue re-enqueues the job with delay and acks the old delivery. An
// enqueue failure leaves the delivery unacked so the visibility timeout
// redelivers it.
func (r *Runner) requeue(ctx context.Context, d queue.Delivery, delay time.Duration, cause string) {
	if _, err := r.queue.Enqueue(ctx, d.Job, delay); err != nil {
		r.logger.Error("requeue failed, leaving delivery unacked", map[string]interface{}{
			"job_id": d.Job.JobID,
			"error":  err.Error(),
		})
		return
	}
	if err := r.queue.Ack(ctx, d.Receipt); err != nil {
		r.logger.Warn("ack after requeue failed", map[string]interface{}{
			"job_id": d.Job.JobID,
			"error":  err.Error(),
		})
	}
	r.metrics.JobRequeues.WithLabelValues(cause).Inc()
}

// settle acks the delivery and records the terminal result
func (r *Runner) settle(ctx context.Context, receipt, result string) {
	if err := r.queue.Ack(ctx, receipt); err != nil {
		r.logger.Warn("ack failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	r.metrics.JobsCompleted.WithLabelValues(result).Inc()
}
