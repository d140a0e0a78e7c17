package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

const embedMaxRetries = 3

// Service embeds chunk batches with the guardrails every caller needs:
// one process-global concurrency throttle shared by all tenants' jobs, a
// per-invocation deadline, a circuit breaker around the provider, and
// exponential-backoff retries for transient failures.
type Service struct {
	factory      *Factory
	sem          *semaphore.Weighted
	timeout      time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	breaker      *gobreaker.CircuitBreaker
	metrics      *metrics.Metrics
	logger       observability.Logger
}

func NewService(factory *Factory, cfg config.EmbeddingConfig, m *metrics.Metrics, logger observability.Logger) *Service {
	logger = logger.WithPrefix("embedding")

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding-provider",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Service{
		factory:      factory,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		timeout:      cfg.Timeout(),
		retryInitial: 500 * time.Millisecond,
		retryMax:     10 * time.Second,
		breaker:      breaker,
		metrics:      m,
		logger:       logger,
	}
}

// EmbedChunks embeds texts with the model identified by modelID. It
// blocks while the process-wide throttle is saturated; the embedding
// deadline starts only once a slot is held.
func (s *Service) EmbedChunks(ctx context.Context, modelID uuid.UUID, texts []string) ([]models.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	spec, err := s.factory.ModelSpec(ctx, modelID)
	if err != nil {
		return nil, err
	}
	provider, err := s.factory.ProviderFor(spec)
	if err != nil {
		return nil, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	var vectors []models.Vector
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := time.Now()
		result, err := s.breaker.Execute(func() (interface{}, error) {
			return provider.Embed(callCtx, spec, texts)
		})
		s.metrics.EmbedDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// The breaker already decided to shed load; hammering it
				// with retries defeats the point.
				return backoff.Permanent(err)
			}
			if callCtx.Err() != nil && ctx.Err() == nil {
				// Per-call deadline, not caller cancellation: retryable,
				// and surfaced as a deadline error for failure accounting.
				return fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		vectors = result.([]models.Vector)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = s.retryMax
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, embedMaxRetries), ctx)); err != nil {
		s.logger.Error("embedding failed", map[string]interface{}{
			"model": spec.Name,
			"error": err.Error(),
		})
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, errors.New("provider returned wrong embedding count")
	}
	s.metrics.ChunksEmbedded.Add(float64(len(texts)))
	return vectors, nil
}
