// Package scheduler runs the periodic maintenance loops: queueing due
// websites, renewing change subscriptions, applying retention, and
// cleaning up export files. Loops are registered once at startup from
// cron expressions in configuration; an empty expression disables its
// loop.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// runTimeout bounds a single loop execution so a hung run cannot pile
// up behind itself on the next tick.
const runTimeout = 30 * time.Minute

// Scheduler wraps the cron runner with per-loop metrics and panic
// recovery. A panicking loop is reported and skipped; it never takes
// the process down.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Metrics
	logger  observability.Logger
}

func New(m *metrics.Metrics, logger observability.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		metrics: m,
		logger:  logger.WithPrefix("scheduler"),
	}
}

// Register adds a named loop under the given cron expression. An empty
// expression disables the loop; a malformed one is a startup error.
func (s *Scheduler) Register(spec, name string, job func(ctx context.Context) error) error {
	if spec == "" {
		s.logger.Info("cron loop disabled", map[string]interface{}{
			"job": name,
		})
		return nil
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s (%q): %w", name, spec, err)
	}

	s.logger.Info("cron loop registered", map[string]interface{}{
		"job":      name,
		"schedule": spec,
		"entry_id": entryID,
	})
	return nil
}

func (s *Scheduler) run(name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			s.metrics.CronErrors.WithLabelValues(name).Inc()
			s.logger.Error("cron loop panicked", map[string]interface{}{
				"job":   name,
				"panic": fmt.Sprintf("%v", p),
			})
		}
	}()

	s.metrics.CronRuns.WithLabelValues(name).Inc()
	start := time.Now()
	err := job(ctx)
	s.metrics.CronDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.CronErrors.WithLabelValues(name).Inc()
		s.logger.Error("cron loop failed", map[string]interface{}{
			"job":   name,
			"error": err.Error(),
		})
		return
	}

	s.logger.Debug("cron loop finished", map[string]interface{}{
		"job":         name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// Start launches the cron goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for any running loop to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
