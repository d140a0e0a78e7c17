// Package embedding turns chunk text into vectors. A Factory resolves the
// provider and caches model specs; the Service adds the process-global
// throttle, per-call deadline, circuit breaker, and retry around every
// provider invocation.
package embedding

import (
	"context"
	"errors"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

// ErrUnknownProvider is returned when a model names a provider nothing in
// this process implements.
var ErrUnknownProvider = errors.New("unknown embedding provider")

// Provider generates embeddings for a batch of texts. Implementations
// return exactly one vector per input text, in order.
type Provider interface {
	Name() string
	Embed(ctx context.Context, model *models.EmbeddingModel, texts []string) ([]models.Vector, error)
}
