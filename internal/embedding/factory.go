package embedding

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

// ModelSource loads model specs from storage
type ModelSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.EmbeddingModel, error)
}

// Factory resolves model specs and their providers. Specs are immutable
// rows, so a small LRU keeps the persister from hitting the database once
// per batch.
type Factory struct {
	source    ModelSource
	providers map[string]Provider
	specs     *lru.Cache[uuid.UUID, *models.EmbeddingModel]
}

func NewFactory(source ModelSource, cacheSize int, providers ...Provider) (*Factory, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[uuid.UUID, *models.EmbeddingModel](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create model cache: %w", err)
	}

	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Factory{source: source, providers: byName, specs: cache}, nil
}

// ModelSpec returns the model row, from cache when possible
func (f *Factory) ModelSpec(ctx context.Context, id uuid.UUID) (*models.EmbeddingModel, error) {
	if spec, ok := f.specs.Get(id); ok {
		return spec, nil
	}
	spec, err := f.source.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	f.specs.Add(id, spec)
	return spec, nil
}

// ProviderFor resolves the provider a model requires
func (f *Factory) ProviderFor(model *models.EmbeddingModel) (Provider, error) {
	p, ok := f.providers[model.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, model.Provider)
	}
	return p, nil
}
