package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

type fakeBedrock struct {
	mu     sync.Mutex
	inputs []bedrockruntime.InvokeModelInput
	reply  func(modelID string, body []byte) ([]byte, error)
}

func (f *fakeBedrock) InvokeModel(_ context.Context, input *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, *input)
	f.mu.Unlock()

	body, err := f.reply(*input.ModelId, input.Body)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func titanModel() *models.EmbeddingModel {
	return &models.EmbeddingModel{
		ID:         uuid.New(),
		Name:       "amazon.titan-embed-text-v2:0",
		Provider:   ProviderBedrock,
		Dimensions: 3,
		MaxTokens:  8192,
	}
}

func cohereModel() *models.EmbeddingModel {
	return &models.EmbeddingModel{
		ID:         uuid.New(),
		Name:       "cohere.embed-english-v3",
		Provider:   ProviderBedrock,
		Dimensions: 3,
		MaxTokens:  512,
	}
}

func TestBedrockProvider_Titan(t *testing.T) {
	fake := &fakeBedrock{
		reply: func(modelID string, body []byte) ([]byte, error) {
			var req titanEmbedRequest
			require.NoError(t, json.Unmarshal(body, &req))
			// Vector derived from the input so order is verifiable.
			return json.Marshal(titanEmbedResponse{
				Embedding: []float32{float32(len(req.InputText)), 0, 0},
			})
		},
	}
	p := &BedrockProvider{client: fake}

	vectors, err := p.Embed(context.Background(), titanModel(), []string{"a", "bbb"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, models.Vector{1, 0, 0}, vectors[0])
	assert.Equal(t, models.Vector{3, 0, 0}, vectors[1])

	// Titan embeds one text per invocation.
	assert.Len(t, fake.inputs, 2)
	assert.Equal(t, "amazon.titan-embed-text-v2:0", *fake.inputs[0].ModelId)
}

func TestBedrockProvider_CohereBatches(t *testing.T) {
	fake := &fakeBedrock{
		reply: func(modelID string, body []byte) ([]byte, error) {
			var req cohereEmbedRequest
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "search_document", req.InputType)

			out := make([][]float32, len(req.Texts))
			for i := range req.Texts {
				out[i] = []float32{float32(i), float32(i), float32(i)}
			}
			return json.Marshal(cohereEmbedResponse{Embeddings: out})
		},
	}
	p := &BedrockProvider{client: fake}

	vectors, err := p.Embed(context.Background(), cohereModel(), []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, models.Vector{1, 1, 1}, vectors[1])

	// Cohere embeds the whole batch in one invocation.
	assert.Len(t, fake.inputs, 1)
}

func TestBedrockProvider_CohereCountMismatch(t *testing.T) {
	fake := &fakeBedrock{
		reply: func(string, []byte) ([]byte, error) {
			return json.Marshal(cohereEmbedResponse{Embeddings: [][]float32{{1}}})
		},
	}
	p := &BedrockProvider{client: fake}

	_, err := p.Embed(context.Background(), cohereModel(), []string{"x", "y"})
	assert.ErrorContains(t, err, "expected 2 embeddings")
}

func TestBedrockProvider_UnsupportedModel(t *testing.T) {
	p := &BedrockProvider{client: &fakeBedrock{}}
	model := &models.EmbeddingModel{Name: "openai.text-embedding-3-small", Provider: ProviderBedrock}

	_, err := p.Embed(context.Background(), model, []string{"x"})
	assert.ErrorContains(t, err, "unsupported model")
}

type fakeModelSource struct {
	mu    sync.Mutex
	calls int
	spec  *models.EmbeddingModel
	err   error
}

func (f *fakeModelSource) GetByID(context.Context, uuid.UUID) (*models.EmbeddingModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.spec, f.err
}

type fakeProvider struct {
	name  string
	embed func(ctx context.Context, model *models.EmbeddingModel, texts []string) ([]models.Vector, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Embed(ctx context.Context, model *models.EmbeddingModel, texts []string) ([]models.Vector, error) {
	return f.embed(ctx, model, texts)
}

func constantVectors(dim int) func(context.Context, *models.EmbeddingModel, []string) ([]models.Vector, error) {
	return func(_ context.Context, _ *models.EmbeddingModel, texts []string) ([]models.Vector, error) {
		out := make([]models.Vector, len(texts))
		for i := range texts {
			out[i] = make(models.Vector, dim)
		}
		return out, nil
	}
}

func TestFactory_ModelSpecCached(t *testing.T) {
	spec := titanModel()
	source := &fakeModelSource{spec: spec}
	f, err := NewFactory(source, 8)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := f.ModelSpec(ctx, spec.ID)
		require.NoError(t, err)
		assert.Equal(t, spec, got)
	}
	assert.Equal(t, 1, source.calls, "spec loads hit the cache after the first call")
}

func TestFactory_ProviderFor(t *testing.T) {
	f, err := NewFactory(&fakeModelSource{}, 8, &fakeProvider{name: ProviderBedrock, embed: constantVectors(3)})
	require.NoError(t, err)

	p, err := f.ProviderFor(titanModel())
	require.NoError(t, err)
	assert.Equal(t, ProviderBedrock, p.Name())

	_, err = f.ProviderFor(&models.EmbeddingModel{Provider: "openai"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func newService(t *testing.T, provider Provider, cfg config.EmbeddingConfig, spec *models.EmbeddingModel) *Service {
	t.Helper()

	factory, err := NewFactory(&fakeModelSource{spec: spec}, 8, provider)
	require.NoError(t, err)

	m := metrics.NewWith(prometheus.NewRegistry())
	return NewService(factory, cfg, m, observability.NewNoopLogger())
}

func TestService_EmbedChunks(t *testing.T) {
	spec := titanModel()
	svc := newService(t, &fakeProvider{name: ProviderBedrock, embed: constantVectors(3)}, config.EmbeddingConfig{
		Concurrency:    2,
		TimeoutSeconds: 5,
	}, spec)

	vectors, err := svc.EmbedChunks(context.Background(), spec.ID, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
}

func TestService_ThrottleBoundsConcurrency(t *testing.T) {
	spec := titanModel()

	var current, peak int64
	provider := &fakeProvider{
		name: ProviderBedrock,
		embed: func(ctx context.Context, _ *models.EmbeddingModel, texts []string) ([]models.Vector, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return constantVectors(3)(ctx, nil, texts)
		},
	}
	svc := newService(t, provider, config.EmbeddingConfig{Concurrency: 1, TimeoutSeconds: 5}, spec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.EmbedChunks(context.Background(), spec.ID, []string{"x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&peak), "global throttle allows one invocation at a time")
}

func TestService_TimeoutSurfacesDeadline(t *testing.T) {
	spec := titanModel()
	provider := &fakeProvider{
		name: ProviderBedrock,
		embed: func(ctx context.Context, _ *models.EmbeddingModel, _ []string) ([]models.Vector, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	svc := newService(t, provider, config.EmbeddingConfig{Concurrency: 1, TimeoutSeconds: 5, FailureThreshold: 100}, spec)
	svc.timeout = 10 * time.Millisecond
	svc.retryInitial = time.Millisecond
	svc.retryMax = 2 * time.Millisecond

	_, err := svc.EmbedChunks(context.Background(), spec.ID, []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_BreakerShedsAfterConsecutiveFailures(t *testing.T) {
	spec := titanModel()
	var calls int64
	provider := &fakeProvider{
		name: ProviderBedrock,
		embed: func(context.Context, *models.EmbeddingModel, []string) ([]models.Vector, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errors.New("upstream 500")
		},
	}
	svc := newService(t, provider, config.EmbeddingConfig{
		Concurrency:      1,
		TimeoutSeconds:   5,
		FailureThreshold: 2,
		BreakerTimeout:   time.Minute,
	}, spec)
	svc.retryInitial = time.Millisecond
	svc.retryMax = 2 * time.Millisecond

	_, err := svc.EmbedChunks(context.Background(), spec.ID, []string{"x"})
	require.Error(t, err)

	// The breaker opened mid-retry; the provider saw exactly the
	// threshold's worth of calls and the rest were shed.
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))

	_, err = svc.EmbedChunks(context.Background(), spec.ID, []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "open breaker never reaches the provider")
}

func TestService_WrongCountRejected(t *testing.T) {
	spec := titanModel()
	provider := &fakeProvider{
		name: ProviderBedrock,
		embed: func(_ context.Context, _ *models.EmbeddingModel, texts []string) ([]models.Vector, error) {
			return []models.Vector{{1}}, nil
		},
	}
	svc := newService(t, provider, config.EmbeddingConfig{Concurrency: 1, TimeoutSeconds: 5}, spec)

	_, err := svc.EmbedChunks(context.Background(), spec.ID, []string{"a", "b"})
	assert.ErrorContains(t, err, "wrong embedding count")
}

func TestService_UnknownProvider(t *testing.T) {
	spec := titanModel()
	spec.Provider = "voyage"
	svc := newService(t, &fakeProvider{name: ProviderBedrock, embed: constantVectors(3)}, config.EmbeddingConfig{
		Concurrency:    1,
		TimeoutSeconds: 5,
	}, spec)

	_, err := svc.EmbedChunks(context.Background(), spec.ID, []string{"x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
