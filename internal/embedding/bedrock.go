package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/knowledge-mesh/ingest-worker/internal/models"
)

// ProviderBedrock is the provider name stored in embedding_models rows
const ProviderBedrock = "bedrock"

// bedrockAPI is the slice of the Bedrock runtime client the provider uses
type bedrockAPI interface {
	InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider invokes Amazon Bedrock embedding models. Titan models
// take one text per invocation; Cohere models embed the whole batch in
// one call.
type BedrockProvider struct {
	client bedrockAPI
}

// NewBedrockProvider creates a Bedrock provider for the region
func NewBedrockProvider(ctx context.Context, region string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (p *BedrockProvider) Name() string { return ProviderBedrock }

// titanEmbedRequest is the request body for Titan embedding models
type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// cohereEmbedRequest is the request body for Cohere embedding models
type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Provider. The model's stored name is the Bedrock model
// id, e.g. "amazon.titan-embed-text-v2:0" or "cohere.embed-english-v3".
func (p *BedrockProvider) Embed(ctx context.Context, model *models.EmbeddingModel, texts []string) ([]models.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(model.Name, "amazon.titan"):
		return p.embedTitan(ctx, model.Name, texts)
	case strings.HasPrefix(model.Name, "cohere."):
		return p.embedCohere(ctx, model.Name, texts)
	default:
		return nil, fmt.Errorf("unsupported model: %s", model.Name)
	}
}

func (p *BedrockProvider) embedTitan(ctx context.Context, modelID string, texts []string) ([]models.Vector, error) {
	out := make([]models.Vector, 0, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(titanEmbedRequest{InputText: text})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		respBody, err := p.invoke(ctx, modelID, body)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		var resp titanEmbedResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse Titan response: %w", err)
		}
		out = append(out, models.Vector(resp.Embedding))
	}
	return out, nil
}

func (p *BedrockProvider) embedCohere(ctx context.Context, modelID string, texts []string) ([]models.Vector, error) {
	body, err := json.Marshal(cohereEmbedRequest{
		Texts:     texts,
		InputType: "search_document",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	respBody, err := p.invoke(ctx, modelID, body)
	if err != nil {
		return nil, err
	}

	var resp cohereEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse Cohere response: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	out := make([]models.Vector, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = models.Vector(e)
	}
	return out, nil
}

func (p *BedrockProvider) invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model: %w", err)
	}
	return output.Body, nil
}
