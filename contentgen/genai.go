package contentgen

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// genaiModels is the subset of *genai.Models used by GenaiGenerator.
type genaiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
	CountTokens(ctx context.Context, model string, contents []*genai.Content, config *genai.CountTokensConfig) (*genai.CountTokensResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GenaiConfig configures the Gemini API backend.
type GenaiConfig struct {
	APIKey string
	// VertexAI selects the Vertex AI backend; Project and Location are then
	// required.
	VertexAI bool
	Project  string
	Location string
}

// GenaiGenerator serves Gemini models through the genai SDK.
type GenaiGenerator struct {
	models genaiModels
}

var _ ContentGenerator = (*GenaiGenerator)(nil)

// NewGenaiGenerator creates a Gemini backend.
func NewGenaiGenerator(ctx context.Context, cfg GenaiConfig) (*GenaiGenerator, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.VertexAI {
		if cfg.Project == "" || cfg.Location == "" {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "vertex ai backend requires project and location"}}
		}
		clientCfg = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	} else if cfg.APIKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gemini api key is required (set GEMINI_API_KEY)"}}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "failed to create genai client", Cause: err}}
	}
	return &GenaiGenerator{models: client.Models}, nil
}

// Name returns the provider identifier.
func (g *GenaiGenerator) Name() string { return "gemini" }

// GenerateContent sends a blocking request.
func (g *GenaiGenerator) GenerateContent(ctx context.Context, req Request) (*genai.GenerateContentResponse, error) {
	resp, err := g.models.GenerateContent(ctx, req.Model, req.Contents, req.Config)
	if err != nil {
		return nil, Classify(g.Name(), err)
	}
	return resp, nil
}

// GenerateContentStream opens a streaming request. The SDK only connects
// once iteration starts, so connection errors arrive as the first yielded
// error.
func (g *GenaiGenerator) GenerateContentStream(ctx context.Context, req Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
	if req.Model == "" {
		return nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "model is required"}, Provider: g.Name(), StatusCode: 400,
		}}
	}
	seq := g.models.GenerateContentStream(ctx, req.Model, req.Contents, req.Config)
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for resp, err := range seq {
			if err != nil {
				yield(nil, Classify(g.Name(), err))
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}, nil
}

// CountTokens counts tokens with the provider's tokenizer.
func (g *GenaiGenerator) CountTokens(ctx context.Context, req CountTokensRequest) (int, error) {
	resp, err := g.models.CountTokens(ctx, req.Model, req.Contents, nil)
	if err != nil {
		return 0, Classify(g.Name(), err)
	}
	return int(resp.TotalTokens), nil
}

// EmbedContent returns one vector per content.
func (g *GenaiGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	model := req.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}
	resp, err := g.models.EmbedContent(ctx, model, req.Contents, nil)
	if err != nil {
		return nil, Classify(g.Name(), err)
	}
	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if e == nil {
			return nil, &SDKError{Message: fmt.Sprintf("embedding response for %s contained a nil vector", model)}
		}
		vectors = append(vectors, e.Values)
	}
	return vectors, nil
}
