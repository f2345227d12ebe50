package contentgen

import (
	"context"
	"iter"

	"google.golang.org/genai"
)

// ContentGenerator is the interface every model backend must implement.
// Responses, chunks and history entries all use the genai content model.
type ContentGenerator interface {
	// GenerateContent sends a blocking request and returns the full response.
	GenerateContent(ctx context.Context, req Request) (*genai.GenerateContentResponse, error)

	// GenerateContentStream sends a request and returns a lazy, single-pass
	// sequence of response chunks. Breaking out of the range loop releases
	// the underlying connection.
	GenerateContentStream(ctx context.Context, req Request) (iter.Seq2[*genai.GenerateContentResponse, error], error)

	// CountTokens returns the provider's token count for the given contents.
	CountTokens(ctx context.Context, req CountTokensRequest) (int, error)

	// EmbedContent returns one embedding vector per input content.
	EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error)
}

// Request is a single generation request.
type Request struct {
	Model    string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
	// PromptID correlates every attempt made for one user prompt.
	PromptID string
}

// CountTokensRequest asks the backend to count tokens for contents.
type CountTokensRequest struct {
	Model    string
	Contents []*genai.Content
}

// EmbedRequest asks the backend for embeddings.
type EmbedRequest struct {
	Model    string
	Contents []*genai.Content
}

// Closer is implemented by generators that hold resources.
type Closer interface {
	Close() error
}

// Named is implemented by generators that can report their provider name.
type Named interface {
	Name() string
}
