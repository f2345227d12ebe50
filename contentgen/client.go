package contentgen

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"google.golang.org/genai"
)

// Middleware wraps a blocking generation call. It receives the request and a
// next function that calls the downstream handler.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*genai.GenerateContentResponse, error)) (*genai.GenerateContentResponse, error)

// StreamMiddleware wraps a streaming generation call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (iter.Seq2[*genai.GenerateContentResponse, error], error)) (iter.Seq2[*genai.GenerateContentResponse, error], error)

// Client routes requests to registered generators by provider and applies
// middleware. It implements ContentGenerator itself.
type Client struct {
	generators      map[string]ContentGenerator
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	mu              sync.RWMutex
}

var _ ContentGenerator = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithGenerator registers a generator for a provider name.
func WithGenerator(provider string, gen ContentGenerator) ClientOption {
	return func(c *Client) {
		c.generators[provider] = gen
	}
}

// WithDefaultProvider sets the provider used for models missing from the
// catalog.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds blocking-call middleware.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamMiddleware adds streaming-call middleware.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		generators: make(map[string]ContentGenerator),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one generator, use it.
	if c.defaultProvider == "" && len(c.generators) == 1 {
		for name := range c.generators {
			c.defaultProvider = name
		}
	}
	return c
}

// Register adds a generator to the client.
func (c *Client) Register(provider string, gen ContentGenerator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generators[provider] = gen
	if c.defaultProvider == "" {
		c.defaultProvider = provider
	}
}

// resolve determines which generator serves a model.
func (c *Client) resolve(model string) (string, ContentGenerator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := ProviderFor(model)
	if _, ok := c.generators[name]; !ok || name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return "", nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no generator registered for model %q and no default provider configured", model),
		}}
	}
	gen, ok := c.generators[name]
	if !ok {
		return "", nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return name, gen, nil
}

// GenerateContent sends a blocking request through middleware to the
// resolved generator.
func (c *Client) GenerateContent(ctx context.Context, req Request) (*genai.GenerateContentResponse, error) {
	provider, gen, err := c.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, r Request) (*genai.GenerateContentResponse, error) {
		resp, err := gen.GenerateContent(ctx, r)
		return resp, Classify(provider, err)
	}

	// Apply middleware in reverse order so first registered runs first.
	c.mu.RLock()
	chain := c.middleware
	c.mu.RUnlock()
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*genai.GenerateContentResponse, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// GenerateContentStream sends a streaming request through middleware to the
// resolved generator. Errors yielded mid-stream are classified as well.
func (c *Client) GenerateContentStream(ctx context.Context, req Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
	provider, gen, err := c.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, r Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
		seq, err := gen.GenerateContentStream(ctx, r)
		if err != nil {
			return nil, Classify(provider, err)
		}
		return classifySeq(provider, seq), nil
	}

	c.mu.RLock()
	chain := c.streamMW
	c.mu.RUnlock()
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := handler
		handler = func(ctx context.Context, r Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

func classifySeq(provider string, seq iter.Seq2[*genai.GenerateContentResponse, error]) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for resp, err := range seq {
			if !yield(resp, Classify(provider, err)) {
				return
			}
		}
	}
}

// CountTokens routes a token count request to the resolved generator.
func (c *Client) CountTokens(ctx context.Context, req CountTokensRequest) (int, error) {
	provider, gen, err := c.resolve(req.Model)
	if err != nil {
		return 0, err
	}
	n, err := gen.CountTokens(ctx, req)
	return n, Classify(provider, err)
}

// EmbedContent routes an embedding request to the resolved generator.
func (c *Client) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	provider, gen, err := c.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	vectors, err := gen.EmbedContent(ctx, req)
	return vectors, Classify(provider, err)
}

// Close releases resources held by all registered generators.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, gen := range c.generators {
		if closer, ok := gen.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
