package contentgen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
	"google.golang.org/genai"
)

// GollmGenerator wraps a gollm.LLM instance and implements ContentGenerator.
// It flattens genai history into a gollm prompt and converts generated text
// back into genai responses.
type GollmGenerator struct {
	provider string
	llm      gollm.LLM
	model    string
	// gollm options are set on the shared LLM, so requests are serialized
	// around SetOption + Generate.
	mu sync.Mutex
}

var _ ContentGenerator = (*GollmGenerator)(nil)

// GollmOption configures a GollmGenerator.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the backend.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the backend.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max output tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmGenerator creates a backend for a gollm provider (openai,
// anthropic, ollama, ...). If apiKey is empty gollm reads it from the
// environment.
func NewGollmGenerator(provider string, opts ...GollmOption) (*GollmGenerator, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no default model known for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Retries belong to the chat session.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("failed to create gollm LLM for provider %s", provider), Cause: err,
		}}
	}

	return &GollmGenerator{provider: provider, llm: llm, model: model}, nil
}

// NewGollmGeneratorFromLLM wraps an existing gollm.LLM instance.
func NewGollmGeneratorFromLLM(provider, model string, llm gollm.LLM) *GollmGenerator {
	return &GollmGenerator{provider: provider, llm: llm, model: model}
}

// Name returns the provider identifier.
func (g *GollmGenerator) Name() string { return g.provider }

// GenerateContent sends a blocking request.
func (g *GollmGenerator) GenerateContent(ctx context.Context, req Request) (*genai.GenerateContentResponse, error) {
	prompt := g.translateRequest(req)

	g.mu.Lock()
	g.applyRequestOptions(req)
	text, err := g.llm.Generate(ctx, prompt)
	g.mu.Unlock()
	if err != nil {
		return nil, g.translateError(err)
	}
	return g.buildResponse(req, text), nil
}

// GenerateContentStream streams text tokens as chunks. The last chunk
// carries the finish reason and any tool calls parsed from the full text.
func (g *GollmGenerator) GenerateContentStream(ctx context.Context, req Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
	prompt := g.translateRequest(req)

	g.mu.Lock()
	g.applyRequestOptions(req)
	if !g.llm.SupportsStreaming() {
		g.mu.Unlock()
		// Generate the full response lazily and emit it as a single chunk.
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			g.mu.Lock()
			text, err := g.llm.Generate(ctx, prompt)
			g.mu.Unlock()
			if err != nil {
				yield(nil, g.translateError(err))
				return
			}
			yield(g.buildResponse(req, text), nil)
		}, nil
	}
	stream, err := g.llm.Stream(ctx, prompt)
	g.mu.Unlock()
	if err != nil {
		return nil, g.translateError(err)
	}

	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		defer stream.Close()

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				yield(nil, g.translateError(err))
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			fullText.WriteString(token.Text)
			chunk := &genai.GenerateContentResponse{
				ModelVersion: g.modelFor(req),
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: token.Text}}},
				}},
			}
			if !yield(chunk, nil) {
				return
			}
		}

		// Final chunk: tool calls recovered from the text plus the finish reason.
		calls := g.parseToolCalls(fullText.String())
		parts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			parts = append(parts, &genai.Part{FunctionCall: call})
		}
		final := &genai.GenerateContentResponse{
			ModelVersion: g.modelFor(req),
			Candidates: []*genai.Candidate{{
				Content:      &genai.Content{Role: genai.RoleModel, Parts: parts},
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: g.estimateUsage(req, fullText.String()),
		}
		yield(final, nil)
	}, nil
}

// CountTokens estimates tokens at four characters per token; gollm exposes
// no tokenizer endpoint.
func (g *GollmGenerator) CountTokens(_ context.Context, req CountTokensRequest) (int, error) {
	chars := 0
	for _, c := range req.Contents {
		if data, err := json.Marshal(c); err == nil {
			chars += len(data)
		}
	}
	return (chars + 3) / 4, nil
}

// EmbedContent is not supported by gollm backends.
func (g *GollmGenerator) EmbedContent(context.Context, EmbedRequest) ([][]float32, error) {
	return nil, &ConfigurationError{SDKError: SDKError{
		Message: fmt.Sprintf("provider %s does not support embeddings", g.provider),
	}}
}

func (g *GollmGenerator) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

// translateRequest flattens genai history into a single gollm prompt.
func (g *GollmGenerator) translateRequest(req Request) *gollm.Prompt {
	var lines []string
	for _, content := range req.Contents {
		if content == nil {
			continue
		}
		for _, part := range content.Parts {
			if part == nil || part.Thought {
				continue
			}
			switch {
			case part.Text != "" && content.Role == genai.RoleModel:
				lines = append(lines, "[Assistant]: "+part.Text)
			case part.Text != "":
				lines = append(lines, part.Text)
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				lines = append(lines, fmt.Sprintf("[Tool Call] %s(%s)", part.FunctionCall.Name, args))
			case part.FunctionResponse != nil:
				resp, _ := json.Marshal(part.FunctionResponse.Response)
				lines = append(lines, fmt.Sprintf("[Tool Result] %s: %s", part.FunctionResponse.Name, resp))
			}
		}
	}

	promptText := strings.Join(lines, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if req.Config != nil {
		if system := contentText(req.Config.SystemInstruction); system != "" {
			promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
		}
		if req.Config.MaxOutputTokens > 0 {
			promptOpts = append(promptOpts, gollm.WithMaxLength(int(req.Config.MaxOutputTokens)))
		}
		if tools := toGollmTools(req.Config.Tools); len(tools) > 0 {
			promptOpts = append(promptOpts, gollm.WithTools(tools))
		}
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters. Callers hold g.mu.
func (g *GollmGenerator) applyRequestOptions(req Request) {
	if req.Model != "" {
		g.llm.SetOption("model", req.Model)
	}
	if req.Config == nil {
		return
	}
	if req.Config.Temperature != nil {
		g.llm.SetOption("temperature", float64(*req.Config.Temperature))
	}
	if req.Config.TopP != nil {
		g.llm.SetOption("top_p", float64(*req.Config.TopP))
	}
	if req.Config.MaxOutputTokens > 0 {
		g.llm.SetOption("max_tokens", int(req.Config.MaxOutputTokens))
	}
}

// buildResponse converts a full generated text into a genai response.
func (g *GollmGenerator) buildResponse(req Request, text string) *genai.GenerateContentResponse {
	calls := g.parseToolCalls(text)
	var parts []*genai.Part
	if cleaned := removeToolCallJSON(text, len(calls)); cleaned != "" {
		parts = append(parts, &genai.Part{Text: cleaned})
	}
	for _, call := range calls {
		parts = append(parts, &genai.Part{FunctionCall: call})
	}
	return &genai.GenerateContentResponse{
		ModelVersion: g.modelFor(req),
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: parts},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: g.estimateUsage(req, text),
	}
}

func (g *GollmGenerator) estimateUsage(req Request, text string) *genai.GenerateContentResponseUsageMetadata {
	prompt, _ := g.CountTokens(context.Background(), CountTokensRequest{Contents: req.Contents})
	candidates := int32(len(text) / 4)
	return &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     int32(prompt),
		CandidatesTokenCount: candidates,
		TotalTokenCount:      int32(prompt) + candidates,
	}
}

// parseToolCalls extracts tool calls that gollm returns embedded in text as
// a JSON array of {"name", "arguments"} objects.
func (g *GollmGenerator) parseToolCalls(text string) []*genai.FunctionCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]*genai.FunctionCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		if rc.Name == "" {
			continue
		}
		calls = append(calls, &genai.FunctionCall{
			ID:   "call_" + uuid.NewString()[:8],
			Name: rc.Name,
			Args: rc.Arguments,
		})
	}
	return calls
}

// removeToolCallJSON strips the parsed tool call array from the text.
func removeToolCallJSON(text string, calls int) string {
	if calls == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError converts a gollm error into the error taxonomy by
// inspecting its message.
func (g *GollmGenerator) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	status := 0
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota"):
		status = 429
	case isContextLengthMessage(msg):
		status = 413
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server") || strings.Contains(lower, "503"):
		status = 500
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: g.provider,
		}}
	default:
		return Classify(g.provider, err)
	}
	classified := ErrorFromStatusCode(status, msg, g.provider, "")
	attachCause(classified, err)
	return classified
}

func contentText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func toGollmTools(tools []*genai.Tool) []gollm.Tool {
	var out []gollm.Tool
	for _, t := range tools {
		if t == nil {
			continue
		}
		for _, decl := range t.FunctionDeclarations {
			if decl == nil {
				continue
			}
			out = append(out, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  schemaToMap(decl.Parameters),
				},
			})
		}
	}
	return out
}

// schemaToMap renders a genai schema as a JSON schema map with lower-case
// type names.
func schemaToMap(s *genai.Schema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	lowerTypes(m)
	return m
}

func lowerTypes(v any) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if k == "type" {
				if s, ok := child.(string); ok {
					node[k] = strings.ToLower(s)
					continue
				}
			}
			lowerTypes(child)
		}
	case []any:
		for _, child := range node {
			lowerTypes(child)
		}
	}
}
