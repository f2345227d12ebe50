// Package contentgen defines the model backend contract used by the chat
// core and provides concrete backends.
//
// Every backend speaks the google.golang.org/genai content model: requests
// carry []*genai.Content, responses and stream chunks are
// *genai.GenerateContentResponse. Two backends are provided:
//
//   - GenaiGenerator calls the Gemini API through the genai SDK.
//   - GollmGenerator wraps a gollm.LLM so OpenAI, Anthropic or Ollama models
//     can stand in behind the same interface.
//
// A Client routes requests to registered backends by provider and applies
// middleware (logging, metrics) around every call:
//
//	client := contentgen.NewClient(
//	    contentgen.WithGenerator("gemini", gemini),
//	    contentgen.WithMiddleware(contentgen.LoggingMiddleware(logger)),
//	)
//	seq, err := client.GenerateContentStream(ctx, contentgen.Request{
//	    Model:    contentgen.DefaultModel,
//	    Contents: history,
//	})
//
// Errors returned by backends are classified into the taxonomy in errors.go
// so callers can decide between retry, model fallback and immediate failure.
package contentgen
