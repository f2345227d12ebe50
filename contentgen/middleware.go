package contentgen

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/ongas/gemini-cli-sub000/observability"
	"google.golang.org/genai"
)

// LoggingMiddleware logs every blocking call at debug level and failures at
// warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*genai.GenerateContentResponse, error)) (*genai.GenerateContentResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		attrs := []any{"model", req.Model, "prompt_id", req.PromptID, "contents", len(req.Contents), "elapsed", time.Since(start)}
		if err != nil {
			logger.WarnContext(ctx, "generate content failed", append(attrs, "error", err)...)
			return nil, err
		}
		logger.DebugContext(ctx, "generate content", attrs...)
		return resp, nil
	}
}

// LoggingStreamMiddleware logs stream opening, completion and failures.
func LoggingStreamMiddleware(logger *slog.Logger) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (iter.Seq2[*genai.GenerateContentResponse, error], error)) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
		start := time.Now()
		seq, err := next(ctx, req)
		if err != nil {
			logger.WarnContext(ctx, "stream open failed", "model", req.Model, "prompt_id", req.PromptID, "error", err)
			return nil, err
		}
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			chunks := 0
			for resp, err := range seq {
				if err != nil {
					logger.WarnContext(ctx, "stream failed", "model", req.Model, "prompt_id", req.PromptID, "chunks", chunks, "error", err)
				} else {
					chunks++
				}
				if !yield(resp, err) {
					logger.DebugContext(ctx, "stream closed by consumer", "model", req.Model, "prompt_id", req.PromptID, "chunks", chunks)
					return
				}
			}
			logger.DebugContext(ctx, "stream finished", "model", req.Model, "prompt_id", req.PromptID, "chunks", chunks, "elapsed", time.Since(start))
		}, nil
	}
}

// MetricsMiddleware records request counts and latency for blocking calls.
func MetricsMiddleware(provider string, m *observability.Metrics) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*genai.GenerateContentResponse, error)) (*genai.GenerateContentResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		m.GeneratorRequest(provider, req.Model, statusLabel(err), time.Since(start))
		return resp, err
	}
}

// MetricsStreamMiddleware records stream opens. Latency is measured to the
// first chunk.
func MetricsStreamMiddleware(provider string, m *observability.Metrics) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (iter.Seq2[*genai.GenerateContentResponse, error], error)) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
		start := time.Now()
		seq, err := next(ctx, req)
		if err != nil {
			m.GeneratorRequest(provider, req.Model, statusLabel(err), time.Since(start))
			return nil, err
		}
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			recorded := false
			for resp, err := range seq {
				if !recorded {
					m.GeneratorRequest(provider, req.Model, statusLabel(err), time.Since(start))
					recorded = true
				}
				if !yield(resp, err) {
					return
				}
			}
		}, nil
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
