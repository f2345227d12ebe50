package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/agent"
	"github.com/ongas/gemini-cli-sub000/chat"
	"github.com/ongas/gemini-cli-sub000/config"
	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/observability"
	"github.com/ongas/gemini-cli-sub000/recording"
	"github.com/ongas/gemini-cli-sub000/scheduler"
	"github.com/ongas/gemini-cli-sub000/tools"
)

// app is a fully wired chat: generator, tools, session, scheduler and agent.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	console   *console
	client    *contentgen.Client
	recorder  recording.Sink
	retry     *chat.RetryController
	session   *chat.Session
	scheduler *scheduler.Scheduler
	agent     *agent.Agent
	metrics   *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, con *console, resume string) (_ *app, err error) {
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, console: con}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		if a.metrics, err = serveMetrics(cfg.Metrics.Addr, reg, logger); err != nil {
			return nil, err
		}
	}
	tracer := observability.NewTracer()

	if a.client, err = newClient(ctx, cfg, logger, metrics); err != nil {
		return nil, err
	}

	dir := cfg.Tools.WorkingDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	env, err := tools.NewLocalEnvironment(dir)
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, env, cfg.Tools.Builtin)
	for _, name := range cfg.Tools.Exclude {
		registry.Unregister(name)
	}

	if a.recorder, err = openRecorder(cfg.Recording); err != nil {
		return nil, err
	}

	sessionID := resume
	var restored []*genai.Content
	if resume != "" {
		if restored, err = loadHistory(ctx, cfg.Recording, a.recorder, resume); err != nil {
			return nil, err
		}
	} else {
		sessionID = uuid.New().String()
	}

	a.retry = chat.NewRetryController(
		chat.WithRetryPolicy(cfg.Retry),
		chat.WithFallbackModel(cfg.ResolvedFallbackModel()),
		chat.WithFallbackHandler(con.confirmFallback),
		chat.WithRetryLogger(logger),
		chat.WithRetryMetrics(metrics),
	)

	sessCfg := cfg.Session
	sessCfg.SystemInstruction = agent.BuildSystemInstruction(env, registry, agent.PromptOptions{
		Model:            cfg.Agent.Model,
		UserInstructions: cfg.Session.SystemInstruction,
	})
	a.session = chat.NewSession(a.client, &sessCfg,
		chat.WithTools(registry),
		chat.WithRetryController(a.retry),
		chat.WithRecorder(a.recorder),
		chat.WithLogger(logger),
		chat.WithMetrics(metrics),
		chat.WithTracer(tracer),
		chat.WithSessionID(sessionID),
	)
	if len(restored) > 0 {
		if err := a.session.SetHistory(restored); err != nil {
			return nil, fmt.Errorf("restore session %s: %w", resume, err)
		}
		con.info(fmt.Sprintf("Resumed session %s with %d messages.", resume, len(restored)))
	}

	a.scheduler = scheduler.New(registry,
		scheduler.WithPolicy(cfg.Approval),
		scheduler.WithApprover(con),
		scheduler.WithEditor(con),
		scheduler.WithRecorder(a.recorder),
		scheduler.WithSessionID(sessionID),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithTracer(tracer),
	)
	a.agent = agent.New(a.session, a.scheduler, cfg.Agent,
		agent.WithObserver(con),
		agent.WithLogger(logger),
	)
	return a, nil
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.agent != nil {
		a.agent.Close()
	} else if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Warn("failed to close recorder", "error", err)
		}
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("failed to close generator", "error", err)
		}
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
}

// newClient registers the configured backend behind logging and metrics
// middleware.
func newClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*contentgen.Client, error) {
	provider := cfg.Provider.Name
	var (
		gen contentgen.ContentGenerator
		err error
	)
	if provider == "gemini" {
		gen, err = contentgen.NewGenaiGenerator(ctx, cfg.Provider.Genai())
	} else {
		opts := []contentgen.GollmOption{contentgen.WithModel(cfg.Agent.Model)}
		if cfg.Provider.APIKey != "" {
			opts = append(opts, contentgen.WithAPIKey(cfg.Provider.APIKey))
		}
		if cfg.Provider.MaxTokens > 0 {
			opts = append(opts, contentgen.WithMaxTokens(cfg.Provider.MaxTokens))
		}
		if cfg.Provider.Temperature > 0 {
			opts = append(opts, contentgen.WithTemperature(cfg.Provider.Temperature))
		}
		gen, err = contentgen.NewGollmGenerator(provider, opts...)
	}
	if err != nil {
		return nil, err
	}
	return contentgen.NewClient(
		contentgen.WithGenerator(provider, gen),
		contentgen.WithDefaultProvider(provider),
		contentgen.WithMiddleware(
			contentgen.LoggingMiddleware(logger),
			contentgen.MetricsMiddleware(provider, metrics),
		),
		contentgen.WithStreamMiddleware(
			contentgen.LoggingStreamMiddleware(logger),
			contentgen.MetricsStreamMiddleware(provider, metrics),
		),
	), nil
}

func openRecorder(cfg config.RecordingConfig) (recording.Sink, error) {
	switch strings.ToLower(cfg.Format) {
	case "jsonl":
		return recording.NewJSONLSink(cfg.Path)
	case "sqlite":
		return recording.NewSQLiteSink(cfg.Path)
	default:
		return recording.NopSink{}, nil
	}
}

func loadHistory(ctx context.Context, cfg config.RecordingConfig, sink recording.Sink, sessionID string) ([]*genai.Content, error) {
	var (
		messages []recording.MessageRecord
		err      error
	)
	switch s := sink.(type) {
	case *recording.SQLiteSink:
		messages, err = s.Messages(ctx, sessionID)
	case *recording.JSONLSink:
		messages, _, err = recording.LoadJSONL(cfg.Path, sessionID)
	default:
		return nil, errors.New("--resume needs recording.format jsonl or sqlite")
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("session %s not found in %s", sessionID, cfg.Path)
	}
	return recording.Contents(messages), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
