package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/observability"
	"github.com/ongas/gemini-cli-sub000/recording"
	"github.com/ongas/gemini-cli-sub000/tools"
)

// SessionConfig holds configuration for a chat session.
type SessionConfig struct {
	SystemInstruction string                       `yaml:"system_instruction"`
	GenerateConfig    *genai.GenerateContentConfig `yaml:"-"`
	FirstChunkTimeout time.Duration                `yaml:"first_chunk_timeout"`
	ChunkTimeout      time.Duration                `yaml:"chunk_timeout"`
	MaxChunks         int                          `yaml:"max_chunks"`
	Budget            ContextBudget                `yaml:"budget"`
	// TokenLimit overrides the catalog context window when positive.
	TokenLimit int `yaml:"token_limit"`
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		FirstChunkTimeout: DefaultFirstChunkTimeout,
		ChunkTimeout:      DefaultChunkTimeout,
		MaxChunks:         DefaultMaxChunks,
		Budget:            DefaultContextBudget(),
	}
}

// Session is a stateful multi-turn chat. Sends are serialized: a send
// starts only after the previous send's event sequence has finished.
type Session struct {
	id        string
	generator contentgen.ContentGenerator
	config    SessionConfig
	history   *History
	retry     *RetryController
	registry  *tools.Registry
	recorder  recording.Sink
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	// sem is a one-slot semaphore held for the lifetime of a send.
	sem chan struct{}

	mu               sync.Mutex
	lastPromptTokens int32
}

// Option configures a Session.
type Option func(*Session)

// WithTools sets the registry whose declarations are sent with each request
// and whose tool kinds drive mutator truncation.
func WithTools(reg *tools.Registry) Option {
	return func(s *Session) { s.registry = reg }
}

// WithRetryController shares a retry controller (and its fallback state).
func WithRetryController(c *RetryController) Option {
	return func(s *Session) { s.retry = c }
}

// WithRecorder sets the sink that receives committed messages.
func WithRecorder(r recording.Sink) Option {
	return func(s *Session) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithHistory seeds the session with a restored history.
func WithHistory(h *History) Option {
	return func(s *Session) { s.history = h }
}

// WithSessionID sets the session identifier.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession creates a session that talks to gen.
func NewSession(gen contentgen.ContentGenerator, config *SessionConfig, opts ...Option) *Session {
	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = DefaultFirstChunkTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}

	s := &Session{
		id:        uuid.New().String(),
		generator: gen,
		config:    cfg,
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = &History{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.retry == nil {
		s.retry = NewRetryController(WithRetryLogger(s.logger), WithRetryMetrics(s.metrics))
	}
	if s.recorder == nil {
		s.recorder = recording.NopSink{}
	}
	if s.tracer == nil {
		s.tracer = observability.NewTracer()
	}
	s.logger = s.logger.With("session_id", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns a deep copy of the curated or comprehensive history.
func (s *Session) History(curated bool) []*genai.Content { return s.history.Get(curated) }

// AddHistory appends a turn without sending it.
func (s *Session) AddHistory(turn *genai.Content) { s.history.Append(turn) }

// ClearHistory starts the conversation over.
func (s *Session) ClearHistory() { s.history.Clear() }

// SetHistory replaces the conversation, as when resuming a session.
func (s *Session) SetHistory(turns []*genai.Content) error { return s.history.Set(turns) }

// StripThoughtSignatures removes thought signatures from the history.
func (s *Session) StripThoughtSignatures() { s.history.StripThoughtSignatures() }

// RetryController returns the controller that owns the fallback state.
func (s *Session) RetryController() *RetryController { return s.retry }

// Tools returns the registry, which may be nil.
func (s *Session) Tools() *tools.Registry { return s.registry }

// LastPromptTokenCount returns the prompt token count reported with the
// last committed response.
func (s *Session) LastPromptTokenCount() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPromptTokens
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.sem }

// SendMessageStream sends message as a new user turn and returns the
// resulting events. The sequence is lazy and single-use: the request starts
// when ranging begins, and ranging a second time yields ErrStreamConsumed.
//
// A terminal failure (retries exhausted, safety or recitation block, quota)
// arrives as an EventRetry with Terminal set, not as an error. Errors are
// yielded only for non-retryable generator failures. Cancelling ctx ends the
// sequence without an error. Whenever the send does not end with a valid
// response, including when the caller stops ranging early, the user turn is
// removed from history again.
func (s *Session) SendMessageStream(ctx context.Context, model string, message []*genai.Part, promptID string) iter.Seq2[StreamEvent, error] {
	userTurn := &genai.Content{Role: genai.RoleUser, Parts: ConsolidateParts(message)}
	var consumed atomic.Bool

	return func(yield func(StreamEvent, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(StreamEvent{}, ErrStreamConsumed)
			return
		}
		if err := s.acquire(ctx); err != nil {
			if ctx.Err() == nil {
				yield(StreamEvent{}, err)
			}
			return
		}
		defer s.release()

		if promptID == "" {
			promptID = uuid.New().String()
		}
		ctx, span := s.tracer.Start(ctx, "chat.send_message_stream",
			attribute.String("session.id", s.id),
			attribute.String("prompt.id", promptID),
			attribute.String("model", model),
		)
		defer span.End()

		stored := s.history.appendOwned(cloneContent(userTurn))
		committed := false
		defer func() {
			if !committed {
				s.history.popLast(stored)
			}
		}()

		contents, warning := s.prepareContents(model)
		if warning != "" && !yield(warningEvent(warning), nil) {
			return
		}

		var (
			final *genai.Content
			usage *genai.GenerateContentResponseUsageMetadata
		)
		emit := func(ev StreamEvent) bool { return yield(ev, nil) }
		runErr := s.retry.Run(ctx, model,
			func(ctx context.Context, a Attempt) error {
				content, u, err := s.runAttempt(ctx, a, contents, promptID, emit)
				if err == nil {
					final, usage = content, u
				}
				return err
			},
			func(info RetryInfo) bool { return emit(retryEvent(info)) },
		)

		var failure *Failure
		switch {
		case runErr == nil:
			s.history.appendOwned(final)
			committed = true
			if usage != nil {
				s.mu.Lock()
				s.lastPromptTokens = usage.PromptTokenCount
				s.mu.Unlock()
			}
			s.record(ctx, promptID, model, userTurn, final)

		case errors.As(runErr, &failure):
			s.metrics.StreamFailure(string(failure.Reason))
			observability.RecordError(span, runErr)
			s.logger.Error("send failed",
				"prompt_id", promptID,
				"reason", failure.Reason,
				"attempts", failure.Attempts,
				"error", failure.Err,
			)
			yield(retryEvent(RetryInfo{
				Attempt:        failure.Attempts,
				Model:          failure.Model,
				Reason:         string(failure.Reason),
				QuotaSuspected: failure.QuotaSuspected,
				Terminal:       true,
				Failure:        failure,
				Err:            failure.Err,
			}), nil)

		case errors.Is(runErr, errConsumerStopped):
			s.logger.Debug("stream consumer stopped early", "prompt_id", promptID)

		case ctx.Err() != nil:
			s.logger.Info("send aborted", "prompt_id", promptID)

		default:
			observability.RecordError(span, runErr)
			yield(StreamEvent{}, runErr)
		}
	}
}

// SendMessage sends message and waits for the committed response. A
// terminal failure is returned as a *Failure error.
func (s *Session) SendMessage(ctx context.Context, model string, message []*genai.Part, promptID string) (*genai.GenerateContentResponse, error) {
	var last *genai.GenerateContentResponse
	var failure *Failure
	for ev, err := range s.SendMessageStream(ctx, model, message, promptID) {
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case EventChunk:
			last = ev.Chunk
		case EventRetry:
			if ev.Retry.Terminal {
				failure = ev.Retry.Failure
			}
		}
	}
	if failure != nil {
		return nil, failure
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	committed := s.history.Last()
	if committed == nil || committed.Role != genai.RoleModel {
		return nil, errors.New("chat: no response committed")
	}
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: committed, FinishReason: finishReasonOf(last)}},
	}
	if last != nil {
		resp.UsageMetadata = last.UsageMetadata
		resp.ModelVersion = last.ModelVersion
	}
	return resp, nil
}

// prepareContents returns the curated history trimmed to the context budget
// and any warning for the user.
func (s *Session) prepareContents(model string) ([]*genai.Content, string) {
	curated := s.history.Get(true)
	limit := s.config.TokenLimit
	if limit <= 0 {
		limit = contentgen.TokenLimit(model)
	}
	result := s.config.Budget.Trim(curated, s.systemInstruction(), s.genaiTools(), limit)
	if result.Trimmed() {
		s.metrics.HistoryTrimmed(result.Removed)
		s.logger.Info("trimmed history for context budget",
			"removed", result.Removed,
			"summarized", result.Summarized,
			"estimated_tokens", result.EstimatedTokens,
			"safe_limit", result.SafeLimit,
		)
	}
	return result.History, result.Warning
}

func (s *Session) systemInstruction() *genai.Content {
	if s.config.SystemInstruction == "" {
		return nil
	}
	return genai.NewContentFromText(s.config.SystemInstruction, genai.RoleUser)
}

func (s *Session) genaiTools() []*genai.Tool {
	if s.registry == nil {
		return nil
	}
	return s.registry.GenaiTools()
}

func (s *Session) requestConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if s.config.GenerateConfig != nil {
		copied := *s.config.GenerateConfig
		cfg = &copied
	}
	if si := s.systemInstruction(); si != nil {
		cfg.SystemInstruction = si
	}
	if t := s.genaiTools(); t != nil {
		cfg.Tools = t
	}
	return cfg
}

func (s *Session) isMutator(name string) bool {
	return s.registry != nil && s.registry.IsMutator(name)
}

// runAttempt makes one streaming request, forwards its chunks through emit
// and validates the drained result.
func (s *Session) runAttempt(ctx context.Context, a Attempt, contents []*genai.Content, promptID string, emit func(StreamEvent) bool) (*genai.Content, *genai.GenerateContentResponseUsageMetadata, error) {
	s.metrics.StreamAttempt(a.Model, a.Fallback)
	logger := s.logger.With("prompt_id", promptID, "model", a.Model, "attempt", a.Index)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	seq, err := s.generator.GenerateContentStream(attemptCtx, contentgen.Request{
		Model:    a.Model,
		Contents: contents,
		Config:   s.requestConfig(),
		PromptID: promptID,
	})
	if err != nil {
		return nil, nil, s.annotate(contentgen.Classify(contentgen.ProviderFor(a.Model), err))
	}

	reader := newChunkReader(attemptCtx, cancel, seq, s.config.FirstChunkTimeout, s.config.ChunkTimeout, s.config.MaxChunks)
	defer reader.Close()

	guard := newMutatorGuard(s.isMutator)
	var (
		parts  []*genai.Part
		finish genai.FinishReason
		usage  *genai.GenerateContentResponseUsageMetadata
	)
	for {
		resp, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errStreamStalled) || errors.Is(err, errTooManyChunks) {
			logger.Warn("abandoning model stream", "reason", err, "chunks", reader.Count())
			finish = ""
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, s.annotate(contentgen.Classify(contentgen.ProviderFor(a.Model), err))
		}
		if resp == nil {
			continue
		}

		resp, truncated := guard.inspect(resp)
		parts = append(parts, responseParts(resp)...)
		if fr := finishReasonOf(resp); fr != "" {
			finish = fr
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		if !emit(chunkEvent(resp)) {
			return nil, nil, errConsumerStopped
		}
		if truncated {
			logger.Debug("stopped stream before second mutating tool call")
			break
		}
	}

	consolidated := ConsolidateParts(parts)
	verdict := Classify(Summarize(consolidated, finish))
	if !verdict.Valid() {
		logger.Warn("invalid model stream", "kind", verdict.Invalid, "finish_reason", verdict.FinishReason)
		return nil, nil, verdict.Err()
	}
	return &genai.Content{Role: genai.RoleModel, Parts: consolidated}, usage, nil
}

// annotate adds the names of tools with cyclic parameter schemas to an
// invalid-argument error, since such schemas are a common cause of it.
func (s *Session) annotate(err error) error {
	if err == nil || s.registry == nil || !contentgen.IsInvalidRequest(err) {
		return err
	}
	cyclic := s.registry.CyclicSchemaTools()
	if len(cyclic) == 0 {
		return err
	}
	return fmt.Errorf("%w\nThis may be caused by tools with cyclic parameter schemas: %s",
		err, strings.Join(cyclic, ", "))
}

func (s *Session) record(ctx context.Context, promptID, model string, user, reply *genai.Content) {
	now := time.Now()
	records := []recording.MessageRecord{
		{SessionID: s.id, PromptID: promptID, Role: genai.RoleUser, Content: cloneContent(user), Timestamp: now},
		{SessionID: s.id, PromptID: promptID, Model: model, Role: genai.RoleModel, Content: cloneContent(reply), Timestamp: now},
	}
	for _, rec := range records {
		if err := s.recorder.RecordMessage(ctx, rec); err != nil {
			s.logger.Warn("failed to record message", "role", rec.Role, "error", err)
		}
	}
}
