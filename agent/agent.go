package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/chat"
	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/scheduler"
)

var (
	// ErrMaxTurns is returned when a Run reaches Config.MaxTurns while the
	// model still calls tools.
	ErrMaxTurns = errors.New("agent: turn limit reached")
	// ErrCancelled is returned when every tool call of a batch was
	// cancelled. Nothing is sent back to the model in that case.
	ErrCancelled = errors.New("agent: tool calls cancelled")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("agent: closed")
)

// Config bounds a Run.
type Config struct {
	// Model is the requested model. The retry controller may substitute
	// its fallback model.
	Model string `yaml:"model"`
	// MaxTurns caps model sends per Run. 0 means unlimited.
	MaxTurns int `yaml:"max_turns"`
	// LoopWindow is the number of recent tool calls checked for a
	// repeating pattern. 0 disables loop detection.
	LoopWindow int `yaml:"loop_window"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Model:      contentgen.DefaultModel,
		MaxTurns:   100,
		LoopWindow: 10,
	}
}

// Observer receives everything a Run produces. Methods are called from the
// Run goroutine except ToolEvent, which is called from the event forwarder.
type Observer interface {
	StreamEvent(ev chat.StreamEvent)
	ToolEvent(ev scheduler.Event)
	Warning(msg string)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnStream  func(chat.StreamEvent)
	OnTool    func(scheduler.Event)
	OnWarning func(string)
}

func (o ObserverFuncs) StreamEvent(ev chat.StreamEvent) {
	if o.OnStream != nil {
		o.OnStream(ev)
	}
}

func (o ObserverFuncs) ToolEvent(ev scheduler.Event) {
	if o.OnTool != nil {
		o.OnTool(ev)
	}
}

func (o ObserverFuncs) Warning(msg string) {
	if o.OnWarning != nil {
		o.OnWarning(msg)
	}
}

// Result summarizes a Run.
type Result struct {
	PromptID string
	// Text is the text of the final model reply.
	Text string
	// Turns is the number of sends made.
	Turns int
	// ToolCalls holds every completed tool call in execution order.
	ToolCalls []scheduler.Call
}

// Agent runs prompts against one chat session and one scheduler.
type Agent struct {
	session   *chat.Session
	scheduler *scheduler.Scheduler
	config    Config
	observer  Observer
	logger    *slog.Logger
	loops     *loopDetector

	runMu     sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	forwarded chan struct{}
}

// Option configures an Agent.
type Option func(*Agent)

// WithObserver sets the observer.
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent. The agent owns sched's event channel and closes
// sched on Close.
func New(session *chat.Session, sched *scheduler.Scheduler, config Config, opts ...Option) *Agent {
	a := &Agent{
		session:   session,
		scheduler: sched,
		config:    config,
		observer:  ObserverFuncs{},
		logger:    slog.Default(),
		loops:     newLoopDetector(config.LoopWindow),
		closed:    make(chan struct{}),
		forwarded: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.forward()
	return a
}

func (a *Agent) forward() {
	defer close(a.forwarded)
	for ev := range a.scheduler.Events() {
		a.observer.ToolEvent(ev)
	}
}

// Session returns the underlying chat session.
func (a *Agent) Session() *chat.Session { return a.session }

// Scheduler returns the underlying scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Model returns the requested model.
func (a *Agent) Model() string {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.config.Model
}

// SetModel changes the requested model. It waits for a running Run to
// finish.
func (a *Agent) SetModel(model string) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.config.Model = model
}

// Close closes the scheduler and waits for pending tool events to be
// delivered.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.scheduler.Close()
		<-a.forwarded
	})
}

// Run sends prompt and keeps the conversation going until the model stops
// calling tools. Runs are serialized.
func (a *Agent) Run(ctx context.Context, prompt string) (*Result, error) {
	return a.RunParts(ctx, []*genai.Part{genai.NewPartFromText(prompt)})
}

// RunParts is Run with a multi-part message.
func (a *Agent) RunParts(ctx context.Context, message []*genai.Part) (*Result, error) {
	select {
	case <-a.closed:
		return nil, ErrClosed
	default:
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.loops.reset()

	res := &Result{PromptID: uuid.New().String()}
	for {
		if a.config.MaxTurns > 0 && res.Turns >= a.config.MaxTurns {
			a.observer.Warning(fmt.Sprintf("Reached the limit of %d turns for this prompt.", a.config.MaxTurns))
			return res, ErrMaxTurns
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		text, calls, err := a.send(ctx, message, res.PromptID)
		res.Turns++
		if err != nil {
			return res, err
		}
		res.Text = text
		if len(calls) == 0 {
			return res, nil
		}

		b, err := a.runBatch(ctx, calls, res.PromptID)
		if b != nil {
			res.ToolCalls = append(res.ToolCalls, b.calls...)
		}
		if err != nil {
			return res, err
		}
		parts, ok := b.take()
		if !ok {
			return res, fmt.Errorf("agent: responses of batch already submitted")
		}

		if a.loops.observe(calls) {
			msg := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", a.config.LoopWindow)
			a.logger.Warn("tool call loop detected", "prompt_id", res.PromptID, "window", a.config.LoopWindow)
			a.observer.Warning(msg)
			parts = append(parts, genai.NewPartFromText(msg))
		}
		message = parts
	}
}

// send streams one message and returns the reply text and function calls of
// the attempt that was committed.
func (a *Agent) send(ctx context.Context, message []*genai.Part, promptID string) (string, []*genai.FunctionCall, error) {
	var (
		text  string
		calls []*genai.FunctionCall
	)
	for ev, err := range a.session.SendMessageStream(ctx, a.config.Model, message, promptID) {
		if err != nil {
			return "", nil, err
		}
		a.observer.StreamEvent(ev)
		switch ev.Kind {
		case chat.EventChunk:
			text += chat.ResponseText(ev.Chunk)
			calls = append(calls, chat.FunctionCalls(ev.Chunk)...)
		case chat.EventRetry:
			if ev.Retry.Terminal {
				return "", nil, ev.Retry.Failure
			}
			// Chunks of the failed attempt are discarded.
			text, calls = "", nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return text, calls, nil
}

// batch is one scheduled set of tool calls whose responses may be sent to
// the model exactly once.
type batch struct {
	mu        sync.Mutex
	calls     []scheduler.Call
	submitted bool
}

// take returns the function response parts on the first call only.
func (b *batch) take() ([]*genai.Part, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitted {
		return nil, false
	}
	b.submitted = true
	return scheduler.ResponseContent(b.calls).Parts, true
}

func (a *Agent) runBatch(ctx context.Context, calls []*genai.FunctionCall, promptID string) (*batch, error) {
	requests := make([]scheduler.Request, len(calls))
	for i, fc := range calls {
		req := scheduler.RequestFromFunctionCall(fc, promptID)
		if req.CallID == "" {
			req.CallID = fmt.Sprintf("%s-%s", fc.Name, uuid.New().String())
		}
		requests[i] = req
	}
	if err := a.scheduler.Schedule(ctx, requests); err != nil {
		return nil, fmt.Errorf("schedule tool calls: %w", err)
	}
	done, err := a.scheduler.WaitIdle(ctx)
	b := &batch{calls: done}
	switch {
	case errors.Is(err, scheduler.ErrAborted):
		a.closeBatch(b)
		if ctx.Err() != nil {
			return b, ctx.Err()
		}
		return b, ErrCancelled
	case err != nil:
		a.scheduler.Abort()
		return b, err
	}
	if allCancelled(done) {
		a.closeBatch(b)
		return b, ErrCancelled
	}
	return b, nil
}

// closeBatch stores the responses of a batch that will not be sent so the
// model's calls stay paired in history.
func (a *Agent) closeBatch(b *batch) {
	parts, ok := b.take()
	if !ok || len(parts) == 0 {
		return
	}
	a.session.AddHistory(&genai.Content{Role: genai.RoleUser, Parts: parts})
}

func allCancelled(calls []scheduler.Call) bool {
	if len(calls) == 0 {
		return false
	}
	for _, c := range calls {
		if c.Status != scheduler.StatusCancelled {
			return false
		}
	}
	return true
}
