package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/observability"
	"github.com/ongas/gemini-cli-sub000/recording"
	"github.com/ongas/gemini-cli-sub000/tools"
)

// script is one scripted reply of fakeGenerator.
type script struct {
	chunks   []*genai.GenerateContentResponse
	startErr error
	// stall blocks the stream after the chunks until the request ends.
	stall bool
	// gate, when set, is waited on before the first chunk.
	gate chan struct{}
}

type fakeGenerator struct {
	mu       sync.Mutex
	scripts  []script
	requests []contentgen.Request
	started  chan int
}

func (f *fakeGenerator) next(req contentgen.Request) (script, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	if len(f.scripts) == 0 {
		return script{chunks: []*genai.GenerateContentResponse{textChunk("default", genai.FinishReasonStop)}}, n
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	return s, n
}

func (f *fakeGenerator) GenerateContent(context.Context, contentgen.Request) (*genai.GenerateContentResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGenerator) GenerateContentStream(ctx context.Context, req contentgen.Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
	s, n := f.next(req)
	if f.started != nil {
		f.started <- n
	}
	if s.startErr != nil {
		return nil, s.startErr
	}
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.stall {
			<-ctx.Done()
		}
	}, nil
}

func (f *fakeGenerator) CountTokens(context.Context, contentgen.CountTokensRequest) (int, error) {
	return 0, nil
}

func (f *fakeGenerator) EmbedContent(context.Context, contentgen.EmbedRequest) ([][]float32, error) {
	return nil, nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type memorySink struct {
	mu       sync.Mutex
	messages []recording.MessageRecord
}

func (m *memorySink) RecordMessage(_ context.Context, rec recording.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, rec)
	return nil
}

func (m *memorySink) RecordToolCalls(context.Context, []recording.ToolCallRecord) error { return nil }
func (m *memorySink) Close() error                                                      { return nil }

type mutatingTool struct{ name string }

func (m *mutatingTool) Name() string           { return m.name }
func (m *mutatingTool) Description() string    { return "writes things" }
func (m *mutatingTool) Kind() tools.Kind       { return tools.KindEdit }
func (m *mutatingTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (m *mutatingTool) ConfirmationDetails(context.Context, map[string]any) (*tools.Confirmation, error) {
	return nil, nil
}

func (m *mutatingTool) Execute(context.Context, map[string]any, tools.OutputFunc) (tools.Result, error) {
	return tools.Result{LLMContent: "done"}, nil
}

func textChunk(text string, finish genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      genai.NewContentFromText(text, genai.RoleModel),
		FinishReason: finish,
	}}}
}

func callChunk(finish genai.FinishReason, calls ...*genai.FunctionCall) *genai.GenerateContentResponse {
	content := &genai.Content{Role: genai.RoleModel}
	for _, c := range calls {
		content.Parts = append(content.Parts, &genai.Part{FunctionCall: c})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content, FinishReason: finish}}}
}

func newTestSession(gen *fakeGenerator, cfg *SessionConfig, opts ...Option) (*Session, *sleepRecorder) {
	sleeper := &sleepRecorder{}
	logger := observability.DiscardLogger()
	base := []Option{
		WithLogger(logger),
		WithRetryController(NewRetryController(WithSleep(sleeper.sleep), WithRetryLogger(logger), WithFallbackModel("flash"))),
	}
	return NewSession(gen, cfg, append(base, opts...)...), sleeper
}

func drain(t *testing.T, seq iter.Seq2[StreamEvent, error]) ([]StreamEvent, error) {
	t.Helper()
	var events []StreamEvent
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func userParts(text string) []*genai.Part {
	return []*genai.Part{genai.NewPartFromText(text)}
}

func terminalOf(events []StreamEvent) *RetryInfo {
	for _, ev := range events {
		if ev.Kind == EventRetry && ev.Retry.Terminal {
			return ev.Retry
		}
	}
	return nil
}

func TestSendMessageStreamCommitsTurns(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{{chunks: []*genai.GenerateContentResponse{
		textChunk("Hel", ""),
		textChunk("lo", genai.FinishReasonStop),
	}}}}
	sink := &memorySink{}
	s, _ := newTestSession(gen, &SessionConfig{SystemInstruction: "be brief"}, WithRecorder(sink))

	events, err := drain(t, s.SendMessageStream(context.Background(), "gemini-2.5-pro", userParts("hi"), "p1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Kind != EventChunk || ResponseText(events[1].Chunk) != "lo" {
		t.Fatalf("events = %+v", events)
	}

	hist := s.History(false)
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Role != genai.RoleUser || hist[1].Role != genai.RoleModel {
		t.Errorf("roles = %s/%s", hist[0].Role, hist[1].Role)
	}
	if len(hist[1].Parts) != 1 || hist[1].Parts[0].Text != "Hello" {
		t.Errorf("model turn = %+v", hist[1].Parts)
	}

	req := gen.requests[0]
	if req.PromptID != "p1" || req.Config.SystemInstruction == nil {
		t.Errorf("request = %+v", req)
	}
	if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "hi" {
		t.Errorf("contents = %+v", req.Contents)
	}
	if len(sink.messages) != 2 || sink.messages[1].Model != "gemini-2.5-pro" {
		t.Errorf("recorded = %+v", sink.messages)
	}
}

func TestSendMessageStreamRetriesInvalidStream(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{
		{chunks: []*genai.GenerateContentResponse{textChunk("partial", "")}},
		{chunks: []*genai.GenerateContentResponse{textChunk("", genai.FinishReasonStop)}},
		{chunks: []*genai.GenerateContentResponse{textChunk("done", genai.FinishReasonStop)}},
	}}
	s, sleeper := newTestSession(gen, nil)

	events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if err != nil {
		t.Fatal(err)
	}
	retries := 0
	for _, ev := range events {
		if ev.Kind == EventRetry {
			retries++
		}
	}
	if retries != 2 || len(sleeper.delays) != 2 {
		t.Errorf("retries=%d sleeps=%d, want 2 and 2", retries, len(sleeper.delays))
	}

	hist := s.History(false)
	if len(hist) != 2 || hist[1].Parts[0].Text != "done" {
		t.Fatalf("history = %+v", hist)
	}
	for i, req := range gen.requests {
		if len(req.Contents) != 1 {
			t.Errorf("request %d sent %d contents, want 1", i, len(req.Contents))
		}
	}
	if gen.requests[0].PromptID == "" || gen.requests[0].PromptID != gen.requests[2].PromptID {
		t.Error("attempts of one send must share a prompt id")
	}
}

func TestSendMessageStreamExhaustedRollsBack(t *testing.T) {
	var scripts []script
	for i := 0; i < 6; i++ {
		scripts = append(scripts, script{chunks: []*genai.GenerateContentResponse{textChunk("", genai.FinishReasonStop)}})
	}
	gen := &fakeGenerator{scripts: scripts}
	s, _ := newTestSession(gen, nil)
	s.AddHistory(userText("earlier"))
	s.AddHistory(modelText("reply"))

	events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if err != nil {
		t.Fatal(err)
	}
	term := terminalOf(events)
	if term == nil || term.Failure == nil || term.Failure.Reason != FailureExhausted {
		t.Fatalf("terminal = %+v", term)
	}
	if gen.calls() != 5 {
		t.Errorf("calls = %d, want 5", gen.calls())
	}
	if got := s.History(false); len(got) != 2 {
		t.Errorf("history len = %d, want 2 after rollback", len(got))
	}
}

func TestSendMessageStreamSafetyIsTerminal(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{{chunks: []*genai.GenerateContentResponse{textChunk("", genai.FinishReasonSafety)}}}}
	s, sleeper := newTestSession(gen, nil)

	events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if err != nil {
		t.Fatal(err)
	}
	term := terminalOf(events)
	if term == nil || term.Failure.Reason != FailureSafety {
		t.Fatalf("terminal = %+v", term)
	}
	if gen.calls() != 1 || len(sleeper.delays) != 0 {
		t.Errorf("calls=%d sleeps=%d", gen.calls(), len(sleeper.delays))
	}
	if len(s.History(false)) != 0 {
		t.Error("user turn not rolled back")
	}
}

func TestSendMessageStreamToolCallWithoutFinishReason(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{{chunks: []*genai.GenerateContentResponse{
		callChunk("", &genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a"}}),
	}}}}
	s, _ := newTestSession(gen, nil)

	if _, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), "")); err != nil {
		t.Fatal(err)
	}
	if gen.calls() != 1 {
		t.Errorf("calls = %d, want 1", gen.calls())
	}
	hist := s.History(false)
	if len(hist) != 2 || hist[1].Parts[0].FunctionCall == nil {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSendMessageStreamTruncatesSecondMutatingCall(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&mutatingTool{name: "write_file"})
	first := &genai.FunctionCall{ID: "1", Name: "write_file"}
	second := &genai.FunctionCall{ID: "2", Name: "write_file"}
	gen := &fakeGenerator{scripts: []script{{chunks: []*genai.GenerateContentResponse{
		textChunk("Writing files.", ""),
		callChunk("", first),
		{
			Candidates:    []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: "and "}, {FunctionCall: second}}}}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 42},
		},
		textChunk("never read", genai.FinishReasonStop),
	}}}}
	s, _ := newTestSession(gen, nil, WithTools(reg))

	events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	last := events[2].Chunk
	if finishReasonOf(last) != genai.FinishReasonStop {
		t.Errorf("synthetic finish = %q", finishReasonOf(last))
	}
	if calls := FunctionCalls(last); len(calls) != 0 {
		t.Errorf("synthetic chunk carries calls: %v", calls)
	}
	if ResponseText(last) != "and " || last.UsageMetadata.PromptTokenCount != 42 {
		t.Errorf("synthetic chunk = %+v", last)
	}
	for _, ev := range events {
		if strings.Contains(ResponseText(ev.Chunk), "never read") {
			t.Error("stream continued past the truncation point")
		}
	}

	model := s.History(false)[1]
	var names []string
	for _, p := range model.Parts {
		if p.FunctionCall != nil {
			names = append(names, p.FunctionCall.ID)
		}
	}
	if len(names) != 1 || names[0] != "1" {
		t.Errorf("committed calls = %v", names)
	}
	if s.LastPromptTokenCount() != 42 {
		t.Errorf("prompt tokens = %d", s.LastPromptTokenCount())
	}
	if gen.requests[0].Config.Tools == nil {
		t.Error("tool declarations not sent")
	}
}

func TestSendMessageStreamSerializesSends(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{
		scripts: []script{
			{chunks: []*genai.GenerateContentResponse{textChunk("one", genai.FinishReasonStop)}, gate: gate},
			{chunks: []*genai.GenerateContentResponse{textChunk("two", genai.FinishReasonStop)}},
		},
		started: make(chan int, 2),
	}
	s, _ := newTestSession(gen, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = drain(t, s.SendMessageStream(context.Background(), "pro", userParts("first"), ""))
	}()
	if n := <-gen.started; n != 1 {
		t.Fatalf("first request number = %d", n)
	}
	go func() {
		defer wg.Done()
		_, _ = drain(t, s.SendMessageStream(context.Background(), "pro", userParts("second"), ""))
	}()

	select {
	case n := <-gen.started:
		t.Fatalf("request %d started before the first send finished", n)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	wg.Wait()

	if len(gen.requests) != 2 {
		t.Fatalf("requests = %d", len(gen.requests))
	}
	second := gen.requests[1].Contents
	if len(second) != 3 || second[1].Parts[0].Text != "one" || second[2].Parts[0].Text != "second" {
		t.Errorf("second request did not see the first exchange: %+v", second)
	}
}

func TestSendMessageStreamSingleUse(t *testing.T) {
	gen := &fakeGenerator{}
	s, _ := newTestSession(gen, nil)
	seq := s.SendMessageStream(context.Background(), "pro", userParts("q"), "")
	if _, err := drain(t, seq); err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, seq); !errors.Is(err, ErrStreamConsumed) {
		t.Fatalf("second range err = %v", err)
	}
	if gen.calls() != 1 {
		t.Errorf("calls = %d", gen.calls())
	}
}

func TestSendMessageStreamStallIsRetried(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{
		{chunks: []*genai.GenerateContentResponse{textChunk("slow", "")}, stall: true},
		{chunks: []*genai.GenerateContentResponse{textChunk("fast", genai.FinishReasonStop)}},
	}}
	cfg := DefaultSessionConfig()
	cfg.FirstChunkTimeout = time.Second
	cfg.ChunkTimeout = 20 * time.Millisecond
	s, _ := newTestSession(gen, &cfg)

	events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if err != nil {
		t.Fatal(err)
	}
	if terminalOf(events) != nil {
		t.Fatal("unexpected terminal failure")
	}
	if hist := s.History(false); len(hist) != 2 || hist[1].Parts[0].Text != "fast" {
		t.Errorf("history = %+v", hist)
	}
}

func TestSendMessageStreamChunkLimit(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []*genai.GenerateContentResponse
		wantCalls int
		wantText  string
	}{
		{
			name:      "exactly at the limit",
			chunks:    []*genai.GenerateContentResponse{textChunk("Hel", ""), textChunk("lo", genai.FinishReasonStop)},
			wantCalls: 1,
			wantText:  "Hello",
		},
		{
			name: "one past the limit",
			chunks: []*genai.GenerateContentResponse{
				textChunk("a", ""), textChunk("b", ""), textChunk("c", genai.FinishReasonStop),
			},
			wantCalls: 2,
			wantText:  "default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{scripts: []script{{chunks: tt.chunks}}}
			cfg := DefaultSessionConfig()
			cfg.MaxChunks = 2
			s, _ := newTestSession(gen, &cfg)

			events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
			if err != nil {
				t.Fatal(err)
			}
			if terminalOf(events) != nil {
				t.Fatal("unexpected terminal failure")
			}
			if got := gen.calls(); got != tt.wantCalls {
				t.Errorf("generator calls = %d, want %d", got, tt.wantCalls)
			}
			hist := s.History(false)
			if len(hist) != 2 || hist[1].Parts[0].Text != tt.wantText {
				t.Errorf("history = %+v", hist)
			}
		})
	}
}

func TestSendMessageStreamCancelledWhileQueued(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{
		scripts: []script{{chunks: []*genai.GenerateContentResponse{textChunk("one", genai.FinishReasonStop)}, gate: gate}},
		started: make(chan int, 2),
	}
	s, _ := newTestSession(gen, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = drain(t, s.SendMessageStream(context.Background(), "pro", userParts("first"), ""))
	}()
	<-gen.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events, err := drain(t, s.SendMessageStream(ctx, "pro", userParts("second"), ""))
	if err != nil {
		t.Errorf("cancelled send returned error %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v", events)
	}

	close(gate)
	<-done
	if gen.calls() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls())
	}
	if hist := s.History(false); len(hist) != 2 || hist[0].Parts[0].Text != "first" {
		t.Errorf("history = %+v", hist)
	}
}

func TestSendMessageStreamAbortIsSilent(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{
		{chunks: []*genai.GenerateContentResponse{textChunk("start", "")}, stall: true},
	}}
	s, _ := newTestSession(gen, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []StreamEvent
	for ev, err := range s.SendMessageStream(ctx, "pro", userParts("q"), "") {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		events = append(events, ev)
		cancel()
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
	if len(s.History(false)) != 0 {
		t.Error("aborted send left history behind")
	}
}

func TestSendMessageStreamEarlyBreakRollsBack(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{{chunks: []*genai.GenerateContentResponse{
		textChunk("a", ""),
		textChunk("b", genai.FinishReasonStop),
	}}}}
	s, _ := newTestSession(gen, nil)
	for range s.SendMessageStream(context.Background(), "pro", userParts("q"), "") {
		break
	}
	if len(s.History(false)) != 0 {
		t.Error("history not rolled back after early break")
	}
	// The semaphore must have been released.
	if _, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("again"), "")); err != nil {
		t.Fatal(err)
	}
	if len(s.History(false)) != 2 {
		t.Errorf("history len = %d", len(s.History(false)))
	}
}

func TestSendMessageStreamNonRetryableError(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&cyclicTool{})
	gen := &fakeGenerator{scripts: []script{{
		startErr: contentgen.ErrorFromStatusCode(400, "invalid schema", "gemini", "INVALID_ARGUMENT"),
	}}}
	s, sleeper := newTestSession(gen, nil, WithTools(reg))

	_, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if !contentgen.IsInvalidRequest(err) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "cyclic") || !strings.Contains(err.Error(), "loop") {
		t.Errorf("error not annotated: %v", err)
	}
	if len(sleeper.delays) != 0 || len(s.History(false)) != 0 {
		t.Error("non-retryable error was retried or left history behind")
	}
}

type cyclicTool struct{ mutatingTool }

func (c *cyclicTool) Name() string { return "loop" }
func (c *cyclicTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"$defs": map[string]any{
			"node": map[string]any{
				"type":       "object",
				"properties": map[string]any{"next": map[string]any{"$ref": "#/$defs/node"}},
			},
		},
		"properties": map[string]any{"root": map[string]any{"$ref": "#/$defs/node"}},
	}
}

func TestSendMessageStreamBudgetWarning(t *testing.T) {
	gen := &fakeGenerator{}
	cfg := DefaultSessionConfig()
	cfg.TokenLimit = 2000
	s, _ := newTestSession(gen, &cfg)
	for i := 0; i < 6; i++ {
		s.AddHistory(userText(strings.Repeat("u", 1200)))
		s.AddHistory(modelText(strings.Repeat("m", 1200)))
	}

	events, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("q"), ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Kind != EventWarning || !strings.Contains(events[0].Warning, "Removed") {
		t.Fatalf("first event = %+v", events)
	}
	if sent := len(gen.requests[0].Contents); sent >= 13 || sent < DefaultPreservedEntries {
		t.Errorf("sent %d contents", sent)
	}
	if got := len(s.History(false)); got != 14 {
		t.Errorf("stored history len = %d, want 14", got)
	}
}

func TestSendMessageStreamSendsCuratedHistory(t *testing.T) {
	gen := &fakeGenerator{}
	s, _ := newTestSession(gen, nil)
	if err := s.SetHistory([]*genai.Content{userText("u1"), modelEmpty(), userText("u2"), modelText("m2")}); err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, s.SendMessageStream(context.Background(), "pro", userParts("u3"), "")); err != nil {
		t.Fatal(err)
	}
	if got := len(gen.requests[0].Contents); got != 4 {
		t.Errorf("sent %d contents, want 4", got)
	}
	if got := len(s.History(false)); got != 6 {
		t.Errorf("comprehensive history len = %d, want 6", got)
	}
}

func TestSendMessageFallbackSwitch(t *testing.T) {
	quota := contentgen.ErrorFromStatusCode(429, "Quota exceeded for quota metric 'requests per day'", "gemini", "RESOURCE_EXHAUSTED")
	gen := &fakeGenerator{scripts: []script{
		{startErr: quota},
		{chunks: []*genai.GenerateContentResponse{textChunk("from flash", genai.FinishReasonStop)}},
	}}
	logger := observability.DiscardLogger()
	rc := NewRetryController(
		WithSleep((&sleepRecorder{}).sleep),
		WithRetryLogger(logger),
		WithFallbackModel("flash"),
		WithFallbackHandler(func(context.Context, string, string, error) (FallbackIntent, error) {
			return IntentRetry, nil
		}),
	)
	s := NewSession(gen, nil, WithLogger(logger), WithRetryController(rc))

	resp, err := s.SendMessage(context.Background(), "pro", userParts("q"), "")
	if err != nil {
		t.Fatal(err)
	}
	if ResponseText(resp) != "from flash" {
		t.Errorf("text = %q", ResponseText(resp))
	}
	if gen.requests[1].Model != "flash" || !s.RetryController().InFallback() {
		t.Errorf("second request model = %q", gen.requests[1].Model)
	}
}

func TestSendMessageReturnsFailure(t *testing.T) {
	gen := &fakeGenerator{scripts: []script{{chunks: []*genai.GenerateContentResponse{textChunk("", genai.FinishReasonRecitation)}}}}
	s, _ := newTestSession(gen, nil)
	_, err := s.SendMessage(context.Background(), "pro", userParts("q"), "")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Reason != FailureRecitation {
		t.Fatalf("err = %v", err)
	}
}
