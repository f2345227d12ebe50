package agent

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/chat"
	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/observability"
	"github.com/ongas/gemini-cli-sub000/scheduler"
	"github.com/ongas/gemini-cli-sub000/tools"
)

// scriptedGenerator replies with one scripted chunk per request and with a
// plain "done" reply once the script runs out.
type scriptedGenerator struct {
	mu       sync.Mutex
	replies  []*genai.GenerateContentResponse
	requests []contentgen.Request
}

func (g *scriptedGenerator) GenerateContent(context.Context, contentgen.Request) (*genai.GenerateContentResponse, error) {
	return nil, errors.New("not implemented")
}

func (g *scriptedGenerator) GenerateContentStream(_ context.Context, req contentgen.Request) (iter.Seq2[*genai.GenerateContentResponse, error], error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	reply := textReply("done", genai.FinishReasonStop)
	if len(g.replies) > 0 {
		reply, g.replies = g.replies[0], g.replies[1:]
	}
	g.mu.Unlock()
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		yield(reply, nil)
	}, nil
}

func (g *scriptedGenerator) CountTokens(context.Context, contentgen.CountTokensRequest) (int, error) {
	return 0, nil
}

func (g *scriptedGenerator) EmbedContent(context.Context, contentgen.EmbedRequest) ([][]float32, error) {
	return nil, nil
}

func (g *scriptedGenerator) request(i int) contentgen.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func (g *scriptedGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type echoTool struct {
	confirm bool
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echoes text.\nSecond line." }
func (e *echoTool) Kind() tools.Kind    { return tools.KindExecute }

func (e *echoTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}

func (e *echoTool) ConfirmationDetails(context.Context, map[string]any) (*tools.Confirmation, error) {
	if !e.confirm {
		return nil, nil
	}
	return &tools.Confirmation{Type: tools.ConfirmExec, Title: "echo", AllowKey: "echo"}, nil
}

func (e *echoTool) Execute(_ context.Context, args map[string]any, _ tools.OutputFunc) (tools.Result, error) {
	text, _ := tools.GetStringArg(args, "text")
	return tools.Result{LLMContent: "echo: " + text}, nil
}

func textReply(text string, finish genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      genai.NewContentFromText(text, genai.RoleModel),
		FinishReason: finish,
	}}}
}

func callReply(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
			{FunctionCall: &genai.FunctionCall{Name: name, Args: args}},
		}},
		FinishReason: genai.FinishReasonStop,
	}}}
}

type warnings struct {
	mu   sync.Mutex
	msgs []string
	tool []scheduler.Event
}

func (w *warnings) observer() Observer {
	return ObserverFuncs{
		OnWarning: func(msg string) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.msgs = append(w.msgs, msg)
		},
		OnTool: func(ev scheduler.Event) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.tool = append(w.tool, ev)
		},
	}
}

func newTestAgent(t *testing.T, gen *scriptedGenerator, tool *echoTool, cfg Config, schedOpts ...scheduler.Option) (*Agent, *warnings) {
	t.Helper()
	logger := observability.DiscardLogger()
	reg := tools.NewRegistry()
	reg.Register(tool)
	retry := chat.NewRetryController(
		chat.WithSleep(func(context.Context, time.Duration) error { return nil }),
		chat.WithRetryLogger(logger),
	)
	sess := chat.NewSession(gen, nil, chat.WithTools(reg), chat.WithRetryController(retry), chat.WithLogger(logger))
	sched := scheduler.New(reg, append([]scheduler.Option{scheduler.WithLogger(logger)}, schedOpts...)...)
	w := &warnings{}
	a := New(sess, sched, cfg, WithObserver(w.observer()), WithLogger(logger))
	t.Cleanup(a.Close)
	return a, w
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunSendsToolResponsesBack(t *testing.T) {
	gen := &scriptedGenerator{replies: []*genai.GenerateContentResponse{
		callReply("echo", map[string]any{"text": "hi"}),
		textReply("all done", genai.FinishReasonStop),
	}}
	a, w := newTestAgent(t, gen, &echoTool{}, DefaultConfig())

	res, err := a.Run(testContext(t), "say hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "all done" || res.Turns != 2 || len(res.ToolCalls) != 1 {
		t.Fatalf("result = %+v", res)
	}

	second := gen.request(1)
	last := second.Contents[len(second.Contents)-1]
	if last.Role != genai.RoleUser || len(last.Parts) != 1 || last.Parts[0].FunctionResponse == nil {
		t.Fatalf("second request ends with %+v", last)
	}
	fr := last.Parts[0].FunctionResponse
	if fr.Name != "echo" || fr.Response["output"] != "echo: hi" || !strings.HasPrefix(fr.ID, "echo-") {
		t.Errorf("function response = %+v", fr)
	}
	if second.PromptID != res.PromptID {
		t.Errorf("prompt id = %q, want %q", second.PromptID, res.PromptID)
	}
	if got := len(a.Session().History(false)); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}

	a.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.tool); n == 0 || w.tool[n-1].Kind != scheduler.EventAllComplete {
		t.Errorf("tool events = %d, last not all_complete", n)
	}
}

func TestRunTerminalFailure(t *testing.T) {
	gen := &scriptedGenerator{replies: []*genai.GenerateContentResponse{
		textReply("partial", genai.FinishReasonSafety),
	}}
	a, _ := newTestAgent(t, gen, &echoTool{}, DefaultConfig())

	res, err := a.Run(testContext(t), "hello")
	var failure *chat.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *chat.Failure", err)
	}
	if res.Turns != 1 || gen.count() != 1 {
		t.Errorf("turns = %d, requests = %d", res.Turns, gen.count())
	}
	if got := len(a.Session().History(false)); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestRunDetectsLoops(t *testing.T) {
	same := func() *genai.GenerateContentResponse {
		return callReply("echo", map[string]any{"text": "again"})
	}
	gen := &scriptedGenerator{replies: []*genai.GenerateContentResponse{same(), same(), same(), same()}}
	a, w := newTestAgent(t, gen, &echoTool{}, Config{Model: "gemini-2.5-pro", MaxTurns: 4, LoopWindow: 3})

	_, err := a.Run(testContext(t), "loop")
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}

	fourth := gen.request(3)
	last := fourth.Contents[len(fourth.Contents)-1]
	if n := len(last.Parts); n != 2 || !strings.HasPrefix(last.Parts[1].Text, "Loop detected") {
		t.Errorf("fourth request ends with %+v", last)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var loops, limits int
	for _, m := range w.msgs {
		switch {
		case strings.HasPrefix(m, "Loop detected"):
			loops++
		case strings.Contains(m, "limit of 4 turns"):
			limits++
		}
	}
	if loops != 2 || limits != 1 {
		t.Errorf("warnings = %q", w.msgs)
	}
}

func TestRunCancelledBatchIsNotSent(t *testing.T) {
	gen := &scriptedGenerator{replies: []*genai.GenerateContentResponse{
		callReply("echo", map[string]any{"text": "rm -rf"}),
	}}
	deny := scheduler.ApproverFunc(func(context.Context, scheduler.Call) (scheduler.Outcome, *scheduler.Modification, error) {
		return scheduler.OutcomeCancel, nil, nil
	})
	a, _ := newTestAgent(t, gen, &echoTool{confirm: true}, DefaultConfig(), scheduler.WithApprover(deny))

	res, err := a.Run(testContext(t), "clean up")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if gen.count() != 1 {
		t.Errorf("requests = %d, want 1", gen.count())
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != scheduler.StatusCancelled {
		t.Errorf("tool calls = %+v", res.ToolCalls)
	}

	history := a.Session().History(false)
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	msg, _ := history[2].Parts[0].FunctionResponse.Response["error"].(string)
	if !strings.HasPrefix(msg, "[Operation Cancelled]") {
		t.Errorf("stored response = %q", msg)
	}
}

func TestRunAfterClose(t *testing.T) {
	a, _ := newTestAgent(t, &scriptedGenerator{}, &echoTool{}, DefaultConfig())
	a.Close()
	if _, err := a.Run(context.Background(), "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestBatchResponsesTakenOnce(t *testing.T) {
	part := genai.NewPartFromFunctionResponse("echo", map[string]any{"output": "x"})
	b := &batch{calls: []scheduler.Call{{Response: part}}}
	parts, ok := b.take()
	if !ok || len(parts) != 1 {
		t.Fatalf("first take = %v, %v", parts, ok)
	}
	if _, ok := b.take(); ok {
		t.Error("second take succeeded")
	}
}

func TestRepeating(t *testing.T) {
	tests := []struct {
		name   string
		sigs   []string
		window int
		want   bool
	}{
		{"too short", []string{"a", "a"}, 3, false},
		{"same call", []string{"a", "a", "a", "a"}, 4, true},
		{"pair", []string{"a", "b", "a", "b"}, 4, true},
		{"triple", []string{"a", "b", "c", "a", "b", "c"}, 6, true},
		{"varied", []string{"a", "b", "c", "d"}, 4, false},
		{"broken pair", []string{"a", "b", "a", "c"}, 4, false},
		{"old prefix ignored", []string{"x", "a", "a", "a"}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := repeating(tt.sigs, tt.window); got != tt.want {
				t.Errorf("repeating = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallSignature(t *testing.T) {
	a := callSignature(&genai.FunctionCall{Name: "echo", Args: map[string]any{"a": 1, "b": "x"}})
	b := callSignature(&genai.FunctionCall{Name: "echo", Args: map[string]any{"b": "x", "a": 1}})
	c := callSignature(&genai.FunctionCall{Name: "echo", Args: map[string]any{"a": 2, "b": "x"}})
	if a != b {
		t.Errorf("equal args hash differently: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different args hash equally")
	}
	if !strings.HasPrefix(a, "echo:") {
		t.Errorf("signature = %s", a)
	}
}

func TestLoopDetectorDisabled(t *testing.T) {
	d := newLoopDetector(0)
	call := &genai.FunctionCall{Name: "echo"}
	for i := 0; i < 5; i++ {
		if d.observe([]*genai.FunctionCall{call}) {
			t.Fatal("disabled detector reported a loop")
		}
	}
}

func TestBuildSystemInstruction(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, InstructionFileName), []byte("Always run gofmt."), 0o644); err != nil {
		t.Fatal(err)
	}
	env, err := tools.NewLocalEnvironment(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})

	got := BuildSystemInstruction(env, reg, PromptOptions{Model: "gemini-2.5-pro", UserInstructions: "Be brief."})
	for _, want := range []string{
		"<environment>",
		"Working directory: " + env.WorkingDirectory(),
		"Model: gemini-2.5-pro",
		"- echo: Echoes text.\n",
		"Always run gofmt.",
		"# User Instructions\n\nBe brief.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system instruction missing %q", want)
		}
	}
	if strings.Contains(got, "Second line.") {
		t.Error("tool description not cut to its first line")
	}

	skipped := BuildSystemInstruction(env, reg, PromptOptions{SkipInstructionFiles: true})
	if strings.Contains(skipped, "Always run gofmt.") {
		t.Error("instruction files read although skipped")
	}
}

func TestPathHierarchy(t *testing.T) {
	root := filepath.FromSlash("/repo")
	tests := []struct {
		target string
		want   []string
	}{
		{"/repo", []string{"/repo"}},
		{"/repo/a/b", []string{"/repo", "/repo/a", "/repo/a/b"}},
		{"/elsewhere", []string{"/elsewhere"}},
	}
	for _, tt := range tests {
		got := pathHierarchy(root, filepath.FromSlash(tt.target))
		if len(got) != len(tt.want) {
			t.Errorf("pathHierarchy(%s) = %v", tt.target, got)
			continue
		}
		for i := range got {
			if got[i] != filepath.FromSlash(tt.want[i]) {
				t.Errorf("pathHierarchy(%s) = %v", tt.target, got)
				break
			}
		}
	}
}
