package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/chat"
	"github.com/ongas/gemini-cli-sub000/config"
	"github.com/ongas/gemini-cli-sub000/recording"
	"github.com/ongas/gemini-cli-sub000/scheduler"
	"github.com/ongas/gemini-cli-sub000/tools"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"config", "models"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{
		config.EnvConfigPath, "GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_GENAI_USE_VERTEXAI",
		"GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_LOCATION", "GEMCHAT_MODEL", "GEMCHAT_APPROVAL_MODE",
	} {
		t.Setenv(k, "")
	}
}

func TestConfigShowMasksAPIKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("GEMINI_API_KEY", "sk-very-secret-value")

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--debug"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "sk-very-secret-value") {
		t.Error("api key printed in clear")
	}
	if !strings.Contains(out.String(), "level: debug") {
		t.Errorf("--debug not applied:\n%s", out.String())
	}
}

func TestModelsCmdFiltersByProvider(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"models", "--provider", "gemini"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "gemini-2.5-pro") {
		t.Errorf("missing default model:\n%s", out.String())
	}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n")[1:] {
		if !strings.Contains(line, " gemini ") {
			t.Errorf("unexpected row %q", line)
		}
	}
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	isolateEnv(t)
	cfg, err := loadConfig(&rootOptions{model: "gemini-2.5-flash", approvalMode: "yolo"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "gemini-2.5-flash" || cfg.Approval.Mode != scheduler.ApprovalYolo {
		t.Errorf("model=%q mode=%q", cfg.Agent.Model, cfg.Approval.Mode)
	}
	if _, err := loadConfig(&rootOptions{approvalMode: "never"}); err == nil {
		t.Error("expected error for bad approval mode")
	}
}

func TestConsoleApprove(t *testing.T) {
	call := scheduler.Call{
		Request: scheduler.Request{CallID: "1", Name: "run_shell_command"},
		Confirmation: &tools.Confirmation{
			Type:    tools.ConfirmExec,
			Title:   "Run ls",
			Command: "ls -la",
		},
	}
	tests := []struct {
		name  string
		input string
		want  scheduler.Outcome
	}{
		{"yes", "y\n", scheduler.OutcomeProceedOnce},
		{"always", "a\n", scheduler.OutcomeProceedAlways},
		{"tool", "t\n", scheduler.OutcomeProceedAlwaysTool},
		{"no", "n\n", scheduler.OutcomeCancel},
		{"empty defaults to no", "\n", scheduler.OutcomeCancel},
		{"edit not offered for commands", "e\ny\n", scheduler.OutcomeProceedOnce},
		{"eof", "", scheduler.OutcomeCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			c := newConsole(strings.NewReader(tt.input), &out, &errOut, true)
			got, mod, err := c.Approve(context.Background(), call)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want || mod != nil {
				t.Errorf("outcome = %q, %v; want %q", got, mod, tt.want)
			}
			if !strings.Contains(errOut.String(), "$ ls -la") {
				t.Errorf("command not shown:\n%s", errOut.String())
			}
		})
	}
}

func TestConsoleApproveEditOffer(t *testing.T) {
	var errOut bytes.Buffer
	c := newConsole(strings.NewReader("e\n"), &bytes.Buffer{}, &errOut, true)
	call := scheduler.Call{
		Request: scheduler.Request{CallID: "1", Name: "write_file"},
		Confirmation: &tools.Confirmation{
			Type:     tools.ConfirmEdit,
			Title:    "Write a.txt",
			FileDiff: "--- a.txt\n+++ a.txt\n+hello\n",
		},
	}
	got, _, err := c.Approve(context.Background(), call)
	if err != nil {
		t.Fatal(err)
	}
	if got != scheduler.OutcomeModifyWithEditor {
		t.Errorf("outcome = %q", got)
	}
	if !strings.Contains(errOut.String(), "+hello") {
		t.Errorf("diff not shown:\n%s", errOut.String())
	}
}

func TestConsoleApproveNonInteractiveCancels(t *testing.T) {
	var errOut bytes.Buffer
	c := newConsole(strings.NewReader("y\n"), &bytes.Buffer{}, &errOut, false)
	got, _, err := c.Approve(context.Background(), scheduler.Call{Request: scheduler.Request{Name: "replace"}})
	if err != nil || got != scheduler.OutcomeCancel {
		t.Fatalf("outcome = %q, %v", got, err)
	}
	if !strings.Contains(errOut.String(), "Skipped replace") {
		t.Errorf("notice = %q", errOut.String())
	}
	if _, err := c.Edit(context.Background(), &tools.Confirmation{}); err == nil {
		t.Error("Edit without a terminal should fail")
	}
}

func TestConsoleApproveRespectsContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := newConsole(pr, &bytes.Buffer{}, &bytes.Buffer{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, _, err := c.Approve(ctx, scheduler.Call{Request: scheduler.Request{Name: "replace"}})
	if err != nil || got != scheduler.OutcomeCancel {
		t.Fatalf("outcome = %q, %v", got, err)
	}
}

func TestConsoleStreamsReply(t *testing.T) {
	var out, errOut bytes.Buffer
	c := newConsole(strings.NewReader(""), &out, &errOut, true)
	chunk := func(text string) chat.StreamEvent {
		return chat.StreamEvent{Kind: chat.EventChunk, Chunk: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
		}}
	}

	c.StreamEvent(chunk("Hello, "))
	c.StreamEvent(chat.StreamEvent{Kind: chat.EventRetry, Retry: &chat.RetryInfo{Reason: "no finish reason", Attempt: 0, MaxAttempts: 5}})
	c.StreamEvent(chunk("world"))
	c.StreamEvent(chat.StreamEvent{Kind: chat.EventRetry, Retry: &chat.RetryInfo{Terminal: true}})
	c.endReply()

	if got, want := out.String(), "Hello, \nworld\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if !strings.Contains(errOut.String(), "Retrying") {
		t.Errorf("retry notice missing: %q", errOut.String())
	}
	if strings.Count(errOut.String(), "\n") != 1 {
		t.Errorf("terminal retry should not be printed: %q", errOut.String())
	}
}

func TestConsoleToolEventsPrintOnStatusChange(t *testing.T) {
	var errOut bytes.Buffer
	c := newConsole(strings.NewReader(""), &bytes.Buffer{}, &errOut, true)
	call := scheduler.Call{Request: scheduler.Request{CallID: "1", Name: "glob"}, Status: scheduler.StatusExecuting}

	c.ToolEvent(scheduler.Event{Kind: scheduler.EventBatchUpdate, Calls: []scheduler.Call{call}})
	c.ToolEvent(scheduler.Event{Kind: scheduler.EventBatchUpdate, Calls: []scheduler.Call{call}})
	c.ToolEvent(scheduler.Event{Kind: scheduler.EventOutput, CallID: "1", Output: "x"})
	call.Status = scheduler.StatusError
	call.Err = errors.New("bad pattern")
	c.ToolEvent(scheduler.Event{Kind: scheduler.EventAllComplete, Calls: []scheduler.Call{call}})

	lines := strings.Split(strings.TrimSpace(errOut.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[1], "bad pattern") {
		t.Errorf("error line = %q", lines[1])
	}
	if len(c.statuses) != 0 {
		t.Errorf("statuses not cleared: %v", c.statuses)
	}
}

func TestConsoleFailureExplains(t *testing.T) {
	var errOut bytes.Buffer
	c := newConsole(strings.NewReader(""), &bytes.Buffer{}, &errOut, true)
	c.failure(&chat.Failure{Reason: chat.FailureSafety, Model: "m", Attempts: 1})
	if !strings.Contains(errOut.String(), "safety filters") {
		t.Errorf("got %q", errOut.String())
	}
}

func TestConsoleConfirmFallback(t *testing.T) {
	tests := []struct {
		input string
		want  chat.FallbackIntent
	}{
		{"\n", chat.IntentRetry},
		{"n\n", chat.IntentStop},
		{"a\n", chat.IntentAuth},
		{"maybe\ny\n", chat.IntentRetry},
		{"", chat.IntentStop},
	}
	for _, tt := range tests {
		c := newConsole(strings.NewReader(tt.input), &bytes.Buffer{}, &bytes.Buffer{}, true)
		got, err := c.confirmFallback(context.Background(), "pro", "flash", errors.New("429"))
		if err != nil || got != tt.want {
			t.Errorf("input %q: got %v, %v; want %v", tt.input, got, err, tt.want)
		}
	}

	c := newConsole(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, false)
	if got, _ := c.confirmFallback(context.Background(), "pro", "flash", nil); got != chat.IntentRetry {
		t.Errorf("non-interactive = %v", got)
	}
}

func TestOpenRecorderAndResume(t *testing.T) {
	sink, err := openRecorder(config.RecordingConfig{Format: "none"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.(recording.NopSink); !ok {
		t.Fatalf("sink = %T", sink)
	}
	if _, err := loadHistory(context.Background(), config.RecordingConfig{}, sink, "abc"); err == nil {
		t.Error("resume without a recorder should fail")
	}

	path := t.TempDir() + "/history.jsonl"
	cfg := config.RecordingConfig{Format: "JSONL", Path: path}
	sink, err = openRecorder(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	ctx := context.Background()
	if err := sink.RecordMessage(ctx, recording.MessageRecord{
		SessionID: "s1",
		Role:      genai.RoleUser,
		Content:   genai.NewContentFromText("hi", genai.RoleUser),
	}); err != nil {
		t.Fatal(err)
	}
	turns, err := loadHistory(ctx, cfg, sink, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Parts[0].Text != "hi" {
		t.Errorf("turns = %+v", turns)
	}
	if _, err := loadHistory(ctx, cfg, sink, "other"); err == nil {
		t.Error("unknown session should fail")
	}
}
