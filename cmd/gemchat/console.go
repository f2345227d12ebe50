package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/ongas/gemini-cli-sub000/chat"
	"github.com/ongas/gemini-cli-sub000/scheduler"
	"github.com/ongas/gemini-cli-sub000/tools"
)

// console is the terminal front end. Model text goes to stdout, everything
// else to stderr. It implements agent.Observer, scheduler.Approver and
// scheduler.Editor.
type console struct {
	in          io.Reader
	out, errOut io.Writer
	interactive bool

	mu       sync.Mutex
	midLine  bool
	statuses map[string]scheduler.Status

	startRead sync.Once
	lines     chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func newConsole(in io.Reader, out, errOut io.Writer, interactive bool) *console {
	return &console{
		in:          in,
		out:         out,
		errOut:      errOut,
		interactive: interactive,
		statuses:    make(map[string]scheduler.Status),
		lines:       make(chan lineResult),
	}
}

// readLine prints prompt and waits for a line of input.
func (c *console) readLine(prompt string) (string, error) {
	return c.ask(context.Background(), prompt)
}

// ask is readLine that gives up when ctx is done. A line typed after that is
// delivered to the next reader.
func (c *console) ask(ctx context.Context, prompt string) (string, error) {
	c.startRead.Do(func() { go c.readLoop() })
	c.mu.Lock()
	c.breakLine()
	fmt.Fprint(c.errOut, prompt)
	c.mu.Unlock()

	select {
	case r, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return r.line, r.err
	case <-ctx.Done():
		fmt.Fprintln(c.errOut)
		return "", ctx.Err()
	}
}

func (c *console) readLoop() {
	defer close(c.lines)
	sc := bufio.NewScanner(c.in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		c.lines <- lineResult{line: sc.Text()}
	}
	if err := sc.Err(); err != nil {
		c.lines <- lineResult{err: err}
	}
}

func (c *console) banner(model, sessionID string, mode scheduler.ApprovalMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.errOut, "gemchat %s  model %s  approval %s\n", version, model, mode)
	fmt.Fprintf(c.errOut, "session %s\n", sessionID)
	fmt.Fprintln(c.errOut, "Type /help for commands, Ctrl+C to interrupt a reply, Ctrl+D to quit.")
}

func (c *console) info(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintln(c.errOut, msg)
}

func (c *console) failure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	var f *chat.Failure
	if errors.As(err, &f) {
		fmt.Fprintf(c.errOut, "Error: %s\n", f.Explanation())
		return
	}
	fmt.Fprintf(c.errOut, "Error: %v\n", err)
}

// endReply finishes the line of a streamed reply.
func (c *console) endReply() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
}

// breakLine ends a partially written reply line. c.mu must be held.
func (c *console) breakLine() {
	if c.midLine {
		fmt.Fprintln(c.out)
		c.midLine = false
	}
}

// StreamEvent prints reply text and retry notices.
func (c *console) StreamEvent(ev chat.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case chat.EventChunk:
		text := chat.ResponseText(ev.Chunk)
		if text == "" {
			return
		}
		fmt.Fprint(c.out, text)
		c.midLine = !strings.HasSuffix(text, "\n")
	case chat.EventRetry:
		if ev.Retry.Terminal {
			return
		}
		c.breakLine()
		fmt.Fprintf(c.errOut, "! %s\n", ev.Retry.Message())
	case chat.EventWarning:
		c.breakLine()
		fmt.Fprintf(c.errOut, "! %s\n", ev.Warning)
	}
}

// ToolEvent prints a line whenever a call changes status.
func (c *console) ToolEvent(ev scheduler.Event) {
	if ev.Kind == scheduler.EventOutput {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range ev.Calls {
		id := call.Request.CallID
		if c.statuses[id] == call.Status {
			continue
		}
		c.statuses[id] = call.Status
		if line := statusLine(call); line != "" {
			c.breakLine()
			fmt.Fprintln(c.errOut, line)
		}
	}
	if ev.Kind == scheduler.EventAllComplete {
		for _, call := range ev.Calls {
			delete(c.statuses, call.Request.CallID)
		}
	}
}

func statusLine(call scheduler.Call) string {
	name := call.Request.Name
	switch call.Status {
	case scheduler.StatusExecuting:
		if call.Confirmation != nil && call.Confirmation.Title != "" {
			return fmt.Sprintf("  > %s", call.Confirmation.Title)
		}
		return fmt.Sprintf("  > %s", name)
	case scheduler.StatusSuccess:
		return fmt.Sprintf("  ok %s (%s)", name, call.Duration.Round(1e6))
	case scheduler.StatusError:
		return fmt.Sprintf("  x %s: %v", name, call.Err)
	case scheduler.StatusCancelled:
		return fmt.Sprintf("  - %s cancelled", name)
	}
	return ""
}

// Warning prints an agent notice.
func (c *console) Warning(msg string) {
	c.info("! " + msg)
}

// Approve asks whether a call may run. Without a terminal every call that
// needs approval is cancelled.
func (c *console) Approve(ctx context.Context, call scheduler.Call) (scheduler.Outcome, *scheduler.Modification, error) {
	conf := call.Confirmation
	if !c.interactive {
		c.info(fmt.Sprintf("Skipped %s: approval required. Use --approval-mode to allow it.", call.Request.Name))
		return scheduler.OutcomeCancel, nil, nil
	}

	c.mu.Lock()
	c.breakLine()
	c.describe(call)
	c.mu.Unlock()

	prompt := "Allow? [y]es, [a]lways, always for this [t]ool, [n]o: "
	if conf != nil && conf.Type == tools.ConfirmEdit {
		prompt = "Apply? [y]es, [a]lways, always for this [t]ool, [e]dit, [n]o: "
	}
	for {
		answer, err := c.ask(ctx, prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return scheduler.OutcomeCancel, nil, nil
			}
			return "", nil, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return scheduler.OutcomeProceedOnce, nil, nil
		case "a", "always":
			return scheduler.OutcomeProceedAlways, nil, nil
		case "t", "tool":
			return scheduler.OutcomeProceedAlwaysTool, nil, nil
		case "e", "edit":
			if conf != nil && conf.Type == tools.ConfirmEdit {
				return scheduler.OutcomeModifyWithEditor, nil, nil
			}
		case "n", "no", "":
			return scheduler.OutcomeCancel, nil, nil
		}
	}
}

// describe prints what a call is about to do. c.mu must be held.
func (c *console) describe(call scheduler.Call) {
	conf := call.Confirmation
	if conf == nil {
		fmt.Fprintf(c.errOut, "%s wants to run.\n", call.Request.Name)
		return
	}
	rule := strings.Repeat("-", c.width())
	fmt.Fprintln(c.errOut, rule)
	fmt.Fprintln(c.errOut, conf.Title)
	switch conf.Type {
	case tools.ConfirmEdit:
		fmt.Fprint(c.errOut, conf.FileDiff)
		if !strings.HasSuffix(conf.FileDiff, "\n") {
			fmt.Fprintln(c.errOut)
		}
	case tools.ConfirmExec:
		fmt.Fprintf(c.errOut, "$ %s\n", conf.Command)
	default:
		if conf.Prompt != "" {
			fmt.Fprintln(c.errOut, conf.Prompt)
		}
	}
	fmt.Fprintln(c.errOut, rule)
}

func (c *console) width() int {
	if f, ok := c.errOut.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return min(w, 100)
		}
	}
	return 60
}

// Edit opens the proposed content in $VISUAL or $EDITOR and returns the saved
// file.
func (c *console) Edit(ctx context.Context, proposal *tools.Confirmation) (string, error) {
	if !c.interactive {
		return "", errors.New("editing needs an interactive terminal")
	}
	editor := firstEnv("VISUAL", "EDITOR")
	if editor == "" {
		editor = "vi"
	}

	f, err := os.CreateTemp("", "gemchat-*"+filepath.Ext(proposal.FilePath))
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(proposal.NewContent); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	args := strings.Fields(editor)
	cmd := exec.CommandContext(ctx, args[0], append(args[1:], f.Name())...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run editor %s: %w", args[0], err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// confirmFallback asks whether to continue on the fallback model after a
// persistent quota error. Without a terminal it switches automatically.
func (c *console) confirmFallback(ctx context.Context, failedModel, fallbackModel string, err error) (chat.FallbackIntent, error) {
	if !c.interactive {
		c.info(fmt.Sprintf("! %s is over quota, switching to %s.", failedModel, fallbackModel))
		return chat.IntentRetry, nil
	}
	c.info(fmt.Sprintf("! %s appears to be over quota (%v).", failedModel, err))
	for {
		answer, rerr := c.ask(ctx, fmt.Sprintf("Switch to %s for this session? [y]es, [n]o, change [a]uth: ", fallbackModel))
		if rerr != nil {
			return chat.IntentStop, nil
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes", "":
			return chat.IntentRetry, nil
		case "n", "no":
			return chat.IntentStop, nil
		case "a", "auth":
			return chat.IntentAuth, nil
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
