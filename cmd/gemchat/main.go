// Command gemchat is an interactive coding assistant in the terminal.
//
// # Basic Usage
//
// Start an interactive session in the current directory:
//
//	gemchat
//
// Answer a single prompt and exit:
//
//	gemchat -p "explain what main.go does"
//	git diff | gemchat -p "write a commit message for this diff"
//
// Continue a recorded session:
//
//	gemchat --resume 2b9c0a64-...
//
// # Environment Variables
//
//   - GEMINI_API_KEY: Gemini API key
//   - GEMCHAT_CONFIG: path to the YAML configuration file
//   - GEMCHAT_MODEL: model override
//   - GEMCHAT_APPROVAL_MODE: default, auto_edit or yolo
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ongas/gemini-cli-sub000/agent"
	"github.com/ongas/gemini-cli-sub000/config"
	"github.com/ongas/gemini-cli-sub000/scheduler"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the flags of the root command.
type rootOptions struct {
	configPath   string
	model        string
	approvalMode string
	prompt       string
	resume       string
	debug        bool
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gemchat [prompt]",
		Short: "Chat with a model that can read, edit and run code in this directory",
		Long: `gemchat streams a conversation with a Gemini (or gollm-backed) model that can
call tools to read and edit files, search the tree and run shell commands.

Tool calls that change files or run commands ask for approval unless the
approval mode allows them.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.prompt == "" && len(args) > 0 {
				opts.prompt = strings.Join(args, " ")
			}
			return runRoot(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file (default ~/.gemchat/config.yaml)")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model to use")
	cmd.Flags().StringVar(&opts.approvalMode, "approval-mode", "", "Approval mode: default, auto_edit or yolo")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Answer this prompt and exit")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "Resume a recorded session by ID")

	cmd.AddCommand(
		buildConfigCmd(opts),
		buildModelsCmd(),
	)
	return cmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.Agent.Model = opts.model
	}
	if opts.approvalMode != "" {
		mode, err := scheduler.ParseApprovalMode(opts.approvalMode)
		if err != nil {
			return nil, err
		}
		cfg.Approval.Mode = mode
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func runRoot(ctx context.Context, opts *rootOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	interactive := opts.prompt == "" && isTerminal(stdin)
	if !interactive && opts.prompt == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		opts.prompt = strings.TrimSpace(string(data))
		if opts.prompt == "" {
			return errors.New("no prompt given")
		}
	} else if opts.prompt != "" && !isTerminal(stdin) {
		// Piped input becomes context for the prompt.
		if data, err := io.ReadAll(stdin); err == nil && len(data) > 0 {
			opts.prompt = opts.prompt + "\n\n" + string(data)
		}
	}

	console := newConsole(stdin, stdout, stderr, interactive)
	a, err := newApp(ctx, cfg, console, opts.resume)
	if err != nil {
		return err
	}
	defer a.Close()

	if !interactive {
		return a.runOnce(ctx, opts.prompt)
	}
	return a.repl(ctx)
}

// runOnce answers a single prompt.
func (a *app) runOnce(ctx context.Context, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, err := a.agent.Run(ctx, prompt)
	a.console.endReply()
	return a.reportRunError(err)
}

// repl reads prompts until EOF or /quit.
func (a *app) repl(ctx context.Context) error {
	a.console.banner(a.agent.Model(), a.session.ID(), a.scheduler.ApprovalMode())
	for {
		line, err := a.console.readLine("> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.command(line); quit {
				return nil
			}
			continue
		}

		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		_, err = a.agent.Run(runCtx, line)
		stop()
		a.console.endReply()
		_ = a.reportRunError(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// command handles a slash command and reports whether to quit.
func (a *app) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/clear":
		a.session.ClearHistory()
		a.console.info("History cleared.")
	case "/mode":
		if len(fields) < 2 {
			a.console.info(fmt.Sprintf("Approval mode: %s", a.scheduler.ApprovalMode()))
			break
		}
		mode, err := scheduler.ParseApprovalMode(fields[1])
		if err != nil {
			a.console.info(err.Error())
			break
		}
		a.scheduler.SetApprovalMode(mode)
		a.console.info(fmt.Sprintf("Approval mode set to %s.", mode))
	case "/model":
		if len(fields) > 1 {
			a.agent.SetModel(fields[1])
			a.retry.ResetFallback()
		}
		a.console.info(fmt.Sprintf("Model: %s", a.retry.ModelFor(a.agent.Model())))
	case "/help":
		a.console.info("/clear  forget the conversation\n/mode [default|auto_edit|yolo]\n/model [name]\n/quit")
	default:
		a.console.info(fmt.Sprintf("Unknown command %s (try /help).", fields[0]))
	}
	return false
}

// reportRunError prints a failed run and returns the error for non-
// interactive exit status. Cancellation by the user is not an error.
func (a *app) reportRunError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		a.console.info("Cancelled.")
		return nil
	case errors.Is(err, agent.ErrCancelled):
		a.console.info("Tool calls cancelled.")
		return nil
	}
	a.console.failure(err)
	a.logger.Debug("run failed", "error", err)
	return err
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
