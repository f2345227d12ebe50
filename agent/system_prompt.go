package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ongas/gemini-cli-sub000/tools"
)

// InstructionFileName is the per-directory instruction file picked up by
// DiscoverInstructions.
const InstructionFileName = "GEMINI.md"

const maxInstructionBytes = 32 * 1024

// PromptOptions selects what BuildSystemInstruction includes.
type PromptOptions struct {
	Model string
	// UserInstructions are appended last.
	UserInstructions string
	// SkipInstructionFiles disables GEMINI.md discovery.
	SkipInstructionFiles bool
}

// BuildSystemInstruction assembles the system instruction for a session
// working in env with the tools of registry.
func BuildSystemInstruction(env tools.Environment, registry *tools.Registry, opts PromptOptions) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(EnvironmentContext(env, opts.Model))
	sb.WriteString("\n\n")

	if registry != nil && registry.Count() > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, t := range registry.All() {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), firstLine(t.Description()))
		}
		sb.WriteString("\n")
	}

	if !opts.SkipInstructionFiles {
		if docs := DiscoverInstructions(env.WorkingDirectory()); docs != "" {
			sb.WriteString("# Project Instructions\n\n")
			sb.WriteString(docs)
			sb.WriteString("\n\n")
		}
	}

	if opts.UserInstructions != "" {
		sb.WriteString("# User Instructions\n\n")
		sb.WriteString(opts.UserInstructions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// EnvironmentContext describes the working directory and platform.
func EnvironmentContext(env tools.Environment, model string) string {
	dir := env.WorkingDirectory()
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", dir)
	if branch := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverInstructions concatenates the GEMINI.md files from the repository
// root (or dir itself outside a repository) down to dir. Deeper files come
// later so they take precedence. The result is capped at 32KB.
func DiscoverInstructions(dir string) string {
	root := gitOutput(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = dir
	}

	var (
		docs  []string
		total int
	)
	for _, d := range pathHierarchy(root, dir) {
		content, err := os.ReadFile(filepath.Join(d, InstructionFileName))
		if err != nil {
			continue
		}
		remaining := maxInstructionBytes - total
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("## %s (from %s)\n\n%s", InstructionFileName, d, text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns the directories from root to target inclusive. A
// target outside root yields only target.
func pathHierarchy(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return []string{target}
	}
	dirs := []string{root}
	if rel == "." {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const basePrompt = `You are an interactive coding agent. You help users with software engineering tasks by reading files, editing code and running commands until the task is done.

# Core Principles

- Read files before editing them. Understand existing code before changing it.
- Keep changes minimal and focused on what was asked.
- Follow the conventions of the surrounding code.
- After making changes, verify them by reading the modified file or running the relevant tests.

# Tool Usage

- Use read_file to examine a file before editing it.
- Use replace for targeted search-and-replace edits and write_file for new files.
- Use run_shell_command for builds and tests. Explain commands that modify the system before running them.
- Use search_file_content and glob to find code instead of guessing paths.
- Independent tool calls may be issued together in one response.

# GEMINI.md

Follow the instructions in GEMINI.md files. Files in subdirectories take precedence over those closer to the repository root.

# Errors

- If a tool call fails, read the error and try a different approach.
- If an edit fails to apply, re-read the file to get its current content.
- If a tool call was cancelled by the user, do not retry it unasked.`
