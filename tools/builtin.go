package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// Built-in tool names.
const (
	ReadFileToolName  = "read_file"
	WriteFileToolName = "write_file"
	EditToolName      = "replace"
	ShellToolName     = "run_shell_command"
	GrepToolName      = "search_file_content"
	GlobToolName      = "glob"
)

// BuiltinOptions configures the built-in tools.
type BuiltinOptions struct {
	DefaultShellTimeout time.Duration `yaml:"default_shell_timeout"`
	MaxShellTimeout     time.Duration `yaml:"max_shell_timeout"`
	DefaultReadLimit    int           `yaml:"default_read_limit"`
	DefaultMaxResults   int           `yaml:"default_max_results"`
}

// DefaultBuiltinOptions returns the defaults used by RegisterBuiltins when a
// field is zero.
func DefaultBuiltinOptions() BuiltinOptions {
	return BuiltinOptions{
		DefaultShellTimeout: 2 * time.Minute,
		MaxShellTimeout:     10 * time.Minute,
		DefaultReadLimit:    2000,
		DefaultMaxResults:   100,
	}
}

func (o BuiltinOptions) withDefaults() BuiltinOptions {
	d := DefaultBuiltinOptions()
	if o.DefaultShellTimeout <= 0 {
		o.DefaultShellTimeout = d.DefaultShellTimeout
	}
	if o.MaxShellTimeout <= 0 {
		o.MaxShellTimeout = d.MaxShellTimeout
	}
	if o.DefaultReadLimit <= 0 {
		o.DefaultReadLimit = d.DefaultReadLimit
	}
	if o.DefaultMaxResults <= 0 {
		o.DefaultMaxResults = d.DefaultMaxResults
	}
	return o
}

// RegisterBuiltins registers the file, shell and search tools on reg. The
// tools delegate to env.
func RegisterBuiltins(reg *Registry, env Environment, opts BuiltinOptions) {
	opts = opts.withDefaults()
	reg.Register(&readFileTool{env: env, defaultLimit: opts.DefaultReadLimit})
	reg.Register(&writeFileTool{env: env})
	reg.Register(&editTool{env: env})
	reg.Register(&shellTool{env: env, defaultTimeout: opts.DefaultShellTimeout, maxTimeout: opts.MaxShellTimeout})
	reg.Register(&grepTool{env: env, defaultMax: opts.DefaultMaxResults})
	reg.Register(&globTool{env: env})
}

func unifiedDiff(path, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// ---------------------------------------------------------------------------
// read_file

type readFileTool struct {
	env          Environment
	defaultLimit int
}

func (t *readFileTool) Name() string { return ReadFileToolName }
func (t *readFileTool) Kind() Kind   { return KindRead }

func (t *readFileTool) Description() string {
	return "Read a file from the workspace. Returns line-numbered content."
}

func (t *readFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read, absolute or relative to the workspace.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line number to start reading from.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to read. Default: 2000.",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *readFileTool) ConfirmationDetails(context.Context, map[string]any) (*Confirmation, error) {
	return nil, nil
}

func (t *readFileTool) Execute(_ context.Context, args map[string]any, _ OutputFunc) (Result, error) {
	path, err := requireString(args, "file_path")
	if err != nil {
		return Result{}, err
	}
	offset, _ := GetIntArg(args, "offset")
	limit, _ := GetIntArg(args, "limit")
	if limit <= 0 {
		limit = t.defaultLimit
	}

	content, err := t.env.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("file not found: %s", path)
		}
		return Result{}, err
	}
	out := numberLines(content, offset, limit)
	return Result{LLMContent: out, Display: fmt.Sprintf("Read %s", path)}, nil
}

// numberLines renders content as "N | line" starting at the 1-based offset.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	width := len(fmt.Sprintf("%d", end))
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%*d | %s\n", width, i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "[... %d more lines. Use offset=%d to continue.]\n", len(lines)-end, end+1)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// write_file

type writeFileTool struct {
	env Environment
}

func (t *writeFileTool) Name() string { return WriteFileToolName }
func (t *writeFileTool) Kind() Kind   { return KindEdit }

func (t *writeFileTool) Description() string {
	return "Write content to a file. Creates the file and parent directories if needed."
}

func (t *writeFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to write to.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The full file content to write.",
			},
		},
		"required": []string{"file_path", "content"},
	}
}

func (t *writeFileTool) current(path string) (string, error) {
	content, err := t.env.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return content, err
}

func (t *writeFileTool) ConfirmationDetails(_ context.Context, args map[string]any) (*Confirmation, error) {
	path, err := requireString(args, "file_path")
	if err != nil {
		return nil, err
	}
	content, ok := GetStringArg(args, "content")
	if !ok {
		return nil, errors.New("content is required")
	}
	original, err := t.current(path)
	if err != nil {
		return nil, err
	}
	return &Confirmation{
		Type:            ConfirmEdit,
		Title:           fmt.Sprintf("Write %s", path),
		AllowKey:        WriteFileToolName,
		FilePath:        path,
		OriginalContent: original,
		NewContent:      content,
		FileDiff:        unifiedDiff(path, original, content),
	}, nil
}

func (t *writeFileTool) ApplyModification(args map[string]any, modified string) map[string]any {
	out := CloneArgs(args)
	out["content"] = modified
	return out
}

func (t *writeFileTool) Execute(_ context.Context, args map[string]any, _ OutputFunc) (Result, error) {
	path, err := requireString(args, "file_path")
	if err != nil {
		return Result{}, err
	}
	content, ok := GetStringArg(args, "content")
	if !ok {
		return Result{}, errors.New("content is required")
	}
	original, err := t.current(path)
	if err != nil {
		return Result{}, err
	}
	if err := t.env.WriteFile(path, content); err != nil {
		return Result{}, err
	}
	return Result{
		LLMContent: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path),
		Display:    unifiedDiff(path, original, content),
	}, nil
}

// ---------------------------------------------------------------------------
// replace

type editTool struct {
	env Environment
}

func (t *editTool) Name() string { return EditToolName }
func (t *editTool) Kind() Kind   { return KindEdit }

func (t *editTool) Description() string {
	return "Replace an exact string occurrence in a file. old_string must be unique in the file unless replace_all is true."
}

func (t *editTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to find in the file.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace all occurrences. Default: false.",
			},
		},
		"required": []string{"file_path", "old_string", "new_string"},
	}
}

// apply computes the edited file without writing it.
func (t *editTool) apply(args map[string]any) (path, before, after string, count int, err error) {
	path, err = requireString(args, "file_path")
	if err != nil {
		return "", "", "", 0, err
	}
	oldString, ok := GetStringArg(args, "old_string")
	if !ok {
		return "", "", "", 0, errors.New("old_string is required")
	}
	newString, _ := GetStringArg(args, "new_string")
	replaceAll, _ := GetBoolArg(args, "replace_all")

	before, err = t.env.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", "", 0, fmt.Errorf("file not found: %s", path)
		}
		return "", "", "", 0, err
	}

	if oldString == "" {
		if before != "" {
			return "", "", "", 0, fmt.Errorf("old_string is empty but %s is not", path)
		}
		return path, before, newString, 1, nil
	}

	count = strings.Count(before, oldString)
	switch {
	case count == 0:
		return "", "", "", 0, fmt.Errorf("old_string not found in %s", path)
	case count > 1 && !replaceAll:
		return "", "", "", 0, fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, path)
	}

	if replaceAll {
		after = strings.ReplaceAll(before, oldString, newString)
	} else {
		after = strings.Replace(before, oldString, newString, 1)
		count = 1
	}
	return path, before, after, count, nil
}

func (t *editTool) ConfirmationDetails(_ context.Context, args map[string]any) (*Confirmation, error) {
	path, before, after, _, err := t.apply(args)
	if err != nil {
		return nil, err
	}
	return &Confirmation{
		Type:            ConfirmEdit,
		Title:           fmt.Sprintf("Edit %s", path),
		AllowKey:        EditToolName,
		FilePath:        path,
		OriginalContent: before,
		NewContent:      after,
		FileDiff:        unifiedDiff(path, before, after),
	}, nil
}

// ApplyModification turns the user's edited file into a whole-file
// replacement of the current content.
func (t *editTool) ApplyModification(args map[string]any, modified string) map[string]any {
	out := CloneArgs(args)
	path, _ := GetStringArg(args, "file_path")
	current, err := t.env.ReadFile(path)
	if err != nil {
		return out
	}
	out["old_string"] = current
	out["new_string"] = modified
	out["replace_all"] = false
	return out
}

func (t *editTool) Execute(_ context.Context, args map[string]any, _ OutputFunc) (Result, error) {
	path, before, after, count, err := t.apply(args)
	if err != nil {
		return Result{}, err
	}
	if err := t.env.WriteFile(path, after); err != nil {
		return Result{}, err
	}
	return Result{
		LLMContent: fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", count, path),
		Display:    unifiedDiff(path, before, after),
	}, nil
}

// ---------------------------------------------------------------------------
// run_shell_command

type shellTool struct {
	env            Environment
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func (t *shellTool) Name() string { return ShellToolName }
func (t *shellTool) Kind() Kind   { return KindExecute }

func (t *shellTool) Description() string {
	return "Execute a bash command in the workspace. Returns combined output and exit code."
}

func (t *shellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to run.",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Human-readable description of what this command does.",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "Override the default command timeout in milliseconds.",
			},
		},
		"required": []string{"command"},
	}
}

// RootCommand returns the first word of a shell command, skipping leading
// environment assignments.
func RootCommand(command string) string {
	for _, field := range strings.Fields(command) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "=") {
			continue
		}
		return strings.TrimLeft(field, "(")
	}
	return ""
}

func (t *shellTool) ConfirmationDetails(_ context.Context, args map[string]any) (*Confirmation, error) {
	command, err := requireString(args, "command")
	if err != nil {
		return nil, err
	}
	root := RootCommand(command)
	return &Confirmation{
		Type:        ConfirmExec,
		Title:       "Confirm shell command",
		AllowKey:    ShellToolName + ":" + root,
		Command:     command,
		RootCommand: root,
	}, nil
}

func (t *shellTool) Execute(ctx context.Context, args map[string]any, output OutputFunc) (Result, error) {
	command, err := requireString(args, "command")
	if err != nil {
		return Result{}, err
	}
	timeout := t.defaultTimeout
	if ms, ok := GetIntArg(args, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}

	res, err := t.env.Exec(ctx, command, timeout, output)
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	sb.WriteString(res.Output)
	if res.TimedOut {
		fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above.\n"+
			"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeout)
	}
	if res.ExitCode != 0 && !res.TimedOut {
		fmt.Fprintf(&sb, "\n\n[Exit code: %d]", res.ExitCode)
	}
	return Result{LLMContent: sb.String(), Display: res.Output}, nil
}

// ---------------------------------------------------------------------------
// search_file_content

type grepTool struct {
	env        Environment
	defaultMax int
}

func (t *grepTool) Name() string { return GrepToolName }
func (t *grepTool) Kind() Kind   { return KindSearch }

func (t *grepTool) Description() string {
	return "Search file contents using a regular expression. Returns matching lines with file paths and line numbers."
}

func (t *grepTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search. Default: workspace root.",
			},
			"include": map[string]any{
				"type":        "string",
				"description": "File name filter (e.g. \"*.go\").",
			},
			"case_insensitive": map[string]any{
				"type":        "boolean",
				"description": "Case insensitive search. Default: false.",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results. Default: 100.",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *grepTool) ConfirmationDetails(context.Context, map[string]any) (*Confirmation, error) {
	return nil, nil
}

func (t *grepTool) Execute(ctx context.Context, args map[string]any, _ OutputFunc) (Result, error) {
	pattern, err := requireString(args, "pattern")
	if err != nil {
		return Result{}, err
	}
	path, _ := GetStringArg(args, "path")
	include, _ := GetStringArg(args, "include")
	caseInsensitive, _ := GetBoolArg(args, "case_insensitive")
	maxResults, _ := GetIntArg(args, "max_results")
	if maxResults <= 0 {
		maxResults = t.defaultMax
	}

	matches, err := t.env.Grep(ctx, pattern, path, GrepOptions{
		Include:         include,
		CaseInsensitive: caseInsensitive,
		MaxResults:      maxResults,
	})
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{LLMContent: fmt.Sprintf("No matches found for pattern %q.", pattern)}, nil
	}

	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s:%d:%s\n", m.Path, m.Line, m.Text)
	}
	return Result{
		LLMContent: sb.String(),
		Display:    fmt.Sprintf("Found %d match(es)", len(matches)),
	}, nil
}

// ---------------------------------------------------------------------------
// glob

type globTool struct {
	env Environment
}

func (t *globTool) Name() string { return GlobToolName }
func (t *globTool) Kind() Kind   { return KindSearch }

func (t *globTool) Description() string {
	return "Find files matching a glob pattern. Returns paths sorted by modification time (newest first)."
}

func (t *globTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern (e.g. \"**/*.go\").",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Base directory. Default: workspace root.",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *globTool) ConfirmationDetails(context.Context, map[string]any) (*Confirmation, error) {
	return nil, nil
}

func (t *globTool) Execute(ctx context.Context, args map[string]any, _ OutputFunc) (Result, error) {
	pattern, err := requireString(args, "pattern")
	if err != nil {
		return Result{}, err
	}
	path, _ := GetStringArg(args, "path")

	matches, err := t.env.Glob(ctx, pattern, path)
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{LLMContent: "No files matched the pattern."}, nil
	}
	return Result{
		LLMContent: strings.Join(matches, "\n"),
		Display:    fmt.Sprintf("Found %d file(s)", len(matches)),
	}, nil
}
