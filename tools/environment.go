package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrOutsideWorkspace is returned for paths that resolve outside the
// working directory.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// GrepOptions configures content search.
type GrepOptions struct {
	Include         string
	CaseInsensitive bool
	MaxResults      int
}

// GrepMatch is one matching line.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// Environment abstracts where tool operations run.
type Environment interface {
	WorkingDirectory() string
	Platform() string

	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	FileExists(path string) bool

	Exec(ctx context.Context, command string, timeout time.Duration, output OutputFunc) (*ExecResult, error)

	Grep(ctx context.Context, pattern, path string, opts GrepOptions) ([]GrepMatch, error)
	Glob(ctx context.Context, pattern, path string) ([]string, error)
}

// sensitiveEnvSuffixes mark environment variables withheld from commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always passed through.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// skippedDirs are never descended into by search tools.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
}

// LocalEnvironment runs tools on the local machine, confined to a working
// directory.
type LocalEnvironment struct {
	workingDir string
}

var _ Environment = (*LocalEnvironment)(nil)

// NewLocalEnvironment creates a local environment rooted at workingDir.
// An empty workingDir means the process working directory.
func NewLocalEnvironment(workingDir string) (*LocalEnvironment, error) {
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workingDir = wd
	}
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return &LocalEnvironment{workingDir: abs}, nil
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolvePath(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(e.workingDir, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(e.workingDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideWorkspace)
	}
	return resolved, nil
}

func (e *LocalEnvironment) ReadFile(path string) (string, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalEnvironment) FileExists(path string) bool {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

// outputWriter buffers combined command output and forwards each write.
type outputWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  OutputFunc
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.fn != nil {
		w.fn(string(p))
	}
	return len(p), nil
}

func (w *outputWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (e *LocalEnvironment) Exec(ctx context.Context, command string, timeout time.Duration, output OutputFunc) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = e.workingDir
	// Own process group so a timeout kills the whole pipeline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = filterEnvironment()

	w := &outputWriter{fn: output}
	cmd.Stdout = w
	cmd.Stderr = w

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Output:   w.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec: %w", err)
		}
	}
	return result, nil
}

func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, opts GrepOptions) ([]GrepMatch, error) {
	if opts.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	root := e.workingDir
	if path != "" {
		if root, err = e.resolvePath(path); err != nil {
			return nil, err
		}
	}

	var matches []GrepMatch
	errLimit := errors.New("limit reached")
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.Include != "" {
			if ok, _ := filepath.Match(opts.Include, d.Name()); !ok {
				return nil
			}
		}
		fileMatches, err := grepFile(p, re)
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(e.workingDir, p)
		if relErr != nil {
			rel = p
		}
		for _, m := range fileMatches {
			m.Path = rel
			matches = append(matches, m)
			if opts.MaxResults > 0 && len(matches) >= opts.MaxResults {
				return errLimit
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return nil, walkErr
	}
	return matches, nil
}

func grepFile(path string, re *regexp.Regexp) ([]GrepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	head, _ := reader.Peek(8000)
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, nil // binary
	}

	var out []GrepMatch
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			out = append(out, GrepMatch{Line: line, Text: text})
		}
	}
	return out, scanner.Err()
}

func (e *LocalEnvironment) Glob(ctx context.Context, pattern, path string) ([]string, error) {
	root := e.workingDir
	if path != "" {
		var err error
		if root, err = e.resolvePath(path); err != nil {
			return nil, err
		}
	}
	patternParts := strings.Split(filepath.ToSlash(pattern), "/")

	type hit struct {
		path string
		mod  time.Time
	}
	var hits []hit
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if !matchGlob(patternParts, strings.Split(filepath.ToSlash(rel), "/")) {
			return nil
		}
		var mod time.Time
		if info, err := d.Info(); err == nil {
			mod = info.ModTime()
		}
		display, err := filepath.Rel(e.workingDir, p)
		if err != nil {
			display = p
		}
		hits = append(hits, hit{path: display, mod: mod})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first, then by path for stability.
	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].mod.Equal(hits[j].mod) {
			return hits[i].mod.After(hits[j].mod)
		}
		return hits[i].path < hits[j].path
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.path
	}
	return out, nil
}

// matchGlob matches path segments against pattern segments where "**"
// matches zero or more segments.
func matchGlob(pattern, segments []string) bool {
	if len(pattern) == 0 {
		return len(segments) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segments); i++ {
			if matchGlob(pattern[1:], segments[i:]) {
				return true
			}
		}
		return false
	}
	if len(segments) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], segments[0])
	if err != nil || !ok {
		return false
	}
	return matchGlob(pattern[1:], segments[1:])
}
