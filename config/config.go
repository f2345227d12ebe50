// Package config loads the gemchat configuration.
//
// Configuration comes from a single YAML file, located by the --config flag,
// the GEMCHAT_CONFIG environment variable or ~/.gemchat/config.yaml, in that
// order. A missing default file is not an error: built-in defaults apply.
// Unknown keys are rejected. A few environment variables override file
// values after loading:
//
//	GEMINI_API_KEY (or GOOGLE_API_KEY)  provider.api_key
//	GOOGLE_GENAI_USE_VERTEXAI           provider.vertex_ai
//	GOOGLE_CLOUD_PROJECT                provider.project
//	GOOGLE_CLOUD_LOCATION               provider.location
//	GEMCHAT_MODEL                       agent.model
//	GEMCHAT_APPROVAL_MODE               approval.mode
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ongas/gemini-cli-sub000/agent"
	"github.com/ongas/gemini-cli-sub000/chat"
	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/observability"
	"github.com/ongas/gemini-cli-sub000/scheduler"
	"github.com/ongas/gemini-cli-sub000/tools"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "GEMCHAT_CONFIG"

// Config is the complete gemchat configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Agent    agent.Config   `yaml:"agent"`

	// FallbackModel is used after the user accepts a switch away from the
	// requested model. Empty means the catalog default for the provider.
	FallbackModel string `yaml:"fallback_model"`

	Session   chat.SessionConfig      `yaml:"session"`
	Retry     chat.RetryPolicy        `yaml:"retry"`
	Approval  scheduler.Policy        `yaml:"approval"`
	Tools     ToolsConfig             `yaml:"tools"`
	Logging   observability.LogConfig `yaml:"logging"`
	Recording RecordingConfig         `yaml:"recording"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	// Name is "gemini" for the genai SDK backend, or a gollm provider such
	// as "openai", "anthropic" or "ollama".
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`

	// Gemini on Vertex AI.
	VertexAI bool   `yaml:"vertex_ai"`
	Project  string `yaml:"project"`
	Location string `yaml:"location"`

	// gollm backends.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Genai returns the genai backend configuration.
func (p ProviderConfig) Genai() contentgen.GenaiConfig {
	return contentgen.GenaiConfig{
		APIKey:   p.APIKey,
		VertexAI: p.VertexAI,
		Project:  p.Project,
		Location: p.Location,
	}
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	Builtin tools.BuiltinOptions `yaml:"builtin"`
	// Exclude names built-in tools that are not registered.
	Exclude []string `yaml:"exclude"`
	// WorkingDir defaults to the process working directory.
	WorkingDir string `yaml:"working_dir"`
}

// RecordingConfig selects where conversations are recorded.
type RecordingConfig struct {
	// Format is none, jsonl or sqlite.
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set, for example "127.0.0.1:9464".
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Provider: ProviderConfig{Name: "gemini"},
		Agent:    agent.DefaultConfig(),
		Session:  chat.DefaultSessionConfig(),
		Retry:    chat.DefaultRetryPolicy(),
		Approval: scheduler.Policy{Mode: scheduler.ApprovalDefault},
		Tools:    ToolsConfig{Builtin: tools.DefaultBuiltinOptions()},
		Logging:  observability.LogConfig{Level: "warn", Format: "text"},
		Recording: RecordingConfig{
			Format: "none",
			Path:   filepath.Join(home, ".gemchat", "history.db"),
		},
	}
}

// DefaultPath returns ~/.gemchat/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gemchat", "config.yaml")
}

// Load reads the configuration at file, or at the GEMCHAT_CONFIG or default
// location when file is empty, applies environment overrides and validates
// the result.
func Load(file string) (*Config, error) {
	explicit := file != ""
	if !explicit {
		if env := os.Getenv(EnvConfigPath); env != "" {
			file, explicit = env, true
		} else {
			file = DefaultPath()
		}
	}

	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		switch {
		case err == nil:
			if err := cfg.decode(data); err != nil {
				return nil, fmt.Errorf("config %s: %w", file, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without reading the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("parse config: expected a single document")
	}
	return nil
}

// applyEnv overrides file values with environment variables read by getenv.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := firstNonEmpty(getenv("GEMINI_API_KEY"), getenv("GOOGLE_API_KEY")); v != "" {
		c.Provider.APIKey = v
	}
	if v := getenv("GOOGLE_GENAI_USE_VERTEXAI"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GOOGLE_GENAI_USE_VERTEXAI: %w", err)
		}
		c.Provider.VertexAI = on
	}
	if v := getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		c.Provider.Project = v
	}
	if v := getenv("GOOGLE_CLOUD_LOCATION"); v != "" {
		c.Provider.Location = v
	}
	if v := getenv("GEMCHAT_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := getenv("GEMCHAT_APPROVAL_MODE"); v != "" {
		mode, err := scheduler.ParseApprovalMode(v)
		if err != nil {
			return fmt.Errorf("GEMCHAT_APPROVAL_MODE: %w", err)
		}
		c.Approval.Mode = mode
	}
	return nil
}

// ResolvedFallbackModel returns FallbackModel, or the catalog default for
// the provider when unset.
func (c *Config) ResolvedFallbackModel() string {
	if c.FallbackModel != "" {
		return c.FallbackModel
	}
	if c.Provider.Name == "gemini" {
		return contentgen.DefaultFallbackModel
	}
	return ""
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider.Name {
	case "":
		errs = append(errs, errors.New("provider.name is required"))
	case "gemini":
		if c.Provider.VertexAI && (c.Provider.Project == "" || c.Provider.Location == "") {
			errs = append(errs, errors.New("provider.project and provider.location are required with vertex_ai"))
		}
	}
	if c.Agent.Model == "" {
		errs = append(errs, errors.New("agent.model is required"))
	}
	if c.Agent.MaxTurns < 0 {
		errs = append(errs, errors.New("agent.max_turns must not be negative"))
	}
	if c.Agent.LoopWindow < 0 {
		errs = append(errs, errors.New("agent.loop_window must not be negative"))
	}

	if c.Retry.PrimaryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry.primary_max_attempts must be at least 1"))
	}
	if c.Retry.FallbackMaxAttempts < 1 {
		errs = append(errs, errors.New("retry.fallback_max_attempts must be at least 1"))
	}
	if c.Retry.PrimaryBaseDelay < 0 || c.Retry.FallbackDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}

	if r := c.Session.Budget.SafeLimitRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("session.budget.safe_limit_ratio must be within [0, 1], got %v", r))
	}
	if c.Session.Budget.PreservedEntries < 0 {
		errs = append(errs, errors.New("session.budget.preserved_entries must not be negative"))
	}
	if c.Session.TokenLimit < 0 {
		errs = append(errs, errors.New("session.token_limit must not be negative"))
	}
	if c.Session.FirstChunkTimeout < 0 || c.Session.ChunkTimeout < 0 {
		errs = append(errs, errors.New("session chunk timeouts must not be negative"))
	}

	if _, err := scheduler.ParseApprovalMode(string(c.Approval.Mode)); err != nil {
		errs = append(errs, fmt.Errorf("approval.mode: %w", err))
	}
	for _, p := range append(append([]string(nil), c.Approval.Allowlist...), c.Approval.Denylist...) {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("approval pattern %q: %w", p, err))
		}
	}

	switch strings.ToLower(c.Recording.Format) {
	case "", "none":
	case "jsonl", "sqlite":
		if c.Recording.Path == "" {
			errs = append(errs, errors.New("recording.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("recording.format must be none, jsonl or sqlite, got %q", c.Recording.Format))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Marshal renders the configuration as YAML with the API key masked.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	if out.Provider.APIKey != "" {
		out.Provider.APIKey = observability.Redact(out.Provider.APIKey)
		if out.Provider.APIKey == c.Provider.APIKey {
			out.Provider.APIKey = "[REDACTED]"
		}
	}
	return yaml.Marshal(&out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
