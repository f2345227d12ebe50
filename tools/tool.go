package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind classifies what a tool does to the outside world.
type Kind string

const (
	KindRead    Kind = "read"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
	KindMove    Kind = "move"
	KindSearch  Kind = "search"
	KindExecute Kind = "execute"
	KindThink   Kind = "think"
	KindFetch   Kind = "fetch"
	KindOther   Kind = "other"
)

// MutatorKinds are the kinds whose tools change state outside the process.
var MutatorKinds = []Kind{KindEdit, KindDelete, KindMove, KindExecute}

// IsMutator reports whether k is one of MutatorKinds.
func (k Kind) IsMutator() bool {
	for _, m := range MutatorKinds {
		if k == m {
			return true
		}
	}
	return false
}

// ConfirmationType discriminates confirmation prompts.
type ConfirmationType string

const (
	ConfirmEdit ConfirmationType = "edit"
	ConfirmExec ConfirmationType = "exec"
	ConfirmInfo ConfirmationType = "info"
)

// Confirmation describes what a tool call is about to do so a user can
// approve it.
type Confirmation struct {
	Type  ConfirmationType `json:"type"`
	Title string           `json:"title"`

	// AllowKey identifies the session allow-list entry a "proceed always"
	// decision creates. For shell commands it includes the root command.
	AllowKey string `json:"allow_key"`

	// Edit proposals.
	FilePath        string `json:"file_path,omitempty"`
	OriginalContent string `json:"original_content,omitempty"`
	NewContent      string `json:"new_content,omitempty"`
	FileDiff        string `json:"file_diff,omitempty"`

	// Exec proposals.
	Command     string `json:"command,omitempty"`
	RootCommand string `json:"root_command,omitempty"`

	Prompt string `json:"prompt,omitempty"`
}

// Result is the outcome of a tool execution.
type Result struct {
	// LLMContent is sent back to the model as the function response.
	LLMContent string
	// Display is the user-facing rendering; defaults to LLMContent.
	Display string
}

// OutputFunc receives live output while a tool runs.
type OutputFunc func(chunk string)

// Tool is a function the model can call.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	// Schema is the JSON schema of the tool's arguments.
	Schema() map[string]any
	// ConfirmationDetails returns nil when the call needs no approval.
	ConfirmationDetails(ctx context.Context, args map[string]any) (*Confirmation, error)
	Execute(ctx context.Context, args map[string]any, output OutputFunc) (Result, error)
}

// Modifiable is implemented by edit tools whose proposal can be rewritten
// by the user before approval.
type Modifiable interface {
	// ApplyModification returns new arguments that produce modified as the
	// file's final content. args must not be mutated.
	ApplyModification(args map[string]any, modified string) map[string]any
}

// CloneArgs deep-copies a JSON-like argument map.
func CloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneArgs(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}

// GetStringArg extracts a string argument.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func requireString(args map[string]any, key string) (string, error) {
	s, ok := GetStringArg(args, key)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}
