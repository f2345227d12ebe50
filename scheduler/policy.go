package scheduler

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/ongas/gemini-cli-sub000/tools"
)

// ApprovalMode controls which calls need a human decision.
type ApprovalMode string

const (
	// ApprovalDefault asks for every call that proposes a confirmation.
	ApprovalDefault ApprovalMode = "default"
	// ApprovalAutoEdit approves edit tools without asking.
	ApprovalAutoEdit ApprovalMode = "auto_edit"
	// ApprovalYolo approves everything without asking.
	ApprovalYolo ApprovalMode = "yolo"
)

// ParseApprovalMode parses a mode name. The empty string means default.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch ApprovalMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ApprovalDefault:
		return ApprovalDefault, nil
	case ApprovalAutoEdit, "auto-edit":
		return ApprovalAutoEdit, nil
	case ApprovalYolo:
		return ApprovalYolo, nil
	default:
		return "", fmt.Errorf("unknown approval mode %q (want default, auto_edit or yolo)", s)
	}
}

// Policy decides whether a call may run without asking. Allowlist and
// Denylist entries are tool names or path.Match patterns such as "read_*".
type Policy struct {
	Mode      ApprovalMode `yaml:"mode"`
	Allowlist []string     `yaml:"allowlist"`
	Denylist  []string     `yaml:"denylist"`
}

// decision is the policy verdict for one call.
type decision int

const (
	decisionAsk decision = iota
	decisionAllow
	decisionDeny
)

// approvals holds the policy plus the allow-list grown by "proceed always"
// answers during this process.
type approvals struct {
	mu     sync.RWMutex
	policy Policy
	keys   map[string]bool
	tools  map[string]bool
}

func newApprovals(p Policy) *approvals {
	if p.Mode == "" {
		p.Mode = ApprovalDefault
	}
	return &approvals{policy: p, keys: make(map[string]bool), tools: make(map[string]bool)}
}

func (a *approvals) mode() ApprovalMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy.Mode
}

func (a *approvals) setMode(m ApprovalMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy.Mode = m
}

// allowKey records a "proceed always" answer for one confirmation key.
func (a *approvals) allowKey(key string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = true
}

// allowTool records a "proceed always" answer for every call of a tool.
func (a *approvals) allowTool(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools[name] = true
}

// decide returns the verdict for a call to tool with confirmation conf.
func (a *approvals) decide(tool tools.Tool, conf *tools.Confirmation) decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	name := tool.Name()
	if matchAny(a.policy.Denylist, name) {
		return decisionDeny
	}
	if conf == nil {
		return decisionAllow
	}
	switch {
	case a.policy.Mode == ApprovalYolo:
		return decisionAllow
	case a.policy.Mode == ApprovalAutoEdit && tool.Kind() == tools.KindEdit:
		return decisionAllow
	case a.tools[name], a.keys[conf.AllowKey] && conf.AllowKey != "":
		return decisionAllow
	case matchAny(a.policy.Allowlist, name):
		return decisionAllow
	}
	return decisionAsk
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
