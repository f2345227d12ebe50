package chat

import (
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/tools"
)

// InvalidRoleError is returned when externally supplied history contains a
// turn whose role is neither user nor model.
type InvalidRoleError struct {
	Index int
	Role  string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("history entry %d has invalid role %q: role must be %q or %q",
		e.Index, e.Role, genai.RoleUser, genai.RoleModel)
}

// History is the ordered list of conversation turns. It keeps every turn
// ever appended (the comprehensive view) and derives the curated view sent
// to the model on read.
type History struct {
	mu    sync.RWMutex
	turns []*genai.Content
}

// NewHistory creates a History from externally supplied turns. It fails
// fast with *InvalidRoleError when a role is not user or model.
func NewHistory(turns []*genai.Content) (*History, error) {
	if err := validateRoles(turns); err != nil {
		return nil, err
	}
	return &History{turns: cloneContents(turns)}, nil
}

func validateRoles(turns []*genai.Content) error {
	for i, t := range turns {
		if t == nil || (t.Role != genai.RoleUser && t.Role != genai.RoleModel) {
			role := ""
			if t != nil {
				role = t.Role
			}
			return &InvalidRoleError{Index: i, Role: role}
		}
	}
	return nil
}

// Append adds a turn to the comprehensive history without validation.
func (h *History) Append(turn *genai.Content) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, cloneContent(turn))
}

// Get returns a deep copy of the comprehensive or curated history.
func (h *History) Get(curated bool) []*genai.Content {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if curated {
		return cloneContents(ExtractCuratedHistory(h.turns))
	}
	return cloneContents(h.turns)
}

// Len returns the number of turns in the comprehensive history.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Last returns a copy of the most recent turn, or nil.
func (h *History) Last() *genai.Content {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.turns) == 0 {
		return nil
	}
	return cloneContent(h.turns[len(h.turns)-1])
}

// Clear empties the history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Set replaces the history wholesale, as when restoring a session.
func (h *History) Set(turns []*genai.Content) error {
	if err := validateRoles(turns); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = cloneContents(turns)
	return nil
}

// StripThoughtSignatures removes thought signatures from every part without
// touching text or roles.
func (h *History) StripThoughtSignatures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, turn := range h.turns {
		if turn == nil {
			continue
		}
		stripped := cloneContent(turn)
		for _, p := range stripped.Parts {
			if p != nil {
				p.ThoughtSignature = nil
			}
		}
		h.turns[i] = stripped
	}
}

// popLast removes the most recent turn if it is identical in identity to
// turn. It reports whether a turn was removed.
func (h *History) popLast(turn *genai.Content) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.turns)
	if n == 0 || h.turns[n-1] != turn {
		return false
	}
	h.turns = h.turns[:n-1]
	return true
}

// appendOwned appends turn without copying and returns the stored pointer.
func (h *History) appendOwned(turn *genai.Content) *genai.Content {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn)
	return turn
}

// IsValidContent reports whether a turn may be sent to the model: it has at
// least one part and no part is empty. A non-thought part whose only payload
// is empty text counts as empty, even when it carries a thought signature.
func IsValidContent(c *genai.Content) bool {
	if c == nil || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p == nil || isEmptyPart(p) {
			return false
		}
	}
	return true
}

func isTextOnly(p *genai.Part) bool {
	return p.FunctionCall == nil &&
		p.FunctionResponse == nil &&
		p.InlineData == nil &&
		p.FileData == nil &&
		p.ExecutableCode == nil &&
		p.CodeExecutionResult == nil
}

func isEmptyPart(p *genai.Part) bool {
	return p.Text == "" && !p.Thought && isTextOnly(p)
}

// ExtractCuratedHistory returns the turns that may be sent to the model:
// every user turn, plus each run of consecutive model turns only when every
// turn in the run is valid. The result shares turns with history.
func ExtractCuratedHistory(history []*genai.Content) []*genai.Content {
	curated := make([]*genai.Content, 0, len(history))
	for i := 0; i < len(history); {
		if history[i] != nil && history[i].Role == genai.RoleUser {
			curated = append(curated, history[i])
			i++
			continue
		}

		start := i
		valid := true
		for i < len(history) && (history[i] == nil || history[i].Role != genai.RoleUser) {
			if !IsValidContent(history[i]) {
				valid = false
			}
			i++
		}
		if valid {
			curated = append(curated, history[start:i]...)
		}
	}
	return curated
}

func cloneContents(in []*genai.Content) []*genai.Content {
	if in == nil {
		return nil
	}
	out := make([]*genai.Content, len(in))
	for i, c := range in {
		out[i] = cloneContent(c)
	}
	return out
}

func cloneContent(c *genai.Content) *genai.Content {
	if c == nil {
		return nil
	}
	out := &genai.Content{Role: c.Role}
	if c.Parts != nil {
		out.Parts = make([]*genai.Part, len(c.Parts))
		for i, p := range c.Parts {
			out.Parts[i] = clonePart(p)
		}
	}
	return out
}

func clonePart(p *genai.Part) *genai.Part {
	if p == nil {
		return nil
	}
	out := *p
	if p.ThoughtSignature != nil {
		out.ThoughtSignature = append([]byte(nil), p.ThoughtSignature...)
	}
	if p.FunctionCall != nil {
		fc := *p.FunctionCall
		fc.Args = tools.CloneArgs(p.FunctionCall.Args)
		out.FunctionCall = &fc
	}
	if p.FunctionResponse != nil {
		fr := *p.FunctionResponse
		fr.Response = tools.CloneArgs(p.FunctionResponse.Response)
		out.FunctionResponse = &fr
	}
	if p.InlineData != nil {
		blob := *p.InlineData
		blob.Data = append([]byte(nil), p.InlineData.Data...)
		out.InlineData = &blob
	}
	if p.FileData != nil {
		fd := *p.FileData
		out.FileData = &fd
	}
	if p.ExecutableCode != nil {
		ec := *p.ExecutableCode
		out.ExecutableCode = &ec
	}
	if p.CodeExecutionResult != nil {
		cr := *p.CodeExecutionResult
		out.CodeExecutionResult = &cr
	}
	return &out
}
