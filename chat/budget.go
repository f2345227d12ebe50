package chat

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"
)

// Context budget defaults.
const (
	DefaultSafeLimitRatio             = 0.7
	DefaultPreservedEntries           = 4
	DefaultToolResultSummaryThreshold = 8000
	toolResultPreviewChars            = 200
)

// ContextBudget decides what to trim from history before a request is sent.
// Token counts are estimated locally as ceil(JSON characters / 4).
type ContextBudget struct {
	// SafeLimitRatio is the fraction of the model limit a request may use.
	SafeLimitRatio float64 `yaml:"safe_limit_ratio"`
	// PreservedEntries is the number of most recent entries never removed
	// or summarized.
	PreservedEntries int `yaml:"preserved_entries"`
	// SummaryThreshold is the size in characters above which an older
	// function response is replaced with a summary.
	SummaryThreshold int `yaml:"summary_threshold"`
}

// DefaultContextBudget returns the default budget policy.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		SafeLimitRatio:   DefaultSafeLimitRatio,
		PreservedEntries: DefaultPreservedEntries,
		SummaryThreshold: DefaultToolResultSummaryThreshold,
	}
}

func (b ContextBudget) withDefaults() ContextBudget {
	d := DefaultContextBudget()
	if b.SafeLimitRatio <= 0 || b.SafeLimitRatio > 1 {
		b.SafeLimitRatio = d.SafeLimitRatio
	}
	if b.PreservedEntries <= 0 {
		b.PreservedEntries = d.PreservedEntries
	}
	if b.SummaryThreshold <= 0 {
		b.SummaryThreshold = d.SummaryThreshold
	}
	return b
}

// TrimResult is the outcome of a budget check.
type TrimResult struct {
	History         []*genai.Content
	Removed         int
	Summarized      int
	EstimatedTokens int
	SafeLimit       int
	Warning         string
}

// Trimmed reports whether the history was changed.
func (r TrimResult) Trimmed() bool { return r.Removed > 0 || r.Summarized > 0 }

// TrimHistory applies DefaultContextBudget.
func TrimHistory(history []*genai.Content, systemInstruction *genai.Content, tools []*genai.Tool, modelLimit int) TrimResult {
	return DefaultContextBudget().Trim(history, systemInstruction, tools, modelLimit)
}

// Trim estimates the cost of a request. Oversized function responses in
// older entries are always summarized; when the request still reaches the
// safe limit the oldest entries are removed. The last PreservedEntries are
// never touched. Trim does not modify its inputs, and running it on its own
// output changes nothing.
func (b ContextBudget) Trim(history []*genai.Content, systemInstruction *genai.Content, tools []*genai.Tool, modelLimit int) TrimResult {
	b = b.withDefaults()
	hist := cloneContents(history)

	result := TrimResult{History: hist}
	for i := 0; i < len(hist)-b.PreservedEntries; i++ {
		result.Summarized += summarizeToolResults(hist[i], b.SummaryThreshold)
	}

	fixed := EstimateTokens(systemInstruction) + estimateToolTokens(tools)
	entryTokens := make([]int, len(hist))
	total := fixed
	for i, c := range hist {
		entryTokens[i] = EstimateTokens(c)
		total += entryTokens[i]
	}
	result.EstimatedTokens = total

	if modelLimit <= 0 {
		return result
	}
	safeLimit := int(math.Floor(float64(modelLimit) * b.SafeLimitRatio))
	result.SafeLimit = safeLimit
	if total < safeLimit {
		return result
	}

	removed := 0
	for total >= safeLimit && len(hist)-removed > b.PreservedEntries {
		total -= entryTokens[removed]
		removed++
	}

	result.History = hist[removed:]
	result.Removed = removed
	result.EstimatedTokens = total

	var warnings []string
	if removed > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"Removed %d oldest history %s to stay within the model's context window.",
			removed, plural(removed, "entry", "entries")))
	}
	if total >= safeLimit {
		warnings = append(warnings, fmt.Sprintf(
			"The request is still estimated at %d tokens (safe limit %d) after trimming; "+
				"the system instruction or tool schema alone may be too large. Consider starting a new session.",
			total, safeLimit))
	}
	result.Warning = strings.Join(warnings, " ")
	return result
}

// summarizeToolResults replaces oversized function responses in c with a
// short summary and returns how many were replaced.
func summarizeToolResults(c *genai.Content, threshold int) int {
	if c == nil {
		return 0
	}
	replaced := 0
	for i, p := range c.Parts {
		if p == nil || p.FunctionResponse == nil {
			continue
		}
		raw, err := json.Marshal(p.FunctionResponse.Response)
		if err != nil || len(raw) <= threshold {
			continue
		}
		fr := *p.FunctionResponse
		fr.Response = map[string]any{
			"summary": fmt.Sprintf("%s: output truncated (%d chars). Preview: %s", fr.Name, len(raw), jsonPrefix(raw, toolResultPreviewChars)),
		}
		c.Parts[i] = &genai.Part{FunctionResponse: &fr}
		replaced++
	}
	return replaced
}

// jsonPrefix returns at most n bytes of the JSON text raw, ending neither
// inside a UTF-8 sequence nor inside a backslash escape.
func jsonPrefix(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	for i := 0; i < cut; i++ {
		if raw[i] != '\\' {
			continue
		}
		size := 2
		if i+1 < len(raw) && raw[i+1] == 'u' {
			size = 6
		}
		if i+size > cut {
			cut = i
			break
		}
		i += size - 1
	}
	return string(raw[:cut])
}

// EstimateTokens returns ceil(len(json(v)) / 4). Nil values cost nothing.
func EstimateTokens(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case *genai.Content:
		if val == nil {
			return 0
		}
	case string:
		return ceilDiv(len(val), 4)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return ceilDiv(len(raw), 4)
}

func estimateToolTokens(tools []*genai.Tool) int {
	if len(tools) == 0 {
		return 0
	}
	return EstimateTokens(tools)
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
