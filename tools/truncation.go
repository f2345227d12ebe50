package tools

import (
	"fmt"
	"strings"
)

// OutputLimit bounds the function response a tool sends back to the model.
// Zero fields are unlimited.
type OutputLimit struct {
	MaxChars int
	MaxLines int
	// KeepHead keeps both ends of long output instead of only the end.
	KeepHead bool
}

var outputLimits = map[string]OutputLimit{
	ReadFileToolName:  {MaxChars: 50_000, KeepHead: true},
	ShellToolName:     {MaxChars: 30_000, MaxLines: 256, KeepHead: true},
	GrepToolName:      {MaxChars: 20_000, MaxLines: 200},
	GlobToolName:      {MaxChars: 20_000, MaxLines: 500},
	EditToolName:      {MaxChars: 10_000},
	WriteFileToolName: {MaxChars: 1_000},
}

// LimitFor returns the output limit of the named tool.
func LimitFor(toolName string) OutputLimit {
	if l, ok := outputLimits[toolName]; ok {
		return l
	}
	return OutputLimit{MaxChars: 30_000, KeepHead: true}
}

// Apply clips s to the character limit, then to the line limit, marking
// what was dropped.
func (l OutputLimit) Apply(s string) string {
	if l.MaxChars > 0 && len(s) > l.MaxChars {
		dropped := len(s) - l.MaxChars
		if l.KeepHead {
			h := l.MaxChars / 2
			s = s[:h] + fmt.Sprintf("\n\n[output clipped: %d chars dropped from the middle; "+
				"run the tool again with narrower arguments to see them]\n\n", dropped) + s[len(s)-h:]
		} else {
			s = fmt.Sprintf("[output clipped: first %d chars dropped]\n\n", dropped) + s[dropped:]
		}
	}
	if l.MaxLines <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= l.MaxLines {
		return s
	}
	head := l.MaxLines / 2
	tail := l.MaxLines - head
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[%d lines dropped]\n", len(lines)-l.MaxLines) +
		strings.Join(lines[len(lines)-tail:], "\n")
}
