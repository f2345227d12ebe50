package recording

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/genai"
)

// entryKind tags each JSONL line.
type entryKind string

const (
	entryMessage  entryKind = "message"
	entryToolCall entryKind = "tool_call"
)

type jsonlEntry struct {
	Kind     entryKind       `json:"kind"`
	Message  *MessageRecord  `json:"message,omitempty"`
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
}

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	path string
}

var _ Sink = (*JSONLSink)(nil)

// NewJSONLSink opens path for appending, creating parent directories.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &JSONLSink{f: f, w: w, enc: json.NewEncoder(w), path: path}, nil
}

// Path returns the file being written.
func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) write(entries ...jsonlEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	for _, e := range entries {
		if err := s.enc.Encode(e); err != nil {
			return fmt.Errorf("encode %s record: %w", e.Kind, err)
		}
	}
	return s.w.Flush()
}

func (s *JSONLSink) RecordMessage(_ context.Context, rec MessageRecord) error {
	return s.write(jsonlEntry{Kind: entryMessage, Message: &rec})
}

func (s *JSONLSink) RecordToolCalls(_ context.Context, recs []ToolCallRecord) error {
	entries := make([]jsonlEntry, len(recs))
	for i := range recs {
		entries[i] = jsonlEntry{Kind: entryToolCall, ToolCall: &recs[i]}
	}
	return s.write(entries...)
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// LoadJSONL reads a recording back. Only messages for sessionID are
// returned; an empty sessionID returns every message.
func LoadJSONL(path, sessionID string) ([]MessageRecord, []ToolCallRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var (
		messages []MessageRecord
		calls    []ToolCallRecord
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e jsonlEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		switch {
		case e.Message != nil && (sessionID == "" || e.Message.SessionID == sessionID):
			messages = append(messages, *e.Message)
		case e.ToolCall != nil && (sessionID == "" || e.ToolCall.SessionID == sessionID):
			calls = append(calls, *e.ToolCall)
		}
	}
	return messages, calls, scanner.Err()
}

// Contents extracts the conversation turns from message records.
func Contents(messages []MessageRecord) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Content != nil {
			out = append(out, m.Content)
		}
	}
	return out
}
