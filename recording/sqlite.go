package recording

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/genai"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteSink stores records in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

var _ Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens (or creates) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			prompt_id TEXT,
			model TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			prompt_id TEXT,
			call_id TEXT NOT NULL,
			name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			duration_ms INTEGER,
			created_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) RecordMessage(ctx context.Context, rec MessageRecord) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, prompt_id, model, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.PromptID, rec.Model, rec.Role, string(content), rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteSink) RecordToolCalls(ctx context.Context, recs []ToolCallRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_calls (session_id, prompt_id, call_id, name, args, status, result, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		args, err := json.Marshal(rec.Args)
		if err != nil {
			return fmt.Errorf("failed to marshal args: %w", err)
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.SessionID, rec.PromptID, rec.CallID, rec.Name, string(args),
			rec.Status, rec.Result, rec.Error, rec.Duration.Milliseconds(), rec.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert tool call: %w", err)
		}
	}
	return tx.Commit()
}

// Messages returns the recorded messages of a session in insertion order.
func (s *SQLiteSink) Messages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, prompt_id, model, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var (
			rec     MessageRecord
			content string
			created int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.PromptID, &rec.Model, &rec.Role, &content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var c genai.Content
		if err := json.Unmarshal([]byte(content), &c); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
		rec.Content = &c
		rec.Timestamp = time.Unix(0, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ToolCalls returns the recorded tool calls of a session in insertion order.
func (s *SQLiteSink) ToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, prompt_id, call_id, name, args, status, result, error, duration_ms, created_at
		 FROM tool_calls WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var (
			rec        ToolCallRecord
			args       sql.NullString
			durationMs int64
			created    int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.PromptID, &rec.CallID, &rec.Name, &args,
			&rec.Status, &rec.Result, &rec.Error, &durationMs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		if args.Valid && args.String != "" && args.String != "null" {
			if err := json.Unmarshal([]byte(args.String), &rec.Args); err != nil {
				return nil, fmt.Errorf("failed to decode args: %w", err)
			}
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.Timestamp = time.Unix(0, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
