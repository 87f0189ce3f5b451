package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/storage"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; an in-memory database also only exists per connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func (s *SQLiteStore) RecordReconcile(ctx context.Context, r *storage.ReconcileRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	outcomes, err := json.Marshal(r.Outcomes)
	if err != nil {
		return fmt.Errorf("marshaling outcomes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (id, trigger, started_at, duration_ms, outcomes, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, formatTime(r.StartedAt), r.Duration.Milliseconds(), string(outcomes), r.Failed, r.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting reconcile record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListReconciles(ctx context.Context, opts storage.ListOptions) ([]storage.ReconcileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, started_at, duration_ms, outcomes, failed, error
		FROM reconcile_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing reconciles: %w", err)
	}
	defer rows.Close()

	var out []storage.ReconcileRecord
	for rows.Next() {
		var (
			r          storage.ReconcileRecord
			startedAt  string
			durationMS int64
			outcomes   string
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &startedAt, &durationMS, &outcomes, &r.Failed, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(outcomes), &r.Outcomes); err != nil {
			return nil, fmt.Errorf("unmarshaling outcomes of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *storage.AgentRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = storage.StatusRunning
	}
	toolsJSON, err := json.Marshal(run.Tools)
	if err != nil {
		return fmt.Errorf("marshaling tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, status, model, prompt, tools, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.Model, run.Prompt, string(toolsJSON), run.Input,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_messages (run_id, messages) VALUES (?, '[]')`,
		run.ID,
	)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *storage.AgentRun) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, output = ?, error = ?, iterations = ?, tool_calls = ?,
			prompt_tokens = ?, completion_tokens = ?, updated_at = ?
		WHERE id = ?`,
		run.Status, run.Output, run.Error, run.Iterations, run.ToolCalls,
		run.PromptTokens, run.CompletionTokens, formatTime(run.UpdatedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

const runColumns = `id, status, model, prompt, tools, input, output, error, iterations, tool_calls,
	prompt_tokens, completion_tokens, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.AgentRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous run prefix %q matches %d runs", id, len(matches))
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.ListOptions) ([]storage.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOf(opts), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, runID string, messages []llm.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_messages (run_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		runID, string(data), formatTime(time.Now()),
	)
	return err
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, runID string) ([]llm.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT messages FROM run_messages WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func limitOf(opts storage.ListOptions) int {
	if opts.Limit <= 0 {
		return 50
	}
	return opts.Limit
}

// scanner works with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.AgentRun, error) {
	var (
		run                  storage.AgentRun
		toolsJSON            string
		createdAt, updatedAt string
	)
	err := s.Scan(&run.ID, &run.Status, &run.Model, &run.Prompt, &toolsJSON, &run.Input,
		&run.Output, &run.Error, &run.Iterations, &run.ToolCalls,
		&run.PromptTokens, &run.CompletionTokens, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(toolsJSON), &run.Tools)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}
