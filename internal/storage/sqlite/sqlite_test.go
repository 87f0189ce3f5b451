package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListReconciles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []*storage.ReconcileRecord{
		{ID: "r1", Trigger: storage.TriggerStartup, StartedAt: base, Duration: 1500 * time.Millisecond,
			Outcomes: map[string]string{"tool_a": "failed:network unreachable", "tool_b": "connected"}, Failed: 1},
		{ID: "r2", Trigger: storage.TriggerAPI, StartedAt: base.Add(time.Minute), Duration: 200 * time.Millisecond,
			Outcomes: map[string]string{"tool_a": "connected", "tool_b": "unchanged"}},
	}
	for _, r := range records {
		if err := s.RecordReconcile(ctx, r); err != nil {
			t.Fatalf("RecordReconcile(%s): %v", r.ID, err)
		}
	}

	got, err := s.ListReconciles(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListReconciles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ID != "r2" {
		t.Errorf("first record = %s, want newest r2", got[0].ID)
	}
	old := got[1]
	if old.Trigger != storage.TriggerStartup || old.Failed != 1 || old.Duration != 1500*time.Millisecond {
		t.Errorf("r1 = %+v", old)
	}
	if old.Outcomes["tool_a"] != "failed:network unreachable" {
		t.Errorf("outcomes = %v", old.Outcomes)
	}
	if !old.StartedAt.Equal(base) {
		t.Errorf("started_at = %v, want %v", old.StartedAt, base)
	}

	limited, err := s.ListReconciles(ctx, storage.ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "r1" {
		t.Errorf("paged = %+v", limited)
	}
}

func TestCreateAndFinishRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.AgentRun{
		ID:     "abc12345-0000-0000-0000-000000000000",
		Model:  "openai/gpt-5",
		Prompt: "default",
		Tools:  []string{"firecrawl"},
		Input:  "find apartments",
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != storage.StatusRunning || got.Model != "openai/gpt-5" || len(got.Tools) != 1 {
		t.Errorf("created run = %+v", got)
	}

	run.Status = storage.StatusCompleted
	run.Output = "3 listings"
	run.Iterations = 2
	run.ToolCalls = 1
	run.PromptTokens = 120
	run.CompletionTokens = 30
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err = s.GetRun(ctx, "abc1")
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if got.Status != storage.StatusCompleted || got.Output != "3 listings" || got.PromptTokens != 120 {
		t.Errorf("finished run = %+v", got)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := testStore(t)
	err := s.FinishRun(context.Background(), &storage.AgentRun{ID: "missing", Status: storage.StatusFailed})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("FinishRun unknown = %v", err)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"aaa11111", "aaa22222"} {
		if err := s.CreateRun(ctx, &storage.AgentRun{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.GetRun(ctx, "aaa"); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("GetRun ambiguous = %v", err)
	}
	if _, err := s.GetRun(ctx, "zzz"); err == nil {
		t.Error("GetRun unknown should fail")
	}
}

func TestListRunsFilterAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		run := &storage.AgentRun{ID: id}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			run.Status = storage.StatusFailed
			run.Error = "rate limited"
			if err := s.FinishRun(ctx, run); err != nil {
				t.Fatal(err)
			}
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.ListRuns(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "run-3" || all[2].ID != "run-1" {
		t.Errorf("ListRuns order = %v", runIDs(all))
	}

	failed, err := s.ListRuns(ctx, storage.ListOptions{Status: storage.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "run-2" || failed[0].Error != "rate limited" {
		t.Errorf("failed runs = %+v", failed)
	}

	limited, err := s.ListRuns(ctx, storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d", len(limited))
	}
}

func runIDs(runs []storage.AgentRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestSaveAndLoadMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, &storage.AgentRun{ID: "run-1"}); err != nil {
		t.Fatal(err)
	}

	empty, err := s.LoadMessages(ctx, "run-1")
	if err != nil || len(empty) != 0 {
		t.Fatalf("initial messages = %v, %v", empty, err)
	}

	msgs := []llm.Message{
		llm.SystemMessage("You extract data."),
		llm.UserMessage("scrape example.com"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "firecrawl_scrape", Args: map[string]any{"url": "https://example.com"}},
		}},
		llm.ToolResultMessage("c1", "<html>"),
		llm.AssistantMessage("done"),
	}
	if err := s.SaveMessages(ctx, "run-1", msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.SaveMessages(ctx, "run-1", msgs); err != nil {
		t.Fatalf("SaveMessages overwrite: %v", err)
	}

	got, err := s.LoadMessages(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	if got[2].ToolCalls[0].Args["url"] != "https://example.com" || got[3].ToolCallID != "c1" {
		t.Errorf("tool call round trip = %+v / %+v", got[2], got[3])
	}

	none, err := s.LoadMessages(ctx, "missing")
	if err != nil || none != nil {
		t.Errorf("LoadMessages(missing) = %v, %v", none, err)
	}
}

func TestOpenFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "webagent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.RecordReconcile(context.Background(), &storage.ReconcileRecord{ID: "r1", Trigger: storage.TriggerCLI}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.ListReconciles(context.Background(), storage.ListOptions{})
	if err != nil || len(got) != 1 {
		t.Errorf("after reopen = %v, %v", got, err)
	}
}
