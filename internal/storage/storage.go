package storage

import (
	"context"
	"time"

	"github.com/michaelbrown/webagent/internal/llm"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Trigger names what started a reconcile pass.
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerAPI     Trigger = "api"
	TriggerWatch   Trigger = "watch"
	TriggerCLI     Trigger = "cli"
)

// ReconcileRecord is the audit entry of one reconcile pass.
type ReconcileRecord struct {
	ID        string            `json:"id"`
	Trigger   Trigger           `json:"trigger"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Outcomes  map[string]string `json:"outcomes"`
	Failed    int               `json:"failed"`
	Error     string            `json:"error,omitempty"`
}

// AgentRun is the metadata of one model run.
type AgentRun struct {
	ID               string    `json:"id"`
	Status           RunStatus `json:"status"`
	Model            string    `json:"model"`
	Prompt           string    `json:"prompt"` // active prompt name, empty for the default instructions
	Tools            []string  `json:"tools"`  // servers live when the run started
	Input            string    `json:"input"`
	Output           string    `json:"output,omitempty"`
	Error            string    `json:"error,omitempty"`
	Iterations       int       `json:"iterations"`
	ToolCalls        int       `json:"tool_calls"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ListOptions controls filtering and pagination of history queries.
type ListOptions struct {
	Status RunStatus // agent runs only
	Limit  int
	Offset int
}

// Store is the persistence interface for the audit history.
type Store interface {
	// RecordReconcile inserts a reconcile record. The ID field must be set by the caller.
	RecordReconcile(ctx context.Context, r *ReconcileRecord) error

	// ListReconciles returns reconcile records, newest first.
	ListReconciles(ctx context.Context, opts ListOptions) ([]ReconcileRecord, error)

	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *AgentRun) error

	// FinishRun updates the result fields of a run.
	FinishRun(ctx context.Context, r *AgentRun) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*AgentRun, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts ListOptions) ([]AgentRun, error)

	// SaveMessages overwrites the transcript of a run.
	SaveMessages(ctx context.Context, runID string, messages []llm.Message) error

	// LoadMessages returns the transcript of a run.
	LoadMessages(ctx context.Context, runID string) ([]llm.Message, error)

	// Close releases resources.
	Close() error
}
