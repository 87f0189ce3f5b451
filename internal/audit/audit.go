// Package audit records reconcile passes and agent runs to the history store.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/webagent/internal/agent"
	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/storage"
	"github.com/michaelbrown/webagent/internal/tools"
)

// Recorder writes audit entries. A Recorder with a nil store only logs, so
// callers never need to branch on whether history is configured.
type Recorder struct {
	store  storage.Store
	logger *zap.SugaredLogger
}

// New returns a Recorder over store, which may be nil.
func New(store storage.Store, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, logger: logger}
}

// Enabled reports whether entries are persisted.
func (r *Recorder) Enabled() bool { return r.store != nil }

// Store returns the underlying store, nil when history is off.
func (r *Recorder) Store() storage.Store { return r.store }

// Reconcile runs m.Reconcile and records the outcome report.
func (r *Recorder) Reconcile(ctx context.Context, m *tools.Manager, trigger storage.Trigger) (tools.Report, error) {
	rec := &storage.ReconcileRecord{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}

	report, err := m.Reconcile(ctx)
	rec.Duration = time.Since(rec.StartedAt)
	rec.Outcomes = report.Strings()
	rec.Failed = len(report.Failed())
	if err != nil {
		rec.Error = err.Error()
	}

	for _, name := range report.Names() {
		o := report[name]
		if o.Kind == tools.OutcomeFailed {
			r.logger.Warnw("tool failed to connect", "tool", name, "trigger", trigger, "error", o.String())
			continue
		}
		r.logger.Debugw("tool reconciled", "tool", name, "outcome", o.String())
	}
	r.logger.Infow("reconcile complete", "trigger", trigger, "tools", len(report), "failed", rec.Failed, "duration", rec.Duration)

	if r.store != nil {
		if serr := r.store.RecordReconcile(context.WithoutCancel(ctx), rec); serr != nil {
			r.logger.Warnw("failed to record reconcile", "id", rec.ID, "error", serr)
		}
	}
	return report, err
}

// BeginRun assigns an id to run and stores it as running.
func (r *Recorder) BeginRun(ctx context.Context, run *storage.AgentRun) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = storage.StatusRunning
	if r.store == nil {
		return
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.Warnw("failed to record run", "run", run.ID, "error", err)
	}
}

// FinishRun stores the result and transcript of a run started with BeginRun.
// It still writes when ctx has been cancelled.
func (r *Recorder) FinishRun(ctx context.Context, run *storage.AgentRun, res *agent.Result, runErr error, transcript []llm.Message) {
	switch {
	case runErr != nil:
		run.Status = storage.StatusFailed
		run.Error = runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			run.Error = "interrupted"
		}
	case res != nil:
		run.Status = storage.StatusCompleted
		run.Output = res.Content
	}
	if res != nil {
		run.Iterations = res.Iterations
		run.ToolCalls = res.ToolCalls
		run.PromptTokens = res.Usage.PromptTokens
		run.CompletionTokens = res.Usage.CompletionTokens
	}
	if r.store == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := r.store.FinishRun(ctx, run); err != nil {
		r.logger.Warnw("failed to finish run", "run", run.ID, "error", err)
	}
	if err := r.store.SaveMessages(ctx, run.ID, transcript); err != nil {
		r.logger.Warnw("failed to save transcript", "run", run.ID, "error", err)
	}
}
