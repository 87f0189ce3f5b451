package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/webagent/internal/agent"
	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/metrics"
	"github.com/michaelbrown/webagent/internal/storage"
	"github.com/michaelbrown/webagent/internal/tools"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var (
		notFound       *tools.ToolNotFoundError
		promptNotFound *agentconfig.PromptNotFoundError
		dup            *tools.DuplicateToolError
		dupPrompt      *agentconfig.DuplicatePromptError
		inUse          *tools.ToolInUseError
		corrupt        *agentconfig.ConfigCorruptError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &promptNotFound):
		return http.StatusNotFound
	case errors.As(err, &dup), errors.As(err, &dupPrompt), errors.As(err, &inUse),
		errors.Is(err, agentconfig.ErrDirty):
		return http.StatusConflict
	case errors.As(err, &corrupt):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func listOptions(r *http.Request) storage.ListOptions {
	opts := storage.ListOptions{}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}
	return opts
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]tools.Status{}
	for _, e := range s.manager.Status() {
		status[e.Name] = e.Status
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tools":  status,
		"runs":   s.runs.Active(),
	})
}

// --- Configuration handlers ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   s.store.Path(),
		"dirty":  s.store.Dirty(),
		"config": st.Config,
		"pool":   st.Pool,
	})
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	err := s.store.Save()
	metrics.RecordConfigSave(err)
	if err != nil {
		s.logger.Errorw("saving configuration", "path", s.store.Path(), "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": s.store.Path()})
}

type validateResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	resp := validateResponse{Errors: []string{}}
	for _, v := range agentconfig.Validate(s.store.Snapshot()) {
		resp.Errors = append(resp.Errors, v.Error())
	}
	resp.Valid = len(resp.Errors) == 0
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	changed, err := s.store.Reload()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"changed": changed}
	if changed {
		report, err := s.Reconcile(r.Context(), storage.TriggerAPI)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("reconcile: %v", err))
			return
		}
		resp["report"] = report
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Tool handlers ---

type toolView struct {
	agentconfig.ToolConfig
	Status tools.Status `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
	Tools  []string     `json:"tools,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Snapshot()
	pool := make(map[string]tools.EntryStatus, len(st.Pool))
	for _, e := range st.Pool {
		pool[e.Name] = e
	}

	views := []toolView{}
	for _, name := range st.Config.ToolNames() {
		v := toolView{ToolConfig: st.Config.Tools[name]}
		if e, ok := pool[name]; ok {
			v.Status = e.Status
			v.Error = e.Error
			v.Tools = e.Tools
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddTool(w http.ResponseWriter, r *http.Request) {
	var t agentconfig.ToolConfig
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(t.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	// Check the descriptor on its own before it lands in the document.
	probe := agentconfig.Default()
	probe.Tools[t.Name] = t
	if errs := agentconfig.Validate(probe); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "invalid tool", "errors": msgs})
		return
	}

	if err := s.manager.AddTool(t); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Infow("tool added", "tool", t.Name, "transport", t.Connection.Kind(), "enabled", t.Enabled)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleEnableTool(w http.ResponseWriter, r *http.Request) {
	s.setToolEnabled(w, r, true)
}

func (s *Server) handleDisableTool(w http.ResponseWriter, r *http.Request) {
	s.setToolEnabled(w, r, false)
}

func (s *Server) setToolEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	var err error
	if enabled {
		err = s.manager.EnableTool(name)
	} else {
		err = s.manager.DisableTool(name)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func (s *Server) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.RemoveTool(name); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.Reconcile(r.Context(), storage.TriggerAPI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("reconcile: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Prompt handlers ---

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts := s.prompts.List()
	if prompts == nil {
		prompts = []agentconfig.PromptConfig{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handleAddPrompt(w http.ResponseWriter, r *http.Request) {
	var p agentconfig.PromptConfig
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(p.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.prompts.AddPrompt(p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleActivatePrompt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.prompts.ActivatePrompt(name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

func (s *Server) handleDeactivatePrompts(w http.ResponseWriter, r *http.Request) {
	if err := s.prompts.DeactivateAll(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": ""})
}

func (s *Server) handleRemovePrompt(w http.ResponseWriter, r *http.Request) {
	if err := s.prompts.RemovePrompt(chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Run handlers ---

type runMessage struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

type runRequest struct {
	Messages []runMessage `json:"messages"`
}

type runResponse struct {
	Content    string `json:"content"`
	RunID      string `json:"run_id"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
}

// newAgent builds an agent over the tools live right now and the active
// prompt. The toolset is a snapshot; later reconciles do not alter it.
func (s *Server) newAgent() (*agent.Agent, *storage.AgentRun) {
	toolset := s.manager.LiveTools()
	run := &storage.AgentRun{Model: s.model, Tools: toolset.Servers()}

	instructions := ""
	if p, ok := s.prompts.ActivePrompt(); ok {
		instructions = p.Content
		run.Prompt = p.Name
	}
	a := agent.New(s.llm, toolset, agent.Options{
		Instructions:  instructions,
		MaxIterations: s.maxIter,
		Logger:        s.logger.Named("agent"),
	})
	return a, run
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleUser || strings.TrimSpace(last.Content) == "" {
		writeError(w, http.StatusBadRequest, "last message must be a non-empty user message")
		return
	}

	a, run := s.newAgent()
	prior := make([]llm.Message, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		prior = append(prior, llm.Message{Role: m.Role, Content: m.Content})
	}
	a.Load(prior)

	run.Input = last.Content
	s.audit.BeginRun(r.Context(), run)

	ctx, finish := s.runs.Start(r.Context(), run.ID)
	res, err := a.Run(ctx, last.Content)
	finish()
	s.audit.FinishRun(r.Context(), run, res, err, a.History())

	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": fmt.Sprintf("agent error: %v", err), "run_id": run.ID})
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		Content:    res.Content,
		RunID:      run.ID,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.runs.Cancel(id) {
		writeError(w, http.StatusNotFound, "run not in flight: "+id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": id})
}

type modelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.llm.(modelLister)
	if !ok {
		writeJSON(w, http.StatusOK, []llm.ModelInfo{{ID: s.model}})
		return
	}
	models, err := lister.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("querying models: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// --- History handlers ---

func (s *Server) handleListReconciles(w http.ResponseWriter, r *http.Request) {
	if !s.audit.Enabled() {
		writeJSON(w, http.StatusOK, []storage.ReconcileRecord{})
		return
	}
	records, err := s.audit.Store().ListReconciles(r.Context(), listOptions(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []storage.ReconcileRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.audit.Enabled() {
		writeJSON(w, http.StatusOK, []storage.AgentRun{})
		return
	}
	runs, err := s.audit.Store().ListRuns(r.Context(), listOptions(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.AgentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.audit.Enabled() {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.audit.Store().GetRun(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	messages, err := s.audit.Store().LoadMessages(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []llm.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "messages": messages})
}
