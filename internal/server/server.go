package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/audit"
	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/metrics"
	"github.com/michaelbrown/webagent/internal/storage"
	"github.com/michaelbrown/webagent/internal/tools"
)

// Options wires the server to the rest of the process.
type Options struct {
	Manager *tools.Manager
	Prompts *agentconfig.PromptManager
	LLM     llm.Client
	Model   string

	// History is optional; without it runs and reconciles are not recorded.
	History storage.Store

	MaxIterations int
	MetricsPath   string
	Logger        *zap.SugaredLogger
}

// Server is the HTTP server for the webagent API.
type Server struct {
	manager *tools.Manager
	store   *agentconfig.Store
	prompts *agentconfig.PromptManager
	llm     llm.Client
	model   string
	audit   *audit.Recorder
	maxIter int
	logger  *zap.SugaredLogger
	runs    *RunTracker
	router  chi.Router
	metrics string
	http    *http.Server
}

// New creates a new Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s := &Server{
		manager: opts.Manager,
		store:   opts.Manager.Store(),
		prompts: opts.Prompts,
		llm:     opts.LLM,
		model:   opts.Model,
		audit:   audit.New(opts.History, logger.Named("audit")),
		maxIter: opts.MaxIterations,
		logger:  logger,
		runs:    NewRunTracker(),
		router:  chi.NewRouter(),
		metrics: metricsPath,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle(s.metrics, metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Configuration document
		r.Get("/config", s.handleGetConfig)
		r.Post("/config/save", s.handleSaveConfig)
		r.Post("/config/reload", s.handleReloadConfig)
		r.Get("/config/validate", s.handleValidateConfig)

		// Tools
		r.Get("/tools", s.handleListTools)
		r.Post("/tools", s.handleAddTool)
		r.Post("/tools/{name}/enable", s.handleEnableTool)
		r.Post("/tools/{name}/disable", s.handleDisableTool)
		r.Delete("/tools/{name}", s.handleRemoveTool)
		r.Post("/reconcile", s.handleReconcile)

		// Prompts
		r.Get("/prompts", s.handleListPrompts)
		r.Post("/prompts", s.handleAddPrompt)
		r.Post("/prompts/deactivate", s.handleDeactivatePrompts)
		r.Post("/prompts/{name}/activate", s.handleActivatePrompt)
		r.Delete("/prompts/{name}", s.handleRemovePrompt)

		// Model runs
		r.Post("/run", s.handleRun)
		r.Get("/run/ws", s.handleRunWebSocket)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Get("/models", s.handleListModels)

		// Audit history
		r.Get("/history/reconciles", s.handleListReconciles)
		r.Get("/history/runs", s.handleListRuns)
		r.Get("/history/runs/{id}", s.handleGetRun)
	})
}

// Handler returns the traced root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "webagent",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request and counts it by route pattern.
func requestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.RecordHTTPRequest(route, strconv.Itoa(status))
			logger.Debugw("request",
				"method", r.Method,
				"route", route,
				"status", status,
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Reconcile brings the pool in line with the configuration and records the
// pass under trigger.
func (s *Server) Reconcile(ctx context.Context, trigger storage.Trigger) (tools.Report, error) {
	return s.audit.Reconcile(ctx, s.manager, trigger)
}

// Start begins listening on the given port. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown cancels in-flight runs and gracefully stops the listener.
// Tool connections are closed by the owner of the Manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.runs.CancelAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
