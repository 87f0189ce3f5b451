package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/server"
	"github.com/michaelbrown/webagent/internal/storage"
	"github.com/michaelbrown/webagent/internal/trace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webagent HTTP server",
	Long: `Validate the tool and prompt document, connect every enabled tool, and
serve the REST and WebSocket API under /api.

Examples:
  webagent serve
  webagent serve --port 9090 --watch
  OPENROUTER_API_KEY=... webagent serve --model openai/gpt-5`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (default 3773)")
	serveCmd.Flags().Bool("watch", false, "Reload and reconcile when the document changes on disk")
	serveCmd.Flags().Bool("no-history", false, "Do not record runs and reconciles")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, false)
	if err != nil {
		return err
	}
	logger := a.logger
	defer logger.Sync()

	if errs := agentconfig.Validate(a.store.Snapshot()); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("invalid configuration %s:\n  %s", a.store.Path(), strings.Join(msgs, "\n  "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := trace.Init(ctx, trace.Config{
		Endpoint: a.cfg.Trace.Endpoint,
		URLPath:  a.cfg.Trace.URLPath,
		Insecure: a.cfg.Trace.Insecure,
	}, logger.Named("trace"))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTrace(context.Background())

	var history storage.Store
	if noHistory, _ := cmd.Flags().GetBool("no-history"); !noHistory {
		history, err = a.openHistory()
		if err != nil {
			return err
		}
		defer history.Close()
	}

	manager := a.newManager()
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warnw("closing tool connections", "error", err)
		}
	}()

	if a.modelName() == "" {
		logger.Warn("no model configured; set --model, MODEL_NAME or settings.model_id")
	}
	if a.cfg.Model.APIKey == "" {
		logger.Warn("no model API key configured; set --api-key or OPENROUTER_API_KEY")
	}

	srv := server.New(server.Options{
		Manager:       manager,
		Prompts:       agentconfig.NewPromptManager(a.store),
		LLM:           a.newLLM(),
		Model:         a.modelName(),
		History:       history,
		MaxIterations: a.cfg.Model.MaxIterations,
		MetricsPath:   a.cfg.Server.MetricsPath,
		Logger:        logger.Named("server"),
	})

	// A failed tool is reported, not fatal; the rest still serve.
	if _, err := srv.Reconcile(ctx, storage.TriggerStartup); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	if a.cfg.Watch {
		go func() {
			err := agentconfig.Watch(ctx, a.store, logger.Named("watch"), func() {
				if _, err := srv.Reconcile(ctx, storage.TriggerWatch); err != nil && ctx.Err() == nil {
					logger.Errorw("reconcile after reload", "error", err)
				}
			})
			if err != nil {
				logger.Errorw("config watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(a.cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return err
	}
	if a.store.Dirty() {
		logger.Warn("unsaved configuration changes discarded; POST /api/config/save to keep them")
	}
	return nil
}
