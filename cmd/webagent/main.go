package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/config"
	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/logging"
	"github.com/michaelbrown/webagent/internal/storage"
	"github.com/michaelbrown/webagent/internal/storage/sqlite"
	"github.com/michaelbrown/webagent/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "webagent",
	Short: "webagent - web data extraction agent over MCP tools",
	Long: `webagent manages a set of MCP tool servers and a library of prompts, and
forwards chat requests to an OpenAI-compatible model (OpenRouter by default)
with whichever tools are currently connected.

The tool and prompt document is a JSON file (config.json by default). Process
settings come from webagent.yaml, WEBAGENT_* variables and flags.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Tool and prompt document (default config.json, env CONFIG_FILE)")
	pf.String("model", "", "Model id (env MODEL_NAME; falls back to settings.model_id)")
	pf.String("api-key", "", "Model API key (env OPENROUTER_API_KEY)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
}

// flagBindings maps viper keys to the persistent flags that override them.
func flagBindings(cmd *cobra.Command) map[string]*pflag.Flag {
	flags := cmd.Flags()
	return map[string]*pflag.Flag{
		"config_file":   flags.Lookup("config"),
		"model.name":    flags.Lookup("model"),
		"model.api_key": flags.Lookup("api-key"),
		"log.level":     flags.Lookup("log-level"),
		"server.port":   flags.Lookup("port"),
		"watch":         flags.Lookup("watch"),
	}
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	store  *agentconfig.Store
}

// loadApp reads process config, builds the logger and opens the document.
// Interactive commands log to the console; serve uses the configured format.
func loadApp(cmd *cobra.Command, interactive bool) (*app, error) {
	cfg, err := config.Load(flagBindings(cmd))
	if err != nil {
		return nil, err
	}

	logOpts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	if interactive {
		logOpts.Format = "console"
		if !cmd.Flags().Changed("log-level") && os.Getenv("LOG_LEVEL") == "" {
			logOpts.Level = "warn"
		}
	}
	logger := logging.New("webagent", logOpts)

	store, err := agentconfig.Open(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.ConfigFile, err)
	}
	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) newManager() *tools.Manager {
	return tools.NewManager(a.store, tools.MCPDialer{}, a.logger.Named("tools"))
}

// modelName resolves --model / MODEL_NAME, then settings.model_id.
func (a *app) modelName() string {
	if a.cfg.Model.Name != "" {
		return a.cfg.Model.Name
	}
	var name string
	a.store.View(func(cfg *agentconfig.Configuration) {
		name = cfg.StringSetting(agentconfig.SettingModelID, "")
	})
	return name
}

func (a *app) newLLM() *llm.OpenAICompatClient {
	opts := llm.Options{
		BaseURL: a.cfg.Model.BaseURL,
		APIKey:  a.cfg.Model.APIKey,
		Model:   a.modelName(),
		Logger:  a.logger.Named("llm"),
	}
	if a.cfg.Model.IsOpenRouter() {
		opts.AppURL = "https://github.com/michaelbrown/webagent"
		opts.AppName = "webagent"
	}
	return llm.NewClient(opts)
}

func (a *app) openHistory() (storage.Store, error) {
	store, err := sqlite.Open(a.cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", a.cfg.Storage.DBPath, err)
	}
	return store, nil
}

// save persists document edits made by a command.
func (a *app) save() error {
	if !a.store.Dirty() {
		return nil
	}
	if err := a.store.Save(); err != nil {
		return err
	}
	a.logger.Debugw("configuration saved", "path", a.store.Path())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
