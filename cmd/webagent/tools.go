package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/audit"
	"github.com/michaelbrown/webagent/internal/storage"
)

var (
	toolTransport   string
	toolCommand     string
	toolArgs        []string
	toolEnv         []string
	toolURL         string
	toolHeaders     []string
	toolTimeout     time.Duration
	toolEnabled     bool
	toolDescription string
	toolsOutput     string
)

var toolsCmd = &cobra.Command{
	Use:     "tools",
	Aliases: []string{"tool", "t"},
	Short:   "Manage MCP tool servers",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured tools",
	RunE:  runToolsList,
}

var toolsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a tool server",
	Long: `Add a tool server to the document. Nothing is connected until the next
reconcile (serve, chat, or "webagent tools reconcile").

Env and header values may reference variables as ${VAR}; they are resolved
when the connection opens.

Examples:
  webagent tools add firecrawl --command npx --arg -y --arg firecrawl-mcp \
    --env 'FIRECRAWL_API_KEY=${FIRECRAWL_API_KEY}' --enabled
  webagent tools add search --transport http --url http://localhost:8931/mcp`,
	Args: cobra.ExactArgs(1),
	RunE: runToolsAdd,
}

var toolsEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTool(cmd, args[0], "enabled")
	},
}

var toolsDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a tool (its descriptor is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTool(cmd, args[0], "disabled")
	},
}

var toolsRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a disabled tool",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTool(cmd, args[0], "removed")
	},
}

var toolsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add every tool listed in a YAML file",
	Long: `Import tools from a YAML list, for example:

  - name: firecrawl
    enabled: true
    connection:
      command: npx
      args: ["-y", "firecrawl-mcp"]
      env:
        FIRECRAWL_API_KEY: ${FIRECRAWL_API_KEY}
      timeout: 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runToolsImport,
}

var toolsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Connect every enabled tool once and report the outcome",
	RunE:  runToolsReconcile,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsAddCmd, toolsEnableCmd, toolsDisableCmd,
		toolsRemoveCmd, toolsImportCmd, toolsReconcileCmd)

	toolsListCmd.Flags().StringVarP(&toolsOutput, "output", "o", "", "Output format: yaml or json (default table)")

	f := toolsAddCmd.Flags()
	f.StringVar(&toolTransport, "transport", agentconfig.TransportStdio, "Transport: stdio, sse or http")
	f.StringVar(&toolCommand, "command", "", "Command to launch (stdio)")
	f.StringArrayVar(&toolArgs, "arg", nil, "Command argument (repeatable)")
	f.StringArrayVar(&toolEnv, "env", nil, "Environment KEY=VALUE (repeatable)")
	f.StringVar(&toolURL, "url", "", "Server URL (sse, http)")
	f.StringArrayVar(&toolHeaders, "header", nil, "HTTP header Name=Value (repeatable)")
	f.DurationVar(&toolTimeout, "timeout", 0, "Connect timeout (default settings.connect_timeout)")
	f.BoolVar(&toolEnabled, "enabled", false, "Enable the tool")
	f.StringVar(&toolDescription, "description", "", "Description")
}

func runToolsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	m := a.newManager()
	if toolsOutput != "" {
		return writeStructured(os.Stdout, toolsOutput, m.List())
	}
	printStatus(m.List(), nil)
	return nil
}

func parsePairs(pairs []string, flag string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want KEY=VALUE", flag, p)
		}
		out[k] = v
	}
	return out, nil
}

func runToolsAdd(cmd *cobra.Command, args []string) error {
	env, err := parsePairs(toolEnv, "env")
	if err != nil {
		return err
	}
	headers, err := parsePairs(toolHeaders, "header")
	if err != nil {
		return err
	}

	t := agentconfig.ToolConfig{
		Name:    args[0],
		Enabled: toolEnabled,
		Connection: agentconfig.ConnectionDescriptor{
			Transport: toolTransport,
			Command:   toolCommand,
			Args:      toolArgs,
			Env:       env,
			URL:       toolURL,
			Headers:   headers,
			Timeout:   agentconfig.Duration(toolTimeout),
		},
		Description: toolDescription,
	}
	return addTools(cmd, []agentconfig.ToolConfig{t})
}

// addTools validates and inserts tools, then saves the document once.
func addTools(cmd *cobra.Command, list []agentconfig.ToolConfig) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	m := a.newManager()

	for _, t := range list {
		probe := agentconfig.Default()
		probe.Tools[t.Name] = t
		if errs := agentconfig.Validate(probe); len(errs) > 0 {
			return fmt.Errorf("tool %s: %w", t.Name, errs[0])
		}
		if err := m.AddTool(t); err != nil {
			return err
		}
		fmt.Printf("Added %s (%s, enabled=%t)\n", t.Name, t.Connection.Kind(), t.Enabled)
	}
	return a.save()
}

func runToolsImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var list []agentconfig.ToolConfig
	if err := yaml.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}
	if len(list) == 0 {
		return fmt.Errorf("%s lists no tools", args[0])
	}
	return addTools(cmd, list)
}

func editTool(cmd *cobra.Command, name, action string) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	m := a.newManager()

	switch action {
	case "enabled":
		err = m.EnableTool(name)
	case "disabled":
		err = m.DisableTool(name)
	case "removed":
		err = m.RemoveTool(name)
	}
	if err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Printf("Tool %s %s.\n", name, action)
	return nil
}

func runToolsReconcile(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	history, err := a.openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	m := a.newManager()
	defer m.Close()

	report, err := audit.New(history, a.logger.Named("audit")).Reconcile(context.Background(), m, storage.TriggerCLI)
	if err != nil {
		return err
	}
	printReport(report)
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d tool(s) failed to connect: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}
