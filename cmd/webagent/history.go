package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"h"},
	Short:   "Browse recorded runs and reconciles",
}

var historyRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List agent runs",
	RunE:  runHistoryRuns,
}

var historyReconcilesCmd = &cobra.Command{
	Use:   "reconciles",
	Short: "List reconcile passes",
	RunE:  runHistoryReconciles,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryExport,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyRunsCmd, historyReconcilesCmd, historyShowCmd, historyExportCmd)

	historyRunsCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (running, completed, failed)")
	historyRunsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")
	historyReconcilesCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max records to show")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func openHistoryStore(cmd *cobra.Command) (storage.Store, error) {
	a, err := loadApp(cmd, true)
	if err != nil {
		return nil, err
	}
	return a.openHistory()
}

func runHistoryRuns(cmd *cobra.Command, args []string) error {
	store, err := openHistoryStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.ListOptions{
		Status: storage.RunStatus(statusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-40s %-20s %s\n", "ID", "STATUS", "INPUT", "MODEL", "STARTED")
	fmt.Println(strings.Repeat("─", 95))
	for _, r := range runs {
		model := r.Model
		if len(model) > 18 {
			model = model[:18] + ".."
		}
		fmt.Printf("%-10s %-10s %-40s %-20s %s\n",
			shortID(r.ID), r.Status, truncate(r.Input, 36), model, timeAgo(r.CreatedAt))
	}
	return nil
}

func runHistoryReconciles(cmd *cobra.Command, args []string) error {
	store, err := openHistoryStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListReconciles(context.Background(), storage.ListOptions{Limit: limitFlag})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No reconciles recorded.")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%s  %-8s %-8s %d tool(s), %d failed  (%s)\n",
			shortID(r.ID), r.Trigger, r.Duration.Round(time.Millisecond), len(r.Outcomes), r.Failed, timeAgo(r.StartedAt))
		for _, name := range sortedKeys(r.Outcomes) {
			fmt.Printf("    %-20s %s\n", name, r.Outcomes[name])
		}
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistoryStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Model:    %s\n", run.Model)
	if run.Prompt != "" {
		fmt.Printf("Prompt:   %s\n", run.Prompt)
	}
	fmt.Printf("Tools:    %s\n", strings.Join(run.Tools, ", "))
	fmt.Printf("Started:  %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Tokens:   %d prompt / %d completion\n", run.PromptTokens, run.CompletionTokens)
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}

	messages, err := store.LoadMessages(ctx, run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nMessages: %d\n", len(messages))
	fmt.Println(strings.Repeat("─", 60))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			fmt.Printf("\n\033[36myou>\033[0m %s\n", truncate(m.Content, 200))
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Printf("\n\033[32magent>\033[0m %s\n", truncate(m.Content, 200))
			}
			for _, tc := range m.ToolCalls {
				fmt.Printf("  \033[33m⚡ %s\033[0m\n", tc.Name)
			}
		case llm.RoleTool:
			fmt.Printf("  \033[90m│ %s\033[0m\n", truncate(m.Content, 100))
		}
	}
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openHistoryStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	messages, err := store.LoadMessages(ctx, run.ID)
	if err != nil {
		return err
	}

	var output []byte
	switch exportFormat {
	case "json":
		output, err = storage.ExportJSON(run, messages)
		if err != nil {
			return err
		}
	default:
		output = []byte(storage.ExportMarkdown(run, messages))
	}
	return writeOutput(exportOutput, output)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
