package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/tools"
)

// writeStructured renders v as yaml or json.
func writeStructured(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}

func printReport(report tools.Report) {
	if len(report) == 0 {
		fmt.Println("Tools: none configured")
		return
	}
	for _, name := range report.Names() {
		o := report[name]
		color := "32"
		switch o.Kind {
		case tools.OutcomeFailed:
			color = "31"
		case tools.OutcomeClosed:
			color = "90"
		}
		fmt.Printf("  %-20s \033[%sm%s\033[0m\n", name, color, o)
	}
}

func printStatus(cfgTools []agentconfig.ToolConfig, pool []tools.EntryStatus) {
	if len(cfgTools) == 0 {
		fmt.Println("No tools configured.")
		return
	}
	byName := make(map[string]tools.EntryStatus, len(pool))
	for _, e := range pool {
		byName[e.Name] = e
	}

	fmt.Printf("%-20s %-8s %-10s %-10s %s\n", "NAME", "ENABLED", "TRANSPORT", "STATUS", "DETAIL")
	fmt.Println(strings.Repeat("─", 80))
	for _, t := range cfgTools {
		status, detail := "-", ""
		if e, ok := byName[t.Name]; ok {
			status = string(e.Status)
			switch {
			case e.Error != "":
				detail = e.Error
			case len(e.Tools) > 0:
				detail = strings.Join(e.Tools, ", ")
			}
		}
		fmt.Printf("%-20s %-8t %-10s %-10s %s\n", t.Name, t.Enabled, t.Connection.Kind(), status, truncate(detail, 60))
	}
}

func printPrompts(prompts []agentconfig.PromptConfig) {
	if len(prompts) == 0 {
		fmt.Println("No prompts configured.")
		return
	}
	fmt.Printf("%-20s %-7s %-8s %s\n", "NAME", "ACTIVE", "VERSION", "DESCRIPTION")
	fmt.Println(strings.Repeat("─", 80))
	for _, p := range prompts {
		active := ""
		if p.Active {
			active = "*"
		}
		fmt.Printf("%-20s %-7s %-8s %s\n", p.Name, active, p.Version, truncate(p.Description, 40))
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
