package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/webagent/internal/llm"
)

// ExportMarkdown renders a run and its transcript as a markdown document.
func ExportMarkdown(run *AgentRun, messages []llm.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "- **Model:** %s\n", run.Model)
	if run.Prompt != "" {
		fmt.Fprintf(&b, "- **Prompt:** %s\n", run.Prompt)
	}
	if len(run.Tools) > 0 {
		fmt.Fprintf(&b, "- **Tools:** %s\n", strings.Join(run.Tools, ", "))
	}
	fmt.Fprintf(&b, "- **Started:** %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
	fmt.Fprintf(&b, "- **Tokens:** %d prompt / %d completion\n", run.PromptTokens, run.CompletionTokens)
	if run.Error != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", run.Error)
	}
	b.WriteString("\n---\n\n")

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			fmt.Fprintf(&b, "## User\n\n%s\n\n", m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "## Agent\n\n%s\n\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				fmt.Fprintf(&b, "**Tool Call:** `%s`\n```json\n%s\n```\n\n", tc.Name, args)
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "<details>\n<summary>Tool Result</summary>\n\n```\n%s\n```\n</details>\n\n", m.Content)
		}
	}

	return b.String()
}

// ExportJSON renders a run and its transcript as formatted JSON.
func ExportJSON(run *AgentRun, messages []llm.Message) ([]byte, error) {
	export := struct {
		Run      *AgentRun     `json:"run"`
		Messages []llm.Message `json:"messages"`
	}{
		Run:      run,
		Messages: messages,
	}
	return json.MarshalIndent(export, "", "  ")
}
