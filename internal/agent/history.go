package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/webagent/internal/llm"
)

const (
	// Share of the budget kept verbatim when compacting.
	recentShare     = 60
	fallbackKeep    = 10
	maxSummaryChars = 4000
)

// Conversation is a message history held under an approximate token
// budget. messages[0] is always the system instructions.
type Conversation struct {
	messages  []llm.Message
	maxTokens int
}

// NewConversation starts a history with the given instructions.
func NewConversation(instructions string, maxTokens int) *Conversation {
	return &Conversation{
		messages:  []llm.Message{llm.SystemMessage(instructions)},
		maxTokens: maxTokens,
	}
}

// SetInstructions replaces the system message.
func (c *Conversation) SetInstructions(instructions string) {
	c.messages[0] = llm.SystemMessage(instructions)
}

// Append adds messages at the end.
func (c *Conversation) Append(msgs ...llm.Message) {
	c.messages = append(c.messages, msgs...)
}

// Messages returns the history, instructions first.
func (c *Conversation) Messages() []llm.Message {
	return c.messages
}

// Reset drops everything but the instructions.
func (c *Conversation) Reset() {
	c.messages = c.messages[:1]
}

// Tokens estimates the size of the history.
func (c *Conversation) Tokens() int {
	return estimateHistoryTokens(c.messages)
}

// Compact summarizes older turns with summarizer when the history is over
// budget. If summarization fails the oldest turns are dropped instead.
// It reports whether the history changed.
func (c *Conversation) Compact(ctx context.Context, summarizer llm.Client) bool {
	if c.Tokens() <= c.maxTokens {
		return false
	}

	splitIdx := findSplitPoint(c.messages, c.maxTokens*recentShare/100)
	if splitIdx >= len(c.messages) {
		return false
	}

	old := c.messages[1:splitIdx]
	if len(old) == 0 {
		return false
	}

	summary, err := summarizeMessages(ctx, summarizer, old)
	if err != nil {
		return c.trim(fallbackKeep)
	}

	compacted := make([]llm.Message, 0, 2+len(c.messages)-splitIdx)
	compacted = append(compacted, c.messages[0])
	compacted = append(compacted, llm.SystemMessage("[Prior conversation summary]\n"+summary))
	compacted = append(compacted, c.messages[splitIdx:]...)
	c.messages = compacted
	return true
}

// trim keeps the instructions and the last keepLast messages.
func (c *Conversation) trim(keepLast int) bool {
	if len(c.messages) <= keepLast+1 {
		return false
	}
	recent := c.messages[len(c.messages)-keepLast:]
	c.messages = append([]llm.Message{c.messages[0]}, recent...)
	return true
}

// estimateTokens approximates a message's token count at four characters per token.
func estimateTokens(m llm.Message) int {
	tokens := len(m.Content) / 4
	for _, tc := range m.ToolCalls {
		tokens += len(tc.Name) / 4
		if argsJSON, err := json.Marshal(tc.Args); err == nil {
			tokens += len(argsJSON) / 4
		}
	}
	if tokens == 0 {
		tokens = 1 // role overhead
	}
	return tokens
}

func estimateHistoryTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// findSplitPoint returns the index where the kept "recent" section begins,
// such that it fits in budget and starts at a user message, so tool calls
// and their results are never separated. len(messages) means no split.
func findSplitPoint(messages []llm.Message, budget int) int {
	if len(messages) <= 2 {
		return len(messages)
	}

	tokens := 0
	splitIdx := -1
	for i := len(messages) - 1; i >= 1; i-- {
		n := estimateTokens(messages[i])
		if tokens+n > budget {
			splitIdx = i + 1
			break
		}
		tokens += n
	}
	if splitIdx < 0 {
		return len(messages)
	}
	if splitIdx >= len(messages) {
		splitIdx = len(messages) - 1
	}

	for splitIdx > 1 && messages[splitIdx].Role != llm.RoleUser {
		splitIdx--
	}
	if splitIdx <= 1 || messages[splitIdx].Role != llm.RoleUser {
		return len(messages)
	}
	return splitIdx
}

// summarizeMessages asks the model for a short summary of messages.
func summarizeMessages(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		prefix := string(m.Role)
		if m.ToolCallID != "" {
			prefix = fmt.Sprintf("tool_result(%s)", m.ToolCallID)
		}
		b.WriteString("[" + prefix + "]: " + m.Content)
		for _, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Args)
			fmt.Fprintf(&b, "\n[tool_call: %s(%s)]", tc.Name, argsJSON)
		}
		b.WriteString("\n")
	}

	prompt := []llm.Message{
		llm.SystemMessage("Summarize the following conversation excerpt. Keep the URLs visited, " +
			"the data extracted and any open questions. Output only the summary."),
		llm.UserMessage("Summarize this conversation:\n\n" + b.String()),
	}

	resp, err := client.ChatCompletion(ctx, prompt, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}

	summary := resp.Message.Content
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars] + "\n... (summary truncated)"
	}
	return summary, nil
}
