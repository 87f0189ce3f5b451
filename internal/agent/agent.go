package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/metrics"
	"github.com/michaelbrown/webagent/internal/tools"
	"github.com/michaelbrown/webagent/internal/trace"
)

// DefaultInstructions are used when no prompt is active.
const DefaultInstructions = `You are a web data extraction assistant with access to tools.
Use the available tools to search, scrape and read web pages when the user asks for information that lives on the web.
Report the data you found in a clear structured form and say which sources it came from.
If a tool fails, explain what went wrong and try another approach when one exists.`

const (
	defaultMaxIterations = 10
	defaultMaxTokens     = 6000
	maxToolResultChars   = 8000
)

// Options configures an Agent.
type Options struct {
	Instructions  string // system instructions; DefaultInstructions when empty
	MaxIterations int
	MaxTokens     int // history budget before compaction
	Logger        *zap.SugaredLogger
}

// Result describes a finished run.
type Result struct {
	Content    string
	Iterations int
	ToolCalls  int
	Usage      llm.Usage
}

// Agent manages a conversation and executes the ReAct loop over a set of
// live tools.
type Agent struct {
	llm     llm.Client
	toolset *tools.Toolset
	conv    *Conversation
	maxIter int
	logger  *zap.SugaredLogger

	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name string, result string)
	OnTextDelta  func(delta string)
}

// New creates an Agent. toolset may be nil, in which case the model gets no tools.
func New(client llm.Client, toolset *tools.Toolset, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Instructions == "" {
		opts.Instructions = DefaultInstructions
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Agent{
		llm:     client,
		toolset: toolset,
		conv:    NewConversation(opts.Instructions, opts.MaxTokens),
		maxIter: opts.MaxIterations,
		logger:  logger,
	}
}

// SetToolset swaps the tools offered to the model, e.g. after a reconcile.
func (a *Agent) SetToolset(ts *tools.Toolset) {
	a.toolset = ts
}

// SetInstructions replaces the system instructions; empty restores the default.
func (a *Agent) SetInstructions(instructions string) {
	if instructions == "" {
		instructions = DefaultInstructions
	}
	a.conv.SetInstructions(instructions)
}

// SetClient swaps the model client (for mid-session model switching).
func (a *Agent) SetClient(client llm.Client) {
	a.llm = client
}

// Load appends prior turns of a conversation. System messages are ignored;
// the agent's instructions always come first.
func (a *Agent) Load(messages []llm.Message) {
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		a.conv.Append(m)
	}
}

// Run sends a user message and executes the full ReAct loop.
func (a *Agent) Run(ctx context.Context, userMessage string) (*Result, error) {
	return a.run(ctx, userMessage, false)
}

// RunStreaming is like Run but streams text output token-by-token via OnTextDelta.
func (a *Agent) RunStreaming(ctx context.Context, userMessage string) (*Result, error) {
	return a.run(ctx, userMessage, true)
}

func (a *Agent) run(ctx context.Context, userMessage string, stream bool) (res *Result, err error) {
	ctx, span := trace.Tracer().Start(ctx, "agent.run")
	defer func() {
		metrics.RecordAgentRun(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defs := a.toolDefs()
	span.SetAttributes(
		attribute.Int("agent.tools", len(defs)),
		attribute.Bool("agent.stream", stream),
	)

	if a.conv.Compact(ctx, a.llm) {
		a.logger.Debugw("conversation compacted", "messages", len(a.conv.Messages()))
	}
	a.conv.Append(llm.UserMessage(userMessage))

	res = &Result{}
	for i := 0; i < a.maxIter; i++ {
		res.Iterations = i + 1

		var resp *llm.Response
		if stream {
			resp, err = a.llm.ChatCompletionStream(ctx, a.conv.Messages(), defs, a.OnTextDelta)
		} else {
			resp, err = a.llm.ChatCompletion(ctx, a.conv.Messages(), defs)
		}
		if err != nil {
			return nil, fmt.Errorf("llm call (iteration %d): %w", i+1, err)
		}
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens

		a.conv.Append(resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			res.Content = resp.Message.Content
			span.SetAttributes(
				attribute.Int("agent.iterations", res.Iterations),
				attribute.Int("agent.tool_calls", res.ToolCalls),
			)
			return res, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			res.ToolCalls++
			if a.OnToolCall != nil {
				a.OnToolCall(tc.Name, tc.Args)
			}

			result := a.executeTool(ctx, tc)

			if a.OnToolResult != nil {
				a.OnToolResult(tc.Name, result)
			}
			a.conv.Append(llm.ToolResultMessage(tc.ID, result))
		}
	}

	return nil, fmt.Errorf("agent reached max iterations (%d) without a final response", a.maxIter)
}

func (a *Agent) toolDefs() []llm.ToolDef {
	if a.toolset == nil {
		return nil
	}
	return a.toolset.Defs()
}

// executeTool dispatches a call to the toolset. Failures are returned to the
// model as text rather than ending the run.
func (a *Agent) executeTool(ctx context.Context, tc llm.ToolCall) string {
	if a.toolset == nil {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}
	result, err := a.toolset.CallTool(ctx, tc.Name, tc.Args)
	if err != nil {
		a.logger.Warnw("tool call failed", "tool", tc.Name, "error", err)
		return fmt.Sprintf("error: %s", err)
	}
	if len(result) > maxToolResultChars {
		result = result[:maxToolResultChars] + "\n... (output truncated)"
	}
	return result
}

// History returns the current conversation, instructions first.
func (a *Agent) History() []llm.Message {
	return a.conv.Messages()
}

// Reset clears conversation history (keeps the instructions).
func (a *Agent) Reset() {
	a.conv.Reset()
}

// String returns a summary of the agent state.
func (a *Agent) String() string {
	return fmt.Sprintf("Agent(tools=%d, history=%d messages, maxIter=%d)",
		len(a.toolDefs()), len(a.conv.Messages()), a.maxIter)
}

// FormatToolCall returns a human-readable string for a tool call.
func FormatToolCall(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
