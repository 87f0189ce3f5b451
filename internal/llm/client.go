package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/michaelbrown/webagent/internal/trace"
)

// Client is the interface for model interactions.
type Client interface {
	ChatCompletion(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)
	ChatCompletionStream(ctx context.Context, messages []Message, tools []ToolDef, handler StreamHandler) (*Response, error)
}

// Options configures an OpenAICompatClient.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string

	// AppURL and AppName are sent as OpenRouter attribution headers.
	AppURL  string
	AppName string

	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// OpenAICompatClient works with any OpenAI-compatible API; OpenRouter by default.
type OpenAICompatClient struct {
	client  *openai.Client
	model   string
	baseURL string
	logger  *zap.SugaredLogger

	retryWait func(attempt int) time.Duration
}

// NewClient creates a model client. Retries are handled here rather than by
// the SDK so rate limiting is visible in the logs.
func NewClient(opts Options) *OpenAICompatClient {
	reqOpts := []option.RequestOption{
		option.WithBaseURL(opts.BaseURL),
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.AppURL != "" {
		reqOpts = append(reqOpts, option.WithHeader("HTTP-Referer", opts.AppURL))
	}
	if opts.AppName != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", opts.AppName))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	client := openai.NewClient(reqOpts...)
	return &OpenAICompatClient{
		client:  &client,
		model:   opts.Model,
		baseURL: opts.BaseURL,
		logger:  logger,
		retryWait: func(attempt int) time.Duration {
			return time.Duration(2<<attempt) * time.Second // 2s, 4s
		},
	}
}

// Model returns the model identifier requests are sent with.
func (c *OpenAICompatClient) Model() string { return c.model }

func (c *OpenAICompatClient) params(messages []Message, tools []ToolDef) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	return params
}

func (c *OpenAICompatClient) startSpan(ctx context.Context, messages []Message, tools []ToolDef, stream bool) (context.Context, oteltrace.Span) {
	ctx, span := trace.Tracer().Start(ctx, "llm.chat")
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.messages", len(messages)),
		attribute.Int("llm.tools", len(tools)),
		attribute.Bool("llm.stream", stream),
	)
	return ctx, span
}

// backoff waits before the next attempt when err is a rate limit. It returns
// a non-nil error when the caller should give up.
func (c *OpenAICompatClient) backoff(ctx context.Context, err error, attempt int) error {
	if !isRateLimited(err) || attempt == 2 {
		return err
	}
	wait := c.retryWait(attempt)
	c.logger.Warnw("rate limited, retrying", "model", c.model, "wait", wait, "attempt", attempt+1)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return strings.Contains(err.Error(), "429")
}

func (c *OpenAICompatClient) ChatCompletion(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	ctx, span := c.startSpan(ctx, messages, tools, false)
	defer span.End()

	params := c.params(messages, tools)

	var completion *openai.ChatCompletion
	var err error
	for attempt := range 3 {
		completion, err = c.client.Chat.Completions.New(ctx, params)
		if err == nil {
			break
		}
		if berr := c.backoff(ctx, err, attempt); berr != nil {
			span.RecordError(berr)
			span.SetStatus(codes.Error, berr.Error())
			return nil, fmt.Errorf("chat completion: %w", berr)
		}
	}

	if len(completion.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("no choices returned")
	}

	choice := completion.Choices[0]
	resp := &Response{
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, toolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", len(resp.Message.ToolCalls)))
	return resp, nil
}

func toolCall(id, name, arguments string) ToolCall {
	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			args = map[string]any{"_raw": arguments}
		}
	}
	return ToolCall{ID: id, Name: name, Args: args}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					argsJSON, _ := json.Marshal(tc.Args)
					toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					}
				}
				assistant := openai.ChatCompletionAssistantMessageParam{
					ToolCalls: toolCalls,
				}
				if m.Content != "" {
					assistant.Content.OfString = param.NewOpt(m.Content)
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &assistant,
				})
			} else {
				out = append(out, openai.AssistantMessage(m.Content))
			}
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func convertTools(tools []ToolDef) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

// ListModels lists the models the endpoint offers.
func (c *OpenAICompatClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	iter := c.client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		m := iter.Current()
		models = append(models, ModelInfo{
			ID:      m.ID,
			OwnedBy: m.OwnedBy,
			Created: time.Unix(m.Created, 0).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing models from %s: %w", c.baseURL, err)
	}
	return models, nil
}
