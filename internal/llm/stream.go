package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

// ChatCompletionStream sends a streaming chat completion request.
// The handler is called with each text delta as it arrives.
// Returns the full response once streaming is complete.
func (c *OpenAICompatClient) ChatCompletionStream(ctx context.Context, messages []Message, tools []ToolDef, handler StreamHandler) (*Response, error) {
	ctx, span := c.startSpan(ctx, messages, tools, true)
	defer span.End()

	params := c.params(messages, tools)

	var stream *ssestream.Stream[openai.ChatCompletionChunk]
	for attempt := range 3 {
		stream = c.client.Chat.Completions.NewStreaming(ctx, params)
		err := stream.Err()
		if err == nil {
			break
		}
		stream.Close()
		if berr := c.backoff(ctx, err, attempt); berr != nil {
			span.RecordError(berr)
			span.SetStatus(codes.Error, berr.Error())
			return nil, fmt.Errorf("chat completion stream: %w", berr)
		}
	}
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && handler != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				handler(delta)
			}
		}
	}

	if err := stream.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("streaming: %w", err)
	}

	if len(acc.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("no choices returned")
	}

	choice := acc.Choices[0]
	resp := &Response{
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     acc.Usage.PromptTokens,
			CompletionTokens: acc.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, toolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", len(resp.Message.ToolCalls)))
	return resp, nil
}
