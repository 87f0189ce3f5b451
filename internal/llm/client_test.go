package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *OpenAICompatClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := NewClient(Options{
		BaseURL: ts.URL + "/api/v1",
		APIKey:  "test-key",
		Model:   "openai/gpt-5",
		AppName: "webagent",
	})
	c.retryWait = func(int) time.Duration { return time.Millisecond }
	return c
}

const toolCallCompletion = `{
  "id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "openai/gpt-5",
  "choices": [{
    "index": 0, "finish_reason": "tool_calls",
    "message": {"role": "assistant", "content": "",
      "tool_calls": [{"id": "call_1", "type": "function",
        "function": {"name": "firecrawl_scrape", "arguments": "{\"url\":\"https://example.com\"}"}}]}
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
}`

func TestChatCompletionToolCalls(t *testing.T) {
	var body map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "webagent" {
			t.Errorf("X-Title = %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, toolCallCompletion)
	})

	messages := []Message{
		SystemMessage("You extract data from the web."),
		UserMessage("Scrape example.com"),
	}
	defs := []ToolDef{{
		Name:        "firecrawl_scrape",
		Description: "Scrape a page",
		Parameters:  map[string]any{"type": "object"},
	}}

	resp, err := c.ChatCompletion(context.Background(), messages, defs)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "firecrawl_scrape" || tc.Args["url"] != "https://example.com" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.FinishReason != "tool_calls" || resp.Usage.PromptTokens != 12 {
		t.Errorf("finish=%q usage=%+v", resp.FinishReason, resp.Usage)
	}

	if body["model"] != "openai/gpt-5" {
		t.Errorf("request model = %v", body["model"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("request messages = %v", body["messages"])
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("request tools = %v", body["tools"])
	}
}

func TestChatCompletionRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error": {"message": "slow down", "type": "rate_limit"}}`)
			return
		}
		io.WriteString(w, toolCallCompletion)
	})

	if _, err := c.ChatCompletion(context.Background(), []Message{UserMessage("hi")}, nil); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestChatCompletionGivesUpOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "bad model", "type": "invalid_request_error"}}`)
	})

	_, err := c.ChatCompletion(context.Background(), []Message{UserMessage("hi")}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("non rate-limit error retried: %d calls", n)
	}
}

func TestChatCompletionStream(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo ", "world"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		io.WriteString(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	var deltas []string
	resp, err := c.ChatCompletionStream(context.Background(), []Message{UserMessage("hi")}, nil, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if resp.Message.Content != "Hello world" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if strings.Join(deltas, "|") != "Hel|lo |world" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestConvertMessagesAssistantToolCalls(t *testing.T) {
	out := convertMessages([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "search", Args: map[string]any{"q": "go"}}}},
		ToolResultMessage("c1", "result"),
	})
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].OfAssistant == nil || len(out[0].OfAssistant.ToolCalls) != 1 {
		t.Fatalf("assistant message not converted: %+v", out[0])
	}
	if args := out[0].OfAssistant.ToolCalls[0].Function.Arguments; args != `{"q":"go"}` {
		t.Errorf("arguments = %s", args)
	}
	if out[1].OfTool == nil {
		t.Error("tool result not converted to a tool message")
	}
}
