package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	convo "github.com/loreleaf/convo"
)

func TestBuildBody(t *testing.T) {
	req := convo.ChatRequest{
		Messages: []convo.Message{
			convo.SystemMessage("sys"),
			convo.UserMessage("alice", "hi"),
			convo.ToolResultMessage("call_1", "result"),
		},
		Tools: []convo.ToolDefinition{
			{Name: "search", Description: "Search", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
		ToolChoice: convo.ToolChoiceAuto,
		MaxTokens:  512,
	}
	body := BuildBody(req, "gpt-test", WithTemperature(0.2))

	if body.Model != "gpt-test" || body.MaxTokens != 512 {
		t.Errorf("model/max = %q/%d", body.Model, body.MaxTokens)
	}
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Error("temperature option not applied")
	}
	if body.ToolChoice != "auto" || len(body.Tools) != 1 || body.Tools[0].Type != "function" {
		t.Errorf("tools = %+v choice = %q", body.Tools, body.ToolChoice)
	}
	if body.Messages[1].Name != "alice" {
		t.Errorf("user name = %q", body.Messages[1].Name)
	}
	if body.Messages[2].ToolCallID != "call_1" || body.Messages[2].Name != "" {
		t.Errorf("tool message = %+v", body.Messages[2])
	}
}

func TestBuildBodyEchoesToolCalls(t *testing.T) {
	req := convo.ChatRequest{
		Messages: []convo.Message{
			{Role: convo.RoleAssistant, ToolCalls: []convo.ToolCall{
				{ID: "c1", Name: "search", Args: json.RawMessage(`{"q":"x"}`)},
			}},
		},
	}
	body := BuildBody(req, "m")
	tc := body.Messages[0].ToolCalls
	if len(tc) != 1 || tc[0].Type != "function" || tc[0].Function.Name != "search" {
		t.Fatalf("tool calls = %+v", tc)
	}
	if tc[0].Function.Arguments != `{"q":"x"}` {
		t.Errorf("arguments = %q", tc[0].Function.Arguments)
	}
}

func TestParseFinishReason(t *testing.T) {
	cases := []struct {
		wire     string
		hasCalls bool
		want     convo.FinishReason
	}{
		{"stop", false, convo.FinishStop},
		{"end_turn", false, convo.FinishStop},
		{"length", false, convo.FinishLength},
		{"max_tokens", false, convo.FinishLength},
		{"tool_calls", false, convo.FinishToolCall},
		{"function_call", false, convo.FinishToolCall},
		{"weird_vendor_value", true, convo.FinishToolCall},
		{"weird_vendor_value", false, convo.FinishStop},
	}
	for _, c := range cases {
		if got := parseFinishReason(c.wire, c.hasCalls); got != c.want {
			t.Errorf("parseFinishReason(%q, %v) = %q, want %q", c.wire, c.hasCalls, got, c.want)
		}
	}
}

func TestParseToolCallsDegradesMalformedArguments(t *testing.T) {
	out := ParseToolCalls([]ToolCallRequest{
		{ID: "1", Function: FunctionCall{Name: "good", Arguments: `{"x":1}`}},
		{ID: "2", Function: FunctionCall{Name: "bad", Arguments: `find {me} stuff`}},
	})
	if len(out) != 2 {
		t.Fatalf("calls = %d", len(out))
	}
	if args := convo.ParseArgs(out[0].Args); func() bool { _, ok := args.Object(); return !ok }() {
		t.Error("well-formed args lost structure")
	}
	args := convo.ParseArgs(out[1].Args)
	if _, ok := args.Object(); ok {
		t.Error("malformed args parsed as structured")
	}
	var s string
	if err := json.Unmarshal(out[1].Args, &s); err != nil || s != "find {me} stuff" {
		t.Errorf("malformed args not preserved as string: %q", out[1].Args)
	}
}

func TestChatSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Response{
			Choices: []Choice{{
				Message:      &ResponseMessage{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 7, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	p := New("secret", "m", srv.URL)
	resp, err := p.Chat(context.Background(), convo.ChatRequest{
		Messages: []convo.Message{convo.UserMessage("u", "hi")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "hello" || resp.FinishReason != convo.FinishStop {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
}

func TestChatHTTPErrorCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), convo.ChatRequest{})
	var httpErr *convo.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *convo.ErrHTTP", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 7 {
		t.Errorf("ErrHTTP = %+v", httpErr)
	}
	if httpErr.Body != "rate limited" {
		t.Errorf("Body = %q", httpErr.Body)
	}
}
