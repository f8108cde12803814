package openaicompat

import (
	"encoding/json"

	convo "github.com/loreleaf/convo"
)

// ParseResponse converts a wire Response into a convo.ChatResponse, taking
// content, tool calls, finish reason, and usage from choices[0].
func ParseResponse(resp Response) convo.ChatResponse {
	var out convo.ChatResponse
	out.Message.Role = convo.RoleAssistant

	if len(resp.Choices) == 0 {
		out.FinishReason = convo.FinishStop
		return out
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Message.Content = choice.Message.Content
		out.Message.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.FinishReason = parseFinishReason(choice.FinishReason, len(out.Message.ToolCalls) > 0)

	if resp.Usage != nil {
		out.Usage = convo.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// ParseToolCalls converts wire tool calls to convo.ToolCalls. The protocol
// returns function.arguments as a JSON string; invalid JSON degrades to an
// empty object so a malformed call never fails the turn.
func ParseToolCalls(tcs []ToolCallRequest) []convo.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]convo.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			// Preserve the malformed text as a JSON string; the runtime's
			// argument parser hands it to the tool as raw args.
			quoted, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				quoted = []byte(`{}`)
			}
			args = quoted
		}
		out = append(out, convo.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// parseFinishReason maps the wire finish_reason onto convo's enum. Providers
// disagree on the exact strings, so unknown values fall back on structure:
// tool calls present means tool_calls, otherwise stop.
func parseFinishReason(s string, hasToolCalls bool) convo.FinishReason {
	switch s {
	case "stop", "end_turn":
		return convo.FinishStop
	case "length", "max_tokens", "max_output_tokens":
		return convo.FinishLength
	case "tool_calls", "function_call", "tool_use":
		return convo.FinishToolCall
	}
	if hasToolCalls {
		return convo.FinishToolCall
	}
	return convo.FinishStop
}
