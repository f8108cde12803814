package openaicompat

import (
	convo "github.com/loreleaf/convo"
)

// Option adjusts one wire request before it is sent.
type Option func(*Request)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Request) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) Option {
	return func(r *Request) { r.TopP = &p }
}

// WithMaxTokens overrides the output token cap from the convo request.
func WithMaxTokens(n int) Option {
	return func(r *Request) { r.MaxTokens = n }
}

// BuildBody converts a convo.ChatRequest into the wire Request for model,
// then applies the options in order (last wins).
func BuildBody(req convo.ChatRequest, model string, opts ...Option) Request {
	body := Request{
		Model:     model,
		Messages:  buildMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = buildTools(req.Tools)
		if req.ToolChoice != "" {
			body.ToolChoice = string(req.ToolChoice)
		}
	}
	for _, opt := range opts {
		opt(&body)
	}
	return body
}

func buildMessages(msgs []convo.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		wm := Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		// The name field is only defined for user/assistant messages.
		if m.Role == convo.RoleUser || m.Role == convo.RoleAssistant {
			wm.Name = m.Sender
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, ToolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func buildTools(defs []convo.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
