package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// turnState is the orchestrator's per-turn state machine:
//
//	Sending → {ToolRequested → Executing → Sending}
//	        | {Truncated → Continuing → Sending}
//	        | Done
//
// sequenceLimit bounds the number of Sending transitions, so the loop halts
// even under a model that always requests tools or continuation.
type turnState int

const (
	stateSending turnState = iota
	stateToolRequested
	stateExecuting
	stateContinuing
	stateDone
)

func (s turnState) String() string {
	switch s {
	case stateSending:
		return "sending"
	case stateToolRequested:
		return "tool_requested"
	case stateExecuting:
		return "executing"
	case stateContinuing:
		return "continuing"
	case stateDone:
		return "done"
	}
	return "unknown"
}

const (
	defaultSequenceLimit = 8
	defaultMaxTokens     = 1024
	defaultCallTimeout   = 60 * time.Second
)

// continueDirective is the synthetic, outbound-only instruction appended in
// the Continuing state. It is never persisted and never enters the buffer, so
// the log keeps the invariant that only real user turns are user-authored.
const continueDirective = "Your previous reply was cut off by the output limit. Continue exactly where it stopped, without repeating anything."

// Orchestrator drives one request/response turn against the completion
// service: outbound sanitation, the tool-call loop, truncation continuation,
// and final answer assembly.
type Orchestrator struct {
	provider  Provider
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
	tracer    Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxTokens sets the per-call output token budget (default 1024).
func WithMaxTokens(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithCallTimeout sets the explicit timeout for each completion call
// (default 60s).
func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithOrchestratorLogger sets a structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets a Tracer for turn spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates an Orchestrator on the given provider. Wrap the
// provider with WithRetry to get transport retry with backoff.
func NewOrchestrator(provider Provider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider:  provider,
		maxTokens: defaultMaxTokens,
		timeout:   defaultCallTimeout,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one turn against the conversation's current buffer and returns
// the final user-facing answer. The answer is appended to the conversation
// (and persisted) before returning. sequenceLimit bounds completion calls;
// a non-positive value uses the default.
//
// Only configuration, client (4xx), and exhausted-transport errors are
// returned; tool failures and parse failures are absorbed into the turn.
func (o *Orchestrator) Run(ctx context.Context, conv *Conversation, sequenceLimit int) (string, error) {
	if sequenceLimit <= 0 {
		sequenceLimit = defaultSequenceLimit
	}
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.turn",
			StringAttr("conversation.id", conv.ID()),
			IntAttr("sequence_limit", sequenceLimit))
		defer span.End()
	}

	complete := func(ctx context.Context, c *Conversation, limit int) (string, error) {
		return o.Run(ctx, c, limit)
	}

	var (
		state    = stateSending
		partials strings.Builder // accumulated text from truncated responses
		pending  []Message       // synthetic outbound-only messages (Continuing)
		lastTool *toolOutcome
		lastText string
	)

	toolChoice := ToolChoiceNone
	if len(conv.toolDefs) > 0 {
		toolChoice = ToolChoiceAuto
	}

	for sends := 0; sends < sequenceLimit; sends++ {
		o.logger.Debug("turn state", "conversation", conv.ID(), "state", state.String(), "send", sends)

		outbound := sanitizeOutbound(append(conv.Messages(), pending...))
		resp, err := o.send(ctx, ChatRequest{
			Messages:   outbound,
			Tools:      conv.toolDefs,
			ToolChoice: toolChoice,
			MaxTokens:  o.maxTokens,
		})
		if err != nil {
			return "", err
		}

		inv, call, ok := o.interpret(conv, resp)
		if ok {
			state = stateToolRequested
			text := resp.Message.Content
			if len(resp.Message.ToolCalls) == 0 {
				// Pseudo call: the text was the invocation syntax itself.
				text = ""
			}
			conv.appendAssistantToolCall(ctx, text, call)

			state = stateExecuting
			o.logger.Debug("turn state", "conversation", conv.ID(), "state", state.String(), "tool", inv.Name)
			result := conv.registry.Execute(ctx, inv, conv, complete)
			conv.appendToolResult(ctx, call, result)
			lastTool = &toolOutcome{name: inv.Name, content: result}

			state = stateSending
			pending = nil
			continue
		}

		if resp.FinishReason == FinishLength && sends+1 < sequenceLimit {
			state = stateContinuing
			partials.WriteString(resp.Message.Content)
			// One accumulated partial plus a single trailing directive,
			// rebuilt each round so repeated truncations never interleave
			// stale directives between partials.
			pending = []Message{
				AssistantMessage(partials.String()),
				SystemMessage(continueDirective),
			}
			state = stateSending
			continue
		}

		state = stateDone
		lastText = resp.Message.Content
		break
	}

	answer := o.renderAnswer(partials.String(), lastText, lastTool)
	conv.appendAssistant(ctx, answer)
	o.logger.Info("turn completed",
		"conversation", conv.ID(),
		"state", state.String(),
		"tool_used", lastTool != nil,
		"answer_len", len(answer))
	return answer, nil
}

// send performs one completion call with the explicit per-call timeout.
func (o *Orchestrator) send(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.provider.Chat(callCtx, req)
}

// interpret extracts at most one tool invocation from the response: native
// structured calls first, then (when the conversation is configured for it)
// the text-embedded pseudo form. Extra calls beyond the first are ignored.
func (o *Orchestrator) interpret(conv *Conversation, resp ChatResponse) (Invocation, ToolCall, bool) {
	if len(resp.Message.ToolCalls) > 0 {
		tc := resp.Message.ToolCalls[0]
		if len(resp.Message.ToolCalls) > 1 {
			o.logger.Warn("model requested multiple tools, accepting the first",
				"accepted", tc.Name, "dropped", len(resp.Message.ToolCalls)-1)
		}
		return Invocation{ID: tc.ID, Name: tc.Name, Args: ParseArgs(tc.Args)}, tc, true
	}

	if conv.pseudoMode {
		if inv, ok := ExtractPseudoCall(resp.Message.Content); ok {
			call := ToolCall{ID: inv.ID, Name: inv.Name, Args: json.RawMessage(inv.Args.String())}
			return inv, call, true
		}
	}
	return Invocation{}, ToolCall{}, false
}

// toolOutcome remembers the last executed tool for answer rendering.
type toolOutcome struct {
	name    string
	content string
}

// renderAnswer assembles the final user-facing text. The model's own reply
// wins when present (prefixed by any accumulated truncation partials); when
// the model produced nothing after a tool ran, a concise answer is derived
// from the tool's structured result instead of echoing the raw payload.
func (o *Orchestrator) renderAnswer(partials, lastText string, lastTool *toolOutcome) string {
	text := strings.TrimSpace(partials + lastText)
	if text != "" {
		return text
	}
	if lastTool != nil {
		return renderToolResult(lastTool.content)
	}
	return ""
}

// renderToolResult derives user-facing text from a raw tool payload: a direct
// URL field when one exists, a short labeled list for small flat objects, a
// pretty-printed fallback otherwise. Non-JSON payloads pass through trimmed.
func renderToolResult(content string) string {
	trimmed := strings.TrimSpace(content)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		for _, key := range []string{"url", "link", "href", "image_url"} {
			if s, ok := obj[key].(string); ok && strings.HasPrefix(s, "http") {
				return s
			}
		}
		if len(obj) <= 6 && allScalar(obj) {
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			lines := make([]string, 0, len(keys))
			for _, k := range keys {
				lines = append(lines, fmt.Sprintf("%s: %v", k, obj[k]))
			}
			return strings.Join(lines, "\n")
		}
		if pretty, err := json.MarshalIndent(obj, "", "  "); err == nil {
			return string(pretty)
		}
	}

	var arr []any
	if err := json.Unmarshal([]byte(trimmed), &arr); err == nil && len(arr) > 0 {
		if pretty, err := json.MarshalIndent(arr, "", "  "); err == nil {
			return string(pretty)
		}
	}

	return trimmed
}

// allScalar reports whether every value in obj is a flat scalar.
func allScalar(obj map[string]any) bool {
	for _, v := range obj {
		switch v.(type) {
		case string, float64, bool, nil:
		default:
			return false
		}
	}
	return true
}
