package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ParsedArgs is the tagged result of best-effort tool-argument parsing:
// either a structured JSON object or the raw string the model produced.
// Downstream code branches on Object() instead of probing types.
type ParsedArgs struct {
	object map[string]any
	raw    string
}

// StructuredArgs wraps an already-decoded argument object.
func StructuredArgs(obj map[string]any) ParsedArgs {
	return ParsedArgs{object: obj}
}

// RawArgs wraps an argument string that failed to parse as a JSON object.
func RawArgs(s string) ParsedArgs {
	return ParsedArgs{raw: s}
}

// ParseArgs decodes a tool-call argument payload. Malformed JSON degrades to
// the raw-string form; it never fails the turn.
func ParseArgs(raw json.RawMessage) ParsedArgs {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return ParsedArgs{object: obj}
	}
	return ParsedArgs{raw: string(raw)}
}

// Object returns the structured form, or false when only raw text is held.
func (a ParsedArgs) Object() (map[string]any, bool) {
	if a.object != nil {
		return a.object, true
	}
	return nil, false
}

// Raw returns the unparsed argument text ("" for structured args).
func (a ParsedArgs) Raw() string { return a.raw }

// String renders the arguments back to a JSON-ish string for logging.
func (a ParsedArgs) String() string {
	if a.object != nil {
		b, err := json.Marshal(a.object)
		if err == nil {
			return string(b)
		}
	}
	return a.raw
}

// Invocation is one normalized tool call: native or recovered from text.
type Invocation struct {
	ID   string
	Name string
	Args ParsedArgs
}

// CompletionFunc lets a tool drive its own sub-conversation through the
// orchestrator (e.g. a tool that asks the model a follow-up question).
type CompletionFunc func(ctx context.Context, conv *Conversation, sequenceLimit int) (string, error)

// Handler implements one tool. It may return a string or any JSON-encodable
// value; the executor coerces the result to a string. A returned error or a
// panic is converted to in-band error content — it never aborts the turn.
type Handler func(ctx context.Context, inv Invocation, conv *Conversation, complete CompletionFunc) (any, error)

// defaultResultCap is the rune limit for the persisted copy of a tool result.
// The in-turn copy handed back to the model is not capped here.
const defaultResultCap = 8000

// ToolRegistry holds registered tools and dispatches execution.
type ToolRegistry struct {
	handlers map[string]Handler
	defs     map[string]ToolDefinition
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]ToolDefinition),
	}
}

// Register adds a tool under its canonical name. Re-registering a name
// replaces the previous handler.
func (r *ToolRegistry) Register(def ToolDefinition, h Handler) {
	r.handlers[def.Name] = h
	r.defs[def.Name] = def
}

// Definitions returns all registered tool definitions, sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Execute dispatches one invocation and normalizes every outcome into a
// string result. It never returns an error to the caller:
//
//   - unknown name → a plain "not available" message
//   - handler error or panic → a JSON {"error","tool"} payload
//   - any other value → JSON-serialized
func (r *ToolRegistry) Execute(ctx context.Context, inv Invocation, conv *Conversation, complete CompletionFunc) string {
	h, ok := r.handlers[inv.Name]
	if !ok {
		return fmt.Sprintf("Tool '%s' not available.", inv.Name)
	}
	result, err := runHandler(ctx, h, inv, conv, complete)
	if err != nil {
		return toolErrorPayload(inv.Name, err)
	}
	return stringifyResult(result)
}

// runHandler invokes h with panic recovery. A panicking tool becomes an
// ordinary error result so the loop continues.
func runHandler(ctx context.Context, h Handler, inv Invocation, conv *Conversation, complete CompletionFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panic: %v", inv.Name, p)
		}
	}()
	return h(ctx, inv, conv, complete)
}

// toolErrorPayload encodes a tool failure as in-band data for the model.
func toolErrorPayload(name string, err error) string {
	b, merr := json.Marshal(map[string]string{"error": err.Error(), "tool": name})
	if merr != nil {
		return fmt.Sprintf(`{"error":%q,"tool":%q}`, err.Error(), name)
	}
	return string(b)
}

// stringifyResult coerces a handler's return value to a string. Strings pass
// through; everything else is JSON-serialized.
func stringifyResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// capResult truncates s to limit runes, appending a truncation marker when
// content was dropped. Used for the persisted long-term copy of a result.
func capResult(s string, limit int) string {
	if limit <= 0 {
		limit = defaultResultCap
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "\n[truncated]"
}
