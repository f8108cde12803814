package convo

import "encoding/json"

// Message roles. The wire protocol only knows these four.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// --- LLM protocol types ---

// Message is one entry in a conversation buffer and in outbound requests.
// Invariants: a message carrying ToolCalls must have Role "assistant";
// a message carrying ToolCallID must have Role "tool".
type Message struct {
	Role       string     `json:"role"`
	Sender     string     `json:"name,omitempty"` // sanitized identifier, user/assistant only
	Content    string     `json:"content"`        // never null; empty string is the floor
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolChoice controls whether the model may call tools.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// ChatRequest is a single completion-service request.
type ChatRequest struct {
	Messages   []Message        `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice ToolChoice       `json:"tool_choice,omitempty"`
	MaxTokens  int              `json:"max_tokens,omitempty"`
}

// FinishReason is why the model stopped generating.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length" // output-token limit hit, response truncated
	FinishToolCall FinishReason = "tool_calls"
)

// ChatResponse is a completion-service response.
type ChatResponse struct {
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Persisted records ---

// LogEntry is one persisted conversation turn. IDs are assigned by the store,
// monotonic per conversation, and never reused.
type LogEntry struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Sender         string `json:"sender,omitempty"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

// SummaryRecord is one persisted summary. Cursor is the highest LogEntry ID
// folded into this summary; it is non-decreasing across successive records
// for the same conversation. A record summarizes exactly the entries with
// ID in (previous cursor, Cursor].
type SummaryRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Cursor         int64  `json:"cursor"`
	CreatedAt      int64  `json:"created_at"`
}

// --- Message constructors ---

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func UserMessage(sender, text string) Message {
	return Message{Role: RoleUser, Sender: sender, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}
