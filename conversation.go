package convo

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ToolResultPersistence selects the role under which a tool result is written
// to the durable log. The persisted wrapper role is a configuration choice,
// not a protocol one: the in-memory buffer always uses a proper tool message.
type ToolResultPersistence int

const (
	// PersistAsTool logs the result as a tool-role entry (default).
	PersistAsTool ToolResultPersistence = iota
	// PersistAsAssistant logs the result wrapped in an assistant-role entry.
	PersistAsAssistant
	// PersistNone skips the durable copy entirely.
	PersistNone
)

// ErrBusy is returned by BeginTurn when a conversation already has the
// maximum number of in-flight turns. Callers must serialize turns per
// conversation; this guard rejects overflow instead of queueing it.
var ErrBusy = errors.New("convo: too many in-flight turns")

const (
	defaultMaxInFlight = 3
	defaultSummaryKeep = 1
)

// Conversation owns the live message buffer for one conversation: the leading
// system message, spliced-in summaries, and the rolling window of turns. It
// persists turns to the Store best-effort and is rebuilt from the store after
// each summarization. A Conversation is not designed for concurrent
// overlapping turns; BeginTurn enforces the in-flight cap.
type Conversation struct {
	id           string
	persona      string
	instructions string
	toolDefs     []ToolDefinition
	registry     *ToolRegistry
	store        Store // nil = in-memory only
	logger       *slog.Logger
	tracer       Tracer

	mu        sync.Mutex
	messages  []Message
	prefixLen int // leading system + summary messages, exempt from windowing
	windowCap int // -1 = unbounded

	summaryPrompt   string
	summaryProvider Provider
	chunkThreshold  int
	chunkMaxRows    int
	chunkMaxChars   int
	summaryKeep     int

	pseudoMode           bool
	persistMode          ToolResultPersistence
	resultCap            int
	skipInitialSummaries bool

	summarizing atomic.Bool // re-entrancy guard, instance-scoped only
	inFlight    atomic.Int64
	maxInFlight int64
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// SkipInitialSummaries disables loading the latest summaries during New.
func SkipInitialSummaries() ConversationOption {
	return func(c *Conversation) { c.skipInitialSummaries = true }
}

// WithUserWindow caps the buffer at n user blocks. Without this option the
// history is unbounded.
func WithUserWindow(n int) ConversationOption {
	return func(c *Conversation) { c.windowCap = n }
}

// WithSummaryPrompt sets the conversation's configured summarization prompt.
// A per-call override passed to SummarizeSince still takes precedence.
func WithSummaryPrompt(p string) ConversationOption {
	return func(c *Conversation) { c.summaryPrompt = p }
}

// WithSummaryProvider sets the model used for summarization. Required before
// calling SummarizeSince.
func WithSummaryProvider(p Provider) ConversationOption {
	return func(c *Conversation) { c.summaryProvider = p }
}

// WithSummaryKeep sets how many latest summary records are spliced into the
// buffer on (re)initialization (default 1).
func WithSummaryKeep(n int) ConversationOption {
	return func(c *Conversation) {
		if n > 0 {
			c.summaryKeep = n
		}
	}
}

// WithPseudoToolCalls enables text-embedded tool-call extraction for models
// without native tool-calling.
func WithPseudoToolCalls() ConversationOption {
	return func(c *Conversation) { c.pseudoMode = true }
}

// WithToolResultPersistence selects the durable wrapper role for tool results.
func WithToolResultPersistence(m ToolResultPersistence) ConversationOption {
	return func(c *Conversation) { c.persistMode = m }
}

// WithResultCap sets the rune cap for persisted tool-result copies.
func WithResultCap(n int) ConversationOption {
	return func(c *Conversation) { c.resultCap = n }
}

// WithMaxInFlight sets the in-flight turn cap enforced by BeginTurn (default 3).
func WithMaxInFlight(n int) ConversationOption {
	return func(c *Conversation) {
		if n > 0 {
			c.maxInFlight = int64(n)
		}
	}
}

// WithLogger sets a structured logger. Without it, nothing is logged.
func WithLogger(l *slog.Logger) ConversationOption {
	return func(c *Conversation) { c.logger = l }
}

// WithConversationTracer sets a Tracer for summarization spans.
func WithConversationTracer(t Tracer) ConversationOption {
	return func(c *Conversation) { c.tracer = t }
}

// New creates a Conversation. It synthesizes a single leading system message
// from persona and instructions (empty strings omitted; both empty means no
// system message at all) and, unless SkipInitialSummaries is set, loads the
// most recent summary record(s) and splices them in after the system message.
// A summary-load failure is logged and leaves the buffer system-only.
func New(ctx context.Context, persona, instructions string, defs []ToolDefinition, registry *ToolRegistry, conversationID string, store Store, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		id:             conversationID,
		persona:        persona,
		instructions:   instructions,
		toolDefs:       defs,
		registry:       registry,
		store:          store,
		logger:         nopLogger,
		windowCap:      -1,
		chunkThreshold: defaultChunkThreshold,
		chunkMaxRows:   defaultChunkMaxRows,
		chunkMaxChars:  defaultChunkMaxChars,
		summaryKeep:    defaultSummaryKeep,
		resultCap:      defaultResultCap,
		maxInFlight:    defaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(c)
	}

	if sys := c.systemText(); sys != "" {
		c.messages = append(c.messages, SystemMessage(sys))
		c.prefixLen = 1
	}

	if !c.skipInitialSummaries && c.store != nil {
		c.spliceSummaries(ctx)
	}
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// systemText joins persona and instructions, omitting empty parts entirely.
func (c *Conversation) systemText() string {
	parts := make([]string, 0, 2)
	if c.persona != "" {
		parts = append(parts, c.persona)
	}
	if c.instructions != "" {
		parts = append(parts, c.instructions)
	}
	return strings.Join(parts, "\n")
}

// summaryMessage renders a stored summary for the in-memory buffer.
func summaryMessage(s SummaryRecord) Message {
	return SystemMessage("Summary of earlier conversation:\n" + s.Summary)
}

// spliceSummaries loads the latest summaries and inserts them after the
// system message, oldest first. Failures degrade to a system-only buffer.
func (c *Conversation) spliceSummaries(ctx context.Context) {
	recs, err := c.store.LatestSummaries(ctx, c.id, c.summaryKeep)
	if err != nil {
		c.logger.Warn("load summaries failed, starting without them",
			"conversation", c.id, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// LatestSummaries returns newest first; splice oldest → newest.
	for i := len(recs) - 1; i >= 0; i-- {
		c.messages = append(c.messages, summaryMessage(recs[i]))
		c.prefixLen++
	}
}

// Add sanitizes the sender, appends the message to the in-memory buffer,
// persists it best-effort (failures are logged, never returned), re-applies
// the window cap, and returns the normalized message.
func (c *Conversation) Add(ctx context.Context, role, sender, content string) Message {
	return c.AddAt(ctx, role, sender, content, time.Now())
}

// AddAt is Add with an explicit timestamp for the persisted entry.
func (c *Conversation) AddAt(ctx context.Context, role, sender, content string, at time.Time) Message {
	msg := Message{Role: role, Content: content}
	if role == RoleUser || role == RoleAssistant {
		msg.Sender = SanitizeSender(sender)
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.applyWindowLocked()
	c.mu.Unlock()

	c.persistEntry(ctx, LogEntry{
		ConversationID: c.id,
		Role:           msg.Role,
		Sender:         msg.Sender,
		Content:        msg.Content,
		CreatedAt:      at.Unix(),
	})
	return msg
}

// persistEntry appends a LogEntry to the store. Persistence failures never
// affect the in-memory buffer or the caller; they are logged and swallowed.
func (c *Conversation) persistEntry(ctx context.Context, e LogEntry) {
	if c.store == nil {
		return
	}
	// Detached from turn cancellation: the write may complete even when the
	// caller's context is already done.
	if _, err := c.store.AppendLogEntry(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("persist log entry failed",
			"conversation", c.id, "role", e.Role, "error", err)
	}
}

// SetUserWindow sets the rolling cap on user blocks and trims immediately.
func (c *Conversation) SetUserWindow(maxUserBlocks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowCap = maxUserBlocks
	c.applyWindowLocked()
}

// ClearUserWindow disables trimming entirely (unbounded history).
func (c *Conversation) ClearUserWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowCap = -1
}

func (c *Conversation) applyWindowLocked() {
	c.messages = trimToWindow(c.messages, c.prefixLen, c.windowCap)
}

// Messages returns a snapshot copy of the buffer.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// BeginTurn reserves an in-flight slot, returning ErrBusy past the cap.
// Callers must pair it with EndTurn.
func (c *Conversation) BeginTurn() error {
	if c.inFlight.Add(1) > c.maxInFlight {
		c.inFlight.Add(-1)
		return ErrBusy
	}
	return nil
}

// EndTurn releases a slot taken by BeginTurn.
func (c *Conversation) EndTurn() {
	c.inFlight.Add(-1)
}

// appendAssistantToolCall records the model's tool request in the buffer and
// the durable log.
func (c *Conversation) appendAssistantToolCall(ctx context.Context, text string, call ToolCall) {
	c.mu.Lock()
	c.messages = append(c.messages, Message{
		Role:      RoleAssistant,
		Content:   strings.TrimSpace(text),
		ToolCalls: []ToolCall{call},
	})
	c.mu.Unlock()

	logContent := strings.TrimSpace(text)
	if logContent == "" {
		logContent = "requested tool " + call.Name
	}
	c.persistEntry(ctx, LogEntry{
		ConversationID: c.id,
		Role:           RoleAssistant,
		Content:        logContent,
		CreatedAt:      NowUnix(),
	})
}

// appendToolResult records a tool result: the full content goes to the
// in-memory buffer for the model's follow-up call; a capped, marker-tagged
// copy goes to the durable log under the configured wrapper role.
func (c *Conversation) appendToolResult(ctx context.Context, call ToolCall, content string) {
	c.mu.Lock()
	c.messages = append(c.messages, ToolResultMessage(call.ID, content))
	c.mu.Unlock()

	if c.persistMode == PersistNone {
		return
	}
	role := RoleTool
	if c.persistMode == PersistAsAssistant {
		role = RoleAssistant
	}
	c.persistEntry(ctx, LogEntry{
		ConversationID: c.id,
		Role:           role,
		Content:        formatToolResult(call.Name, capResult(content, c.resultCap)),
		CreatedAt:      NowUnix(),
	})
}

// appendAssistant records a plain assistant reply in buffer and log, then
// re-applies the window (the block containing this reply may now be whole).
func (c *Conversation) appendAssistant(ctx context.Context, text string) {
	c.mu.Lock()
	c.messages = append(c.messages, AssistantMessage(text))
	c.applyWindowLocked()
	c.mu.Unlock()

	c.persistEntry(ctx, LogEntry{
		ConversationID: c.id,
		Role:           RoleAssistant,
		Content:        text,
		CreatedAt:      NowUnix(),
	})
}
