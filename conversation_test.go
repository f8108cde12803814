package convo

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewSynthesizesSystemMessage(t *testing.T) {
	ctx := context.Background()

	c := New(ctx, "You are a helpful bot.", "Answer briefly.", nil, nil, "c1", nil)
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleSystem {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[0].Content != "You are a helpful bot.\nAnswer briefly." {
		t.Errorf("system = %q", msgs[0].Content)
	}

	// Empty persona: instructions alone, no blank line.
	c = New(ctx, "", "Answer briefly.", nil, nil, "c2", nil)
	if got := c.Messages()[0].Content; got != "Answer briefly." {
		t.Errorf("system = %q", got)
	}

	// Both empty: no system message at all.
	c = New(ctx, "", "", nil, nil, "c3", nil)
	if len(c.Messages()) != 0 {
		t.Errorf("messages = %v, want empty", c.Messages())
	}
}

func TestAddSanitizesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New(ctx, "persona", "", nil, nil, "c1", store)

	msg := c.Add(ctx, RoleUser, "Zoë Smith", "hello there")
	if msg.Sender != "zoe_smith" {
		t.Errorf("Sender = %q, want zoe_smith", msg.Sender)
	}

	entries, err := store.LogEntriesAfter(ctx, "c1", 0, timeZero())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("persisted entries = %d, want 1", len(entries))
	}
	if entries[0].Sender != "zoe_smith" || entries[0].Content != "hello there" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestAddSurvivesPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.appendErr = errors.New("disk full")
	c := New(ctx, "persona", "", nil, nil, "c1", store)

	c.Add(ctx, RoleUser, "alice", "still works")
	msgs := c.Messages()
	if msgs[len(msgs)-1].Content != "still works" {
		t.Error("message missing from buffer after persistence failure")
	}
}

func TestNewSplicesLatestSummary(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	for i := 0; i < 3; i++ {
		store.AppendLogEntry(ctx, LogEntry{ConversationID: "c1", Role: RoleUser, Content: "old"})
	}
	if _, err := store.InsertSummary(ctx, "c1", "they discussed the weather", 3); err != nil {
		t.Fatal(err)
	}

	c := New(ctx, "persona", "", nil, nil, "c1", store)
	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + summary", len(msgs))
	}
	if !strings.Contains(msgs[1].Content, "they discussed the weather") {
		t.Errorf("summary splice = %q", msgs[1].Content)
	}

	// SkipInitialSummaries leaves the buffer system-only.
	c = New(ctx, "persona", "", nil, nil, "c1", store, SkipInitialSummaries())
	if len(c.Messages()) != 1 {
		t.Errorf("messages = %d, want 1", len(c.Messages()))
	}
}

func TestBeginTurnEnforcesCap(t *testing.T) {
	c := New(context.Background(), "p", "", nil, nil, "c1", nil, WithMaxInFlight(2))
	if err := c.BeginTurn(); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTurn(); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTurn(); !errors.Is(err, ErrBusy) {
		t.Errorf("third BeginTurn = %v, want ErrBusy", err)
	}
	c.EndTurn()
	if err := c.BeginTurn(); err != nil {
		t.Errorf("BeginTurn after EndTurn = %v", err)
	}
}

func TestWindowAppliedOnAdd(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, "persona", "", nil, nil, "c1", nil, WithUserWindow(2))

	for i := 0; i < 4; i++ {
		c.Add(ctx, RoleUser, "u", "question")
		c.Add(ctx, RoleAssistant, "bot", "answer")
	}

	msgs := c.Messages()
	users := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("user blocks in buffer = %d, want 2", users)
	}
	if msgs[0].Role != RoleSystem {
		t.Error("system prefix evicted")
	}
}

func TestZeroUserWindowKeepsOnlyPrefix(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, "persona", "", nil, nil, "c1", nil, WithUserWindow(0))

	// Must not panic, and every user block is evicted as soon as it forms.
	c.Add(ctx, RoleUser, "u", "first question")
	c.Add(ctx, RoleUser, "u", "second question")

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleSystem {
		t.Errorf("messages = %v, want just the system prefix", msgs)
	}
}

func TestToolResultPersistenceModes(t *testing.T) {
	ctx := context.Background()
	call := ToolCall{ID: "c1", Name: "search"}

	// Default: persisted as a tool-role entry with the marker prefix.
	store := newMemStore()
	c := New(ctx, "p", "", nil, nil, "conv", store)
	c.appendToolResult(ctx, call, "the payload")
	entries, _ := store.LogEntriesAfter(ctx, "conv", 0, timeZero())
	if len(entries) != 1 || entries[0].Role != RoleTool {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Content != "[tool:search] the payload" {
		t.Errorf("persisted content = %q", entries[0].Content)
	}

	// PersistAsAssistant wraps the same content in an assistant entry.
	store = newMemStore()
	c = New(ctx, "p", "", nil, nil, "conv", store, WithToolResultPersistence(PersistAsAssistant))
	c.appendToolResult(ctx, call, "the payload")
	entries, _ = store.LogEntriesAfter(ctx, "conv", 0, timeZero())
	if len(entries) != 1 || entries[0].Role != RoleAssistant {
		t.Fatalf("entries = %+v", entries)
	}

	// PersistNone writes nothing durable but still feeds the buffer.
	store = newMemStore()
	c = New(ctx, "p", "", nil, nil, "conv", store, WithToolResultPersistence(PersistNone))
	c.appendToolResult(ctx, call, "the payload")
	entries, _ = store.LogEntriesAfter(ctx, "conv", 0, timeZero())
	if len(entries) != 0 {
		t.Fatalf("entries = %+v, want none", entries)
	}
	msgs := c.Messages()
	if msgs[len(msgs)-1].Content != "the payload" {
		t.Error("buffer missing the tool result")
	}
}

func TestToolResultPersistedCopyIsCapped(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New(ctx, "p", "", nil, nil, "conv", store, WithResultCap(10))

	long := strings.Repeat("x", 100)
	c.appendToolResult(ctx, ToolCall{ID: "c1", Name: "big"}, long)

	// Buffer keeps the full payload for the model's follow-up call.
	msgs := c.Messages()
	if msgs[len(msgs)-1].Content != long {
		t.Error("in-memory result was capped")
	}

	entries, _ := store.LogEntriesAfter(ctx, "conv", 0, timeZero())
	if !strings.Contains(entries[0].Content, "[truncated]") {
		t.Errorf("persisted copy not capped: %q", entries[0].Content)
	}
}
