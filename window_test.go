package convo

import "testing"

// buildHistory makes a buffer with a system prefix and n user blocks, each
// block being user + assistant.
func buildHistory(n int) []Message {
	msgs := []Message{SystemMessage("sys")}
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			UserMessage("u", "question"),
			AssistantMessage("answer"))
	}
	return msgs
}

func TestSplitBlocks(t *testing.T) {
	msgs := buildHistory(3)
	blocks := splitBlocks(msgs, 1)
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	if blocks[0].start != 1 || blocks[0].end != 3 {
		t.Errorf("block 0 = [%d,%d), want [1,3)", blocks[0].start, blocks[0].end)
	}
	if blocks[2].end != len(msgs) {
		t.Errorf("last block end = %d, want %d", blocks[2].end, len(msgs))
	}
}

func TestTrimToWindowEvictsOldestBlocks(t *testing.T) {
	msgs := buildHistory(5)
	out := trimToWindow(msgs, 1, 2)

	// system + 2 blocks of 2 messages each
	if len(out) != 5 {
		t.Fatalf("len = %d, want 5", len(out))
	}
	if out[0].Role != RoleSystem {
		t.Error("system prefix evicted")
	}
	blocks := splitBlocks(out, 1)
	if len(blocks) != 2 {
		t.Errorf("remaining blocks = %d, want 2", len(blocks))
	}
}

func TestTrimToWindowUnbounded(t *testing.T) {
	msgs := buildHistory(10)
	out := trimToWindow(msgs, 1, -1)
	if len(out) != len(msgs) {
		t.Errorf("unbounded trim changed length: %d != %d", len(out), len(msgs))
	}
}

func TestTrimToWindowZeroCapDropsAllBlocks(t *testing.T) {
	msgs := buildHistory(3)
	out := trimToWindow(msgs, 1, 0)
	if len(out) != 1 || out[0].Role != RoleSystem {
		t.Errorf("cap 0 left %d messages, want just the prefix", len(out))
	}
}

func TestTrimToWindowNeverSplitsToolPairs(t *testing.T) {
	// One block containing a tool exchange: evicting the block removes the
	// call and its result together.
	msgs := []Message{
		SystemMessage("sys"),
		UserMessage("u", "old question"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "search"}}},
		ToolResultMessage("c1", "result"),
		AssistantMessage("old answer"),
		UserMessage("u", "new question"),
		AssistantMessage("new answer"),
	}
	out := trimToWindow(msgs, 1, 1)

	for _, m := range out {
		if m.Role == RoleTool || len(m.ToolCalls) > 0 {
			t.Fatalf("tool exchange partially survived eviction: %+v", m)
		}
	}
	if len(out) != 3 {
		t.Errorf("len = %d, want 3 (system + last block)", len(out))
	}
}

func TestTrimToWindowKeepsPreBlockMessages(t *testing.T) {
	// A spliced summary sits between the prefix and the first user turn.
	msgs := []Message{
		SystemMessage("sys"),
		SystemMessage("Summary of earlier conversation:\n..."),
		UserMessage("u", "q1"),
		AssistantMessage("a1"),
		UserMessage("u", "q2"),
		AssistantMessage("a2"),
	}
	// Prefix covers only the first system message; the summary is counted as a
	// pre-block message here on purpose.
	out := trimToWindow(msgs, 1, 1)
	if out[1].Content != msgs[1].Content {
		t.Error("pre-block summary message was evicted")
	}
	blocks := splitBlocks(out, 1)
	if len(blocks) != 1 {
		t.Errorf("blocks = %d, want 1", len(blocks))
	}
}
