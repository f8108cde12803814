package convo

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Summarization folds old log entries into summary records without ever
// reprocessing rows already behind the cursor. Small deltas are summarized in
// one pass; large ones go through chunked map-reduce: each size-bounded chunk
// is outlined extractively, then one merge pass produces the final summary.

const (
	// defaultChunkThreshold is the token estimate above which the delta is
	// summarized in chunks instead of one pass.
	defaultChunkThreshold = 6000
	// defaultChunkMaxRows caps log entries per chunk.
	defaultChunkMaxRows = 50
	// defaultChunkMaxChars caps characters per chunk. Chunk boundaries never
	// split a single entry.
	defaultChunkMaxChars = 16000
)

// defaultSummaryPrompt is used when neither a per-call override nor a
// conversation-level prompt is configured.
const defaultSummaryPrompt = `Summarize the following conversation log concisely. Preserve participant names, dates, numbers, decisions, and open questions. Write in the third person.`

// chunkSummaryPrompt is the neutral instruction for individual chunks in the
// map phase. Strictly extractive: no interpretation, no rewriting.
const chunkSummaryPrompt = `Condense the following conversation log fragment. Be strictly extractive: keep every name, date, number, and decision exactly as written. Do not interpret, embellish, or reorder. Output a plain list of the facts stated.`

// mergePromptPreamble prefixes the effective prompt in the reduce phase.
const mergePromptPreamble = "The following are partial outlines of one conversation, in order. Merge them into a single summary.\n\n"

// SummarizeSince folds all log entries newer than the stored cursor and not
// newer than cutoff into one new summary record, then rebuilds the in-memory
// buffer as {system} + {latest summaries} + {entries after the new cursor}.
//
// If a summarization is already in progress on this instance, the call is an
// immediate no-op (re-entrancy guard, not a distributed lock). If no rows are
// pending, no record is written and the cursor is unchanged.
func (c *Conversation) SummarizeSince(ctx context.Context, cutoff time.Time, promptOverride string) error {
	if !c.summarizing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.summarizing.Store(false)

	if c.store == nil {
		return &ErrConfig{Setting: "store", Reason: "summarization requires a store"}
	}
	if c.summaryProvider == nil {
		return &ErrConfig{Setting: "summary provider", Reason: "summarization requires a model"}
	}

	if c.tracer != nil {
		var span Span
		ctx, span = c.tracer.Start(ctx, "conversation.summarize",
			StringAttr("conversation.id", c.id))
		defer span.End()
	}

	cursor, err := c.lastCursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	entries, err := c.store.LogEntriesAfter(ctx, c.id, cursor, cutoff)
	if err != nil {
		return fmt.Errorf("fetch delta: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	prompt := c.effectivePrompt(promptOverride)

	var summary string
	if estimateTokens(entries) <= c.chunkThreshold {
		summary, err = c.summarizeOnce(ctx, prompt, renderEntries(entries))
	} else {
		summary, err = c.summarizeChunked(ctx, prompt, entries)
	}
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	newCursor := entries[len(entries)-1].ID
	if _, err := c.store.InsertSummary(ctx, c.id, summary, newCursor); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	c.logger.Info("conversation summarized",
		"conversation", c.id,
		"entries", len(entries),
		"cursor", newCursor)

	return c.rebuild(ctx)
}

// lastCursor reads the newest stored cursor, or 0 on first run.
func (c *Conversation) lastCursor(ctx context.Context) (int64, error) {
	recs, err := c.store.LatestSummaries(ctx, c.id, 1)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[0].Cursor, nil
}

// effectivePrompt resolves override > conversation-configured > default.
func (c *Conversation) effectivePrompt(override string) string {
	if override != "" {
		return override
	}
	if c.summaryPrompt != "" {
		return c.summaryPrompt
	}
	return defaultSummaryPrompt
}

// summarizeOnce runs a single-pass summary over the rendered transcript.
func (c *Conversation) summarizeOnce(ctx context.Context, prompt, transcript string) (string, error) {
	resp, err := c.summaryProvider.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage(prompt),
			{Role: RoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// summarizeChunked is the map-reduce path: extractive outline per chunk, then
// one merge pass over the concatenated outlines with the effective prompt.
func (c *Conversation) summarizeChunked(ctx context.Context, prompt string, entries []LogEntry) (string, error) {
	chunks := chunkEntries(entries, c.chunkMaxRows, c.chunkMaxChars)

	outlines := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		outline, err := c.summarizeOnce(ctx, chunkSummaryPrompt, renderEntries(chunk))
		if err != nil {
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		outlines = append(outlines, outline)
	}

	return c.summarizeOnce(ctx, mergePromptPreamble+prompt, strings.Join(outlines, "\n---\n"))
}

// chunkEntries splits entries into runs bounded by both a row-count cap and a
// character cap. A single oversized entry still forms its own chunk.
func chunkEntries(entries []LogEntry, maxRows, maxChars int) [][]LogEntry {
	var chunks [][]LogEntry
	var cur []LogEntry
	curChars := 0
	for _, e := range entries {
		n := len(e.Content)
		if len(cur) > 0 && (len(cur) >= maxRows || curChars+n > maxChars) {
			chunks = append(chunks, cur)
			cur = nil
			curChars = 0
		}
		cur = append(cur, e)
		curChars += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// estimateTokens approximates token count for a batch of entries. Four
// characters per token is close enough to pick a summarization strategy.
func estimateTokens(entries []LogEntry) int {
	chars := 0
	for _, e := range entries {
		chars += len(e.Content) + len(e.Sender) + 8
	}
	return chars / 4
}

// renderEntries flattens log entries into a plain transcript for the model.
func renderEntries(entries []LogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteByte('[')
		b.WriteString(e.Role)
		if e.Sender != "" {
			b.WriteByte(' ')
			b.WriteString(e.Sender)
		}
		b.WriteString("]: ")
		b.WriteString(e.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// rebuild reloads the buffer from the store: {system} + {latest summaries} +
// {entries after the newest cursor}.
func (c *Conversation) rebuild(ctx context.Context) error {
	recs, err := c.store.LatestSummaries(ctx, c.id, c.summaryKeep)
	if err != nil {
		return fmt.Errorf("rebuild: load summaries: %w", err)
	}
	var cursor int64
	if len(recs) > 0 {
		cursor = recs[0].Cursor
	}
	entries, err := c.store.LogEntriesAfter(ctx, c.id, cursor, time.Time{})
	if err != nil {
		return fmt.Errorf("rebuild: load tail: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = c.messages[:0]
	c.prefixLen = 0
	if sys := c.systemText(); sys != "" {
		c.messages = append(c.messages, SystemMessage(sys))
		c.prefixLen = 1
	}
	for i := len(recs) - 1; i >= 0; i-- {
		c.messages = append(c.messages, summaryMessage(recs[i]))
		c.prefixLen++
	}
	for _, e := range entries {
		m := Message{Role: e.Role, Content: e.Content}
		if e.Role == RoleUser || e.Role == RoleAssistant {
			m.Sender = e.Sender
		}
		c.messages = append(c.messages, m)
	}
	c.applyWindowLocked()
	return nil
}
