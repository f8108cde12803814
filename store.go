package convo

import (
	"context"
	"time"
)

// Store abstracts the append-only conversation log and the summaries table.
// Implementations live in store/sqlite and store/postgres.
type Store interface {
	// AppendLogEntry persists one turn. The store assigns entry.ID, monotonic
	// per conversation, and returns the stored record.
	AppendLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error)
	// LogEntriesAfter returns entries with ID > cursor and CreatedAt ≤ cutoff,
	// ordered by ID ascending. A zero cutoff means no time bound.
	LogEntriesAfter(ctx context.Context, conversationID string, cursor int64, cutoff time.Time) ([]LogEntry, error)
	// InsertSummary persists a new summary record covering entries up to cursor.
	InsertSummary(ctx context.Context, conversationID, summary string, cursor int64) (SummaryRecord, error)
	// LatestSummaries returns up to n most recent summary records, newest first.
	LatestSummaries(ctx context.Context, conversationID string, n int) ([]SummaryRecord, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
