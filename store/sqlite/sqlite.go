// Package sqlite implements convo.Store using pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/loreleaf/convo"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements convo.Store backed by a local SQLite file: an append-only
// per-conversation log plus a summaries table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ convo.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so all goroutines serialize
// through one connection, eliminating SQLITE_BUSY errors from concurrent
// writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
			conversation_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			role TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_log_entries_time ON log_entries(conversation_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, cursor)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// AppendLogEntry inserts one turn, assigning the next monotonic id for the
// conversation inside a transaction. IDs are never reused.
func (s *Store) AppendLogEntry(ctx context.Context, entry convo.LogEntry) (convo.LogEntry, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return convo.LogEntry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var nextID int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM log_entries WHERE conversation_id = ?`,
		entry.ConversationID).Scan(&nextID)
	if err != nil {
		return convo.LogEntry{}, fmt.Errorf("next id: %w", err)
	}

	if entry.CreatedAt == 0 {
		entry.CreatedAt = convo.NowUnix()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO log_entries (conversation_id, id, role, sender, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ConversationID, nextID, entry.Role, entry.Sender, entry.Content, entry.CreatedAt)
	if err != nil {
		return convo.LogEntry{}, fmt.Errorf("insert log entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return convo.LogEntry{}, fmt.Errorf("commit: %w", err)
	}

	entry.ID = nextID
	s.logger.Debug("sqlite: log entry appended",
		"conversation_id", entry.ConversationID,
		"id", entry.ID,
		"role", entry.Role,
		"duration", time.Since(start))
	return entry, nil
}

// LogEntriesAfter returns entries with id > cursor and created_at ≤ cutoff,
// ordered by id ascending. A zero cutoff disables the time bound.
func (s *Store) LogEntriesAfter(ctx context.Context, conversationID string, cursor int64, cutoff time.Time) ([]convo.LogEntry, error) {
	start := time.Now()

	query := `SELECT id, role, sender, content, created_at FROM log_entries
		WHERE conversation_id = ? AND id > ?`
	args := []any{conversationID, cursor}
	if !cutoff.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, cutoff.Unix())
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var out []convo.LogEntry
	for rows.Next() {
		e := convo.LogEntry{ConversationID: conversationID}
		if err := rows.Scan(&e.ID, &e.Role, &e.Sender, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("sqlite: log entries fetched",
		"conversation_id", conversationID,
		"cursor", cursor,
		"rows", len(out),
		"duration", time.Since(start))
	return out, nil
}

// InsertSummary persists a new summary record. The cursor must not move
// backwards relative to the newest stored record for the conversation.
func (s *Store) InsertSummary(ctx context.Context, conversationID, summary string, cursor int64) (convo.SummaryRecord, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(cursor), 0) FROM summaries WHERE conversation_id = ?`,
		conversationID).Scan(&last)
	if err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("last cursor: %w", err)
	}
	if cursor < last {
		return convo.SummaryRecord{}, fmt.Errorf("cursor %d precedes stored cursor %d", cursor, last)
	}

	rec := convo.SummaryRecord{
		ID:             convo.NewID(),
		ConversationID: conversationID,
		Summary:        summary,
		Cursor:         cursor,
		CreatedAt:      convo.NowUnix(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO summaries (id, conversation_id, summary, cursor, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.Summary, rec.Cursor, rec.CreatedAt)
	if err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("sqlite: summary inserted",
		"conversation_id", conversationID,
		"cursor", cursor,
		"duration", time.Since(start))
	return rec, nil
}

// LatestSummaries returns up to n most recent summary records, newest first.
// Summary ids are UUIDv7, so id order is creation order.
func (s *Store) LatestSummaries(ctx context.Context, conversationID string, n int) ([]convo.SummaryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, summary, cursor, created_at FROM summaries
		 WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []convo.SummaryRecord
	for rows.Next() {
		rec := convo.SummaryRecord{ConversationID: conversationID}
		if err := rows.Scan(&rec.ID, &rec.Summary, &rec.Cursor, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
