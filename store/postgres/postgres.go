// Package postgres implements convo.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loreleaf/convo"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements convo.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
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

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
			conversation_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			role TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			cursor BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_time ON log_entries (conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries (conversation_id, cursor)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// AppendLogEntry inserts one turn, assigning the next monotonic id for the
// conversation inside a serialized transaction.
func (s *Store) AppendLogEntry(ctx context.Context, entry convo.LogEntry) (convo.LogEntry, error) {
	start := time.Now()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return convo.LogEntry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Per-conversation advisory lock, released at commit. Serializes the
	// MAX(id) computation across concurrent appenders without locking rows.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, entry.ConversationID); err != nil {
		return convo.LogEntry{}, fmt.Errorf("lock conversation: %w", err)
	}

	if entry.CreatedAt == 0 {
		entry.CreatedAt = convo.NowUnix()
	}
	var nextID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO log_entries (conversation_id, id, role, sender, content, created_at)
		 SELECT $1, COALESCE(MAX(id), 0) + 1, $2, $3, $4, $5
		 FROM log_entries WHERE conversation_id = $1
		 RETURNING id`,
		entry.ConversationID, entry.Role, entry.Sender, entry.Content, entry.CreatedAt).Scan(&nextID)
	if err != nil {
		return convo.LogEntry{}, fmt.Errorf("insert log entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return convo.LogEntry{}, fmt.Errorf("commit: %w", err)
	}

	entry.ID = nextID
	s.logger.Debug("postgres: log entry appended",
		"conversation_id", entry.ConversationID,
		"id", entry.ID,
		"duration", time.Since(start))
	return entry, nil
}

// LogEntriesAfter returns entries with id > cursor and created_at ≤ cutoff,
// ordered by id ascending. A zero cutoff disables the time bound.
func (s *Store) LogEntriesAfter(ctx context.Context, conversationID string, cursor int64, cutoff time.Time) ([]convo.LogEntry, error) {
	query := `SELECT id, role, sender, content, created_at FROM log_entries
		WHERE conversation_id = $1 AND id > $2`
	args := []any{conversationID, cursor}
	if !cutoff.IsZero() {
		query += ` AND created_at <= $3`
		args = append(args, cutoff.Unix())
	}
	query += ` ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
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
	return out, rows.Err()
}

// InsertSummary persists a new summary record. The cursor must not move
// backwards relative to the newest stored record for the conversation.
func (s *Store) InsertSummary(ctx context.Context, conversationID, summary string, cursor int64) (convo.SummaryRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var last int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(cursor), 0) FROM summaries WHERE conversation_id = $1`,
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
	_, err = tx.Exec(ctx,
		`INSERT INTO summaries (id, conversation_id, summary, cursor, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.ConversationID, rec.Summary, rec.Cursor, rec.CreatedAt)
	if err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// LatestSummaries returns up to n most recent summary records, newest first.
func (s *Store) LatestSummaries(ctx context.Context, conversationID string, n int) ([]convo.SummaryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, summary, cursor, created_at FROM summaries
		 WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2`,
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

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }
