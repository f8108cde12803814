package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	convo "github.com/loreleaf/convo"
)

// newTestStore connects to the database named by CONVO_TEST_POSTGRES_DSN and
// skips when it is unset. Tests use fresh conversation ids so they can share
// a database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CONVO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	s := New(pool)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendLogEntryAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cid, other := convo.NewID(), convo.NewID()

	for want := int64(1); want <= 3; want++ {
		e, err := s.AppendLogEntry(ctx, convo.LogEntry{ConversationID: cid, Role: "user", Content: "m"})
		if err != nil {
			t.Fatal(err)
		}
		if e.ID != want {
			t.Errorf("ID = %d, want %d", e.ID, want)
		}
	}

	// IDs are scoped per conversation.
	e, err := s.AppendLogEntry(ctx, convo.LogEntry{ConversationID: other, Role: "user", Content: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 1 {
		t.Errorf("other conversation ID = %d, want 1", e.ID)
	}
}

func TestAppendLogEntryConcurrentAppenders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cid := convo.NewID()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendLogEntry(ctx, convo.LogEntry{ConversationID: cid, Role: "user", Content: "m"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LogEntriesAfter(ctx, cid, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("entries = %d, want %d", len(got), n)
	}
	for i, e := range got {
		if e.ID != int64(i+1) {
			t.Errorf("entry %d has ID %d, want dense monotonic ids", i, e.ID)
		}
	}
}

func TestLogEntriesAfterCursorAndCutoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cid := convo.NewID()
	now := convo.NowUnix()

	for i, at := range []int64{now - 30, now - 20, now - 10, now + 10} {
		_, err := s.AppendLogEntry(ctx, convo.LogEntry{
			ConversationID: cid, Role: "user",
			Content: string(rune('a' + i)), CreatedAt: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LogEntriesAfter(ctx, cid, 2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Errorf("entries = %+v", got)
	}

	got, err = s.LogEntriesAfter(ctx, cid, 0, time.Unix(now, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("entries = %d, want 3 (future entry excluded)", len(got))
	}
}

func TestInsertSummaryRejectsCursorRegression(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cid := convo.NewID()

	if _, err := s.InsertSummary(ctx, cid, "first", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertSummary(ctx, cid, "regressed", 5); err == nil {
		t.Error("cursor regression accepted")
	}
	// Equal cursor is allowed (re-summarization of the same range).
	if _, err := s.InsertSummary(ctx, cid, "same range", 10); err != nil {
		t.Errorf("equal cursor rejected: %v", err)
	}
}

func TestLatestSummariesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cid := convo.NewID()

	for i, text := range []string{"first", "second", "third"} {
		if _, err := s.InsertSummary(ctx, cid, text, int64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LatestSummaries(ctx, cid, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Summary != "third" || got[1].Summary != "second" {
		t.Errorf("summaries = %+v", got)
	}
}
