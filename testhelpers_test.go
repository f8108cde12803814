package convo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is a full in-memory Store used across the package tests. It keeps
// the same semantics as the real backends: per-conversation monotonic ids,
// cursor-regression rejection, newest-first LatestSummaries.
type memStore struct {
	mu        sync.Mutex
	entries   map[string][]LogEntry
	summaries map[string][]SummaryRecord

	appendErr error // when set, AppendLogEntry fails with it
}

func newMemStore() *memStore {
	return &memStore{
		entries:   make(map[string][]LogEntry),
		summaries: make(map[string][]SummaryRecord),
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) AppendLogEntry(_ context.Context, e LogEntry) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return LogEntry{}, s.appendErr
	}
	e.ID = int64(len(s.entries[e.ConversationID])) + 1
	if e.CreatedAt == 0 {
		e.CreatedAt = NowUnix()
	}
	s.entries[e.ConversationID] = append(s.entries[e.ConversationID], e)
	return e, nil
}

func (s *memStore) LogEntriesAfter(_ context.Context, conversationID string, cursor int64, cutoff time.Time) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.entries[conversationID] {
		if e.ID <= cursor {
			continue
		}
		if !cutoff.IsZero() && e.CreatedAt > cutoff.Unix() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) InsertSummary(_ context.Context, conversationID, summary string, cursor int64) (SummaryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.summaries[conversationID]
	if n := len(recs); n > 0 && cursor < recs[n-1].Cursor {
		return SummaryRecord{}, errors.New("cursor moved backwards")
	}
	rec := SummaryRecord{
		ID:             NewID(),
		ConversationID: conversationID,
		Summary:        summary,
		Cursor:         cursor,
		CreatedAt:      NowUnix(),
	}
	s.summaries[conversationID] = append(recs, rec)
	return rec, nil
}

func (s *memStore) LatestSummaries(_ context.Context, conversationID string, n int) ([]SummaryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append([]SummaryRecord(nil), s.summaries[conversationID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

// entryContents returns the persisted contents for a conversation, in order.
func (s *memStore) entryContents(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries[conversationID] {
		out = append(out, e.Content)
	}
	return out
}

var _ Store = (*memStore)(nil)

// mockProvider returns scripted responses in order, recording every request.
// When the script runs out it repeats the final response. A scripted error
// consumes a slot like a response does.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return ChatResponse{}, m.errs[i]
	}
	if len(m.responses) == 0 {
		return ChatResponse{FinishReason: FinishStop}, nil
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) request(i int) ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

var _ Provider = (*mockProvider)(nil)

// errProvider always fails with the same error.
type errProvider struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *errProvider) Name() string { return "err" }

func (p *errProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return ChatResponse{}, p.err
}

var _ Provider = (*errProvider)(nil)

// timeZero is the zero cutoff: no time bound.
func timeZero() time.Time { return time.Time{} }

// assistantResponse builds a plain text response.
func assistantResponse(text string) ChatResponse {
	return ChatResponse{
		Message:      AssistantMessage(text),
		FinishReason: FinishStop,
	}
}

// toolCallResponse builds a response requesting one tool.
func toolCallResponse(id, name, args string) ChatResponse {
	return ChatResponse{
		Message: Message{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: id, Name: name, Args: []byte(args)}},
		},
		FinishReason: FinishToolCall,
	}
}
