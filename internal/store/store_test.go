package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStorage(t)

	sess := &Session{ID: "sess-1", UserID: "alice", InjectedMemory: "prefers EUR"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", got.UserID)
	}
	if got.InjectedMemory != "prefers EUR" {
		t.Errorf("InjectedMemory = %q", got.InjectedMemory)
	}

	if err := s.TouchSession("sess-1"); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	touched, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession after touch: %v", err)
	}
	if touched.LastActivity.Before(got.LastActivity) {
		t.Error("TouchSession did not advance last activity")
	}

	if err := s.UpdateSessionContext("sess-1", []string{"revenue"}, []string{"q3 up 12%"}); err != nil {
		t.Fatalf("UpdateSessionContext: %v", err)
	}
	ctx, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession after context update: %v", err)
	}
	if len(ctx.Topics) != 1 || ctx.Topics[0] != "revenue" {
		t.Errorf("Topics = %v", ctx.Topics)
	}

	if _, err := s.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.TouchSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestExpireSessions(t *testing.T) {
	s := newTestStorage(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.CreateSession(&Session{ID: "stale", UserID: "u", CreatedAt: old, LastActivity: old}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(&Session{ID: "fresh", UserID: "u"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := s.ExpireSessions(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d sessions, want 1", n)
	}
	if _, err := s.GetSession("stale"); !errors.Is(err, ErrNotFound) {
		t.Error("stale session survived expiry")
	}
	if _, err := s.GetSession("fresh"); err != nil {
		t.Errorf("fresh session expired: %v", err)
	}
}

func TestTurns(t *testing.T) {
	s := newTestStorage(t)
	if err := s.CreateSession(&Session{ID: "sess-1", UserID: "alice"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.AppendTurn(&Turn{SessionID: "sess-1", Role: "user", Content: "show revenue"}); err != nil {
		t.Fatalf("AppendTurn user: %v", err)
	}
	assistant := &Turn{
		SessionID: "sess-1",
		Role:      "assistant",
		Content:   "Revenue was $1.2M.",
		Trace: []TraceEntry{
			{TraceID: "t1", Tool: "query", Status: "completed", Output: "1 row"},
		},
		Usage: &TurnUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
	if err := s.AppendTurn(assistant); err != nil {
		t.Fatalf("AppendTurn assistant: %v", err)
	}
	if assistant.ID == 0 {
		t.Error("AppendTurn did not assign an id")
	}

	turns, err := s.GetTurns("sess-1")
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("turn order wrong: %s, %s", turns[0].Role, turns[1].Role)
	}
	if len(turns[1].Trace) != 1 || turns[1].Trace[0].Tool != "query" {
		t.Errorf("trace not preserved: %+v", turns[1].Trace)
	}
	if turns[1].Usage == nil || turns[1].Usage.TotalTokens != 120 {
		t.Errorf("usage not preserved: %+v", turns[1].Usage)
	}
	if turns[0].Usage != nil {
		t.Error("user turn should have no usage")
	}
}

func TestUserMemoryUpdate(t *testing.T) {
	s := newTestStorage(t)

	mem, err := s.GetUserMemory("alice")
	if err != nil {
		t.Fatalf("GetUserMemory: %v", err)
	}
	if !mem.IsEmpty() {
		t.Error("new user should have empty memory")
	}

	now := time.Now().UTC()
	_, err = s.UpdateUserMemory("alice", func(m *UserMemory) error {
		m.Findings = Upsert(m.Findings, "q3_revenue", "$1.2M", now)
		m.Preferences = Upsert(m.Preferences, "currency", "EUR", now)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUserMemory: %v", err)
	}

	mem, err = s.GetUserMemory("alice")
	if err != nil {
		t.Fatalf("GetUserMemory: %v", err)
	}
	if len(mem.Findings) != 1 || mem.Findings[0].Value != "$1.2M" {
		t.Errorf("findings = %+v", mem.Findings)
	}
	if len(mem.Preferences) != 1 || mem.Preferences[0].Key != "currency" {
		t.Errorf("preferences = %+v", mem.Preferences)
	}

	// Overwrite under the same key keeps a single entry.
	_, err = s.UpdateUserMemory("alice", func(m *UserMemory) error {
		m.Findings = Upsert(m.Findings, "q3_revenue", "$1.3M", now.Add(time.Minute))
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUserMemory overwrite: %v", err)
	}
	mem, _ = s.GetUserMemory("alice")
	if len(mem.Findings) != 1 || mem.Findings[0].Value != "$1.3M" {
		t.Errorf("overwrite failed: %+v", mem.Findings)
	}
}

func TestUserMemoryConcurrentUpdates(t *testing.T) {
	s := newTestStorage(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("finding_%d", i)
			_, err := s.UpdateUserMemory("alice", func(m *UserMemory) error {
				m.Findings = Upsert(m.Findings, key, "value", time.Now().UTC())
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent UpdateUserMemory: %v", err)
		}
	}

	mem, err := s.GetUserMemory("alice")
	if err != nil {
		t.Fatalf("GetUserMemory: %v", err)
	}
	if len(mem.Findings) != writers {
		t.Errorf("got %d findings, want %d (lost updates)", len(mem.Findings), writers)
	}
}

func TestResetUserMemory(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.UpdateUserMemory("alice", func(m *UserMemory) error {
		m.Summary = "knows about revenue"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUserMemory: %v", err)
	}
	if err := s.ResetUserMemory("alice"); err != nil {
		t.Fatalf("ResetUserMemory: %v", err)
	}
	mem, err := s.GetUserMemory("alice")
	if err != nil {
		t.Fatalf("GetUserMemory: %v", err)
	}
	if !mem.IsEmpty() {
		t.Errorf("memory not reset: %+v", mem)
	}

	// Resetting an absent user is not an error.
	if err := s.ResetUserMemory("nobody"); err != nil {
		t.Errorf("ResetUserMemory(nobody): %v", err)
	}
}

func TestDocuments(t *testing.T) {
	s := newTestStorage(t)

	doc := &Document{Source: "metrics.md", Offset: 0, Content: "ARR is annual recurring revenue.", Vector: []float32{0.1, 0.2, 0.3}}
	if err := s.AddDocument(doc); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := s.AddDocument(&Document{Source: "metrics.md", Offset: 1, Content: "Churn is customer loss rate."}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	docs, err := s.Documents()
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if len(docs[0].Vector) != 3 || docs[0].Vector[1] != 0.2 {
		t.Errorf("vector roundtrip failed: %v", docs[0].Vector)
	}
	if docs[1].Vector != nil {
		t.Errorf("missing vector should decode to nil, got %v", docs[1].Vector)
	}

	// Same source and offset upserts in place.
	if err := s.AddDocument(&Document{Source: "metrics.md", Offset: 0, Content: "updated"}); err != nil {
		t.Fatalf("AddDocument upsert: %v", err)
	}
	docs, _ = s.Documents()
	if len(docs) != 2 {
		t.Errorf("upsert created a duplicate, got %d documents", len(docs))
	}
}

func TestConfig(t *testing.T) {
	s := newTestStorage(t)

	if _, err := s.GetConfig("provider"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConfig(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.SetConfig("provider", "gemini"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := s.SetConfig("provider", "openai"); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	v, err := s.GetConfig("provider")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if v != "openai" {
		t.Errorf("GetConfig = %q, want openai", v)
	}
}
