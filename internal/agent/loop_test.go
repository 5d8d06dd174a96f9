package agent

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/insight/internal/gateway"
	"github.com/felixgeelhaar/insight/internal/guard"
	"github.com/felixgeelhaar/insight/internal/memory"
	"github.com/felixgeelhaar/insight/internal/observe"
	"github.com/felixgeelhaar/insight/internal/provider"
	"github.com/felixgeelhaar/insight/internal/retrieval"
	"github.com/felixgeelhaar/insight/internal/store"
	"github.com/felixgeelhaar/insight/internal/stream"
	"github.com/felixgeelhaar/insight/internal/warehouse"
)

type fixture struct {
	agent   *Agent
	stub    *provider.StubProvider
	storage *store.SQLiteStorage
}

func newFixture(t *testing.T, stub *provider.StubProvider) *fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStorage(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	whPath := filepath.Join(dir, "warehouse.db")
	err = warehouse.Seed(whPath, []warehouse.SeedTable{
		{
			Name:    "orders",
			Columns: []string{"id INTEGER", "region TEXT", "amount REAL"},
			Rows:    [][]any{{1, "emea", 120.5}, {2, "apac", 200.0}},
		},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	engine, err := warehouse.Open(whPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	retriever := retrieval.New(s, stub, 0.1, 3, 5)
	if err := retriever.Index(context.Background(), "metrics.md", []string{"ARR means annual recurring revenue"}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	obs := observe.New(io.Discard, false)
	memories := memory.NewManager(s, 2000, 5, 5, 5)
	tools := gateway.New(guard.New(guard.DefaultPolicy), engine, retriever, memories, obs.Component("gateway"))

	a := New(stub, tools, s, memories, obs, Options{
		MaxIterations:  10,
		RetryBackoff:   5 * time.Millisecond,
		ResponseBudget: 30 * time.Second,
		SessionTTL:     24 * time.Hour,
	})
	return &fixture{agent: a, stub: stub, storage: s}
}

func respond(t *testing.T, f *fixture, sessionID, message string) []stream.Event {
	t.Helper()
	em := stream.NewEmitter(512, 0)
	if err := f.agent.Respond(context.Background(), sessionID, message, em); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	var events []stream.Event
	for ev := range em.Events() {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []stream.Event) map[stream.EventType]int {
	counts := make(map[stream.EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts
}

func joinContent(events []stream.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventContent {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestRespondSimpleAnswer(t *testing.T) {
	stub := provider.NewStubProvider(provider.Response{
		Content: "Revenue was $320.50 across both regions.",
		Usage:   provider.Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60},
	})
	f := newFixture(t, stub)

	sess, hasMemory, err := f.agent.CreateSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if hasMemory {
		t.Error("new user should not have memory")
	}

	events := respond(t, f, sess.ID, "what was total revenue?")
	counts := eventTypes(events)
	if counts[stream.EventDone] != 1 {
		t.Errorf("done events = %d, want 1", counts[stream.EventDone])
	}
	if got := joinContent(events); got != "Revenue was $320.50 across both regions." {
		t.Errorf("content = %q", got)
	}

	turns, err := f.agent.History(sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[1].Usage == nil || turns[1].Usage.TotalTokens != 60 {
		t.Errorf("usage not recorded: %+v", turns[1].Usage)
	}

	// The system prompt is assembled on every call.
	if len(stub.Requests) != 1 {
		t.Fatalf("got %d model calls, want 1", len(stub.Requests))
	}
	if !strings.Contains(stub.Requests[0].System, "business intelligence") {
		t.Error("system prompt missing")
	}
	if len(stub.Requests[0].Tools) != 4 {
		t.Errorf("advertised %d tools, want 4", len(stub.Requests[0].Tools))
	}
}

func TestRespondMultiToolFlow(t *testing.T) {
	stub := provider.NewStubProvider(
		provider.Response{ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: gateway.ToolRetrieve, Args: `{"query": "annual recurring revenue"}`},
			{ID: "c2", Name: gateway.ToolQuery, Args: `{"sql": "SELECT SUM(amount) FROM orders"}`},
		}},
		provider.Response{ToolCalls: []provider.ToolCall{
			{ID: "c3", Name: gateway.ToolSaveMemory, Args: `{"kind": "finding", "key": "total_revenue", "value": "$320.50"}`},
		}},
		provider.Response{Content: "Total revenue was $320.50."},
	)
	f := newFixture(t, stub)

	sess, _, err := f.agent.CreateSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events := respond(t, f, sess.ID, "total revenue? remember it")

	counts := eventTypes(events)
	if counts[stream.EventTool] != 6 {
		t.Errorf("tool events = %d, want 6 (3 started + 3 completed)", counts[stream.EventTool])
	}
	if counts[stream.EventMemory] == 0 {
		t.Error("no memory event for the save")
	}
	if counts[stream.EventDone] != 1 {
		t.Errorf("done events = %d, want 1", counts[stream.EventDone])
	}

	// Tool results flow back to the model as tool-role messages.
	last := stub.Requests[len(stub.Requests)-1]
	toolMsgs := 0
	for _, m := range last.Messages {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 3 {
		t.Errorf("final request carried %d tool messages, want 3", toolMsgs)
	}

	// Trace entries are persisted with the assistant turn.
	turns, _ := f.agent.History(sess.ID)
	assistant := turns[len(turns)-1]
	if len(assistant.Trace) != 3 {
		t.Errorf("persisted %d trace entries, want 3", len(assistant.Trace))
	}

	// The saved finding is durable for the user.
	mem, err := f.storage.GetUserMemory("alice")
	if err != nil {
		t.Fatalf("GetUserMemory: %v", err)
	}
	if len(mem.Findings) != 1 || mem.Findings[0].Key != "total_revenue" {
		t.Errorf("finding not saved: %+v", mem.Findings)
	}
}

func TestRespondToolErrorRecovers(t *testing.T) {
	stub := provider.NewStubProvider(
		provider.Response{ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: gateway.ToolQuery, Args: `{"sql": "DROP TABLE orders"}`},
		}},
		provider.Response{Content: "I can only run read-only queries."},
	)
	f := newFixture(t, stub)

	sess, _, _ := f.agent.CreateSession(context.Background(), "alice")
	events := respond(t, f, sess.ID, "drop the orders table")

	var failed bool
	for _, ev := range events {
		if ev.Type == stream.EventTool && ev.Status == stream.StatusError {
			failed = true
		}
	}
	if !failed {
		t.Error("no failed tool event for the rejected statement")
	}
	// The rejection is not terminal; the model answers normally.
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("stream ended with %s, want done", events[len(events)-1].Type)
	}
}

func TestRespondRetriesModelOnce(t *testing.T) {
	stub := provider.NewStubProvider(provider.Response{Content: "ok"})
	stub.FailCalls = 1
	f := newFixture(t, stub)

	sess, _, _ := f.agent.CreateSession(context.Background(), "alice")
	events := respond(t, f, sess.ID, "hello")
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("stream ended with %s, want done after one retry", events[len(events)-1].Type)
	}
	if len(stub.Requests) != 2 {
		t.Errorf("got %d model calls, want 2", len(stub.Requests))
	}
}

func TestRespondFailsAfterSecondModelError(t *testing.T) {
	stub := provider.NewStubProvider(provider.Response{Content: "ok"})
	stub.FailCalls = 2
	f := newFixture(t, stub)

	sess, _, _ := f.agent.CreateSession(context.Background(), "alice")
	events := respond(t, f, sess.ID, "hello")
	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Errorf("stream ended with %s, want error", last.Type)
	}
	if len(stub.Requests) != 2 {
		t.Errorf("got %d model calls, want 2 (one retry)", len(stub.Requests))
	}
}

func TestRespondIterationCeiling(t *testing.T) {
	stub := &provider.StubProvider{
		Responses: []provider.Response{{ToolCalls: []provider.ToolCall{
			{ID: "c", Name: gateway.ToolQuery, Args: `{"sql": "SELECT COUNT(*) FROM orders"}`},
		}}},
		Loop: true,
	}
	f := newFixture(t, stub)

	sess, _, _ := f.agent.CreateSession(context.Background(), "alice")
	events := respond(t, f, sess.ID, "keep digging")

	if len(stub.Requests) != 10 {
		t.Errorf("got %d model calls, want exactly 10", len(stub.Requests))
	}
	content := joinContent(events)
	if !strings.Contains(content, "stopped at the step limit") {
		t.Errorf("missing truncation notice: %q", content)
	}
	last := events[len(events)-1]
	if last.Type != stream.EventDone {
		t.Fatalf("stream ended with %s, want done", last.Type)
	}
	if truncated, _ := last.Data["truncated"].(bool); !truncated {
		t.Error("done event not flagged truncated")
	}
}

func TestRespondSessionLease(t *testing.T) {
	stub := provider.NewStubProvider(provider.Response{Content: "ok"})
	f := newFixture(t, stub)

	sess, _, _ := f.agent.CreateSession(context.Background(), "alice")
	if !f.agent.leases.Acquire(sess.ID) {
		t.Fatal("could not pre-acquire lease")
	}
	defer f.agent.leases.Release(sess.ID)

	em := stream.NewEmitter(8, 0)
	err := f.agent.Respond(context.Background(), sess.ID, "hello", em)
	if !errors.Is(err, ErrSessionBusy) {
		t.Errorf("error = %v, want ErrSessionBusy", err)
	}
}

func TestRespondUnknownAndExpiredSessions(t *testing.T) {
	stub := provider.NewStubProvider(provider.Response{Content: "ok"})
	f := newFixture(t, stub)

	em := stream.NewEmitter(8, 0)
	if err := f.agent.Respond(context.Background(), "nope", "hello", em); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}

	old := time.Now().UTC().Add(-48 * time.Hour)
	stale := &store.Session{ID: "stale", UserID: "alice", CreatedAt: old, LastActivity: old}
	if err := f.storage.CreateSession(stale); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.agent.Respond(context.Background(), "stale", "hello", em); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
}

func TestMemoryCarriesAcrossSessions(t *testing.T) {
	stub := provider.NewStubProvider(
		provider.Response{ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: gateway.ToolSaveMemory, Args: `{"kind": "preference", "key": "currency", "value": "EUR"}`},
		}},
		provider.Response{Content: "Noted, I will use EUR."},
	)
	f := newFixture(t, stub)
	ctx := context.Background()

	first, hasMemory, err := f.agent.CreateSession(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if hasMemory {
		t.Error("first session should start without memory")
	}
	respond(t, f, first.ID, "always show amounts in EUR")

	second, hasMemory, err := f.agent.CreateSession(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !hasMemory {
		t.Fatal("second session should report injected memory")
	}
	if !strings.Contains(second.InjectedMemory, "currency: EUR") {
		t.Errorf("injected memory = %q", second.InjectedMemory)
	}

	// The injected summary reaches the system prompt.
	stub.Responses = []provider.Response{{Content: "Using EUR as you prefer."}}
	respond(t, f, second.ID, "what do you remember?")
	last := stub.Requests[len(stub.Requests)-1]
	if !strings.Contains(last.System, "currency: EUR") {
		t.Error("memory summary missing from system prompt")
	}
}

func TestExpireSessions(t *testing.T) {
	stub := provider.NewStubProvider()
	f := newFixture(t, stub)

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := f.storage.CreateSession(&store.Session{ID: "stale", UserID: "a", CreatedAt: old, LastActivity: old}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	n, err := f.agent.ExpireSessions()
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
}

func TestChunkText(t *testing.T) {
	chunks := chunkText(strings.Repeat("word ", 200), 240)
	if len(chunks) < 2 {
		t.Fatalf("long text produced %d chunks", len(chunks))
	}
	var total int
	for _, c := range chunks {
		if len(c) > 240 {
			t.Errorf("chunk length %d exceeds limit", len(c))
		}
		total += len(c)
	}
	if total != len(strings.Repeat("word ", 200)) {
		t.Error("chunks do not reassemble the original text")
	}
	if chunkText("", 240) != nil {
		t.Error("empty text should produce no chunks")
	}
}

func TestChunkTextMultiByteRunes(t *testing.T) {
	// Unbroken multi-byte text forces a mid-run cut; it must land on a rune
	// boundary so every chunk stays valid UTF-8.
	text := "a" + strings.Repeat("日", 120)
	chunks := chunkText(text, 240)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Error("chunks do not reassemble the original text")
	}
}
