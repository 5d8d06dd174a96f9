// Package agent orchestrates response generation: it assembles the model
// conversation, dispatches tool calls through the gateway, and streams the
// result as protocol events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/insight/internal/gateway"
	"github.com/felixgeelhaar/insight/internal/memory"
	"github.com/felixgeelhaar/insight/internal/observe"
	"github.com/felixgeelhaar/insight/internal/provider"
	"github.com/felixgeelhaar/insight/internal/store"
	"github.com/felixgeelhaar/insight/internal/stream"
)

var (
	ErrSessionNotFound = errors.New("agent: session not found")
	ErrSessionExpired  = errors.New("agent: session expired")
	ErrSessionBusy     = errors.New("agent: session is already generating a response")
)

// truncationNotice is appended to the answer when the tool budget runs out
// before the model finishes.
const truncationNotice = "\n\n[analysis stopped at the step limit; results may be incomplete]"

const contentChunkSize = 240

// Options bound the orchestration loop.
type Options struct {
	MaxIterations  int
	RetryBackoff   time.Duration
	ResponseBudget time.Duration
	SessionTTL     time.Duration
}

// Agent generates assistant responses for chat sessions.
type Agent struct {
	model    provider.Provider
	tools    *gateway.Gateway
	storage  store.Storage
	memories *memory.Manager
	obs      *observe.Observer
	log      *bolt.Logger
	opts     Options
	leases   *leaseTable
}

// New wires an Agent from its collaborators.
func New(model provider.Provider, tools *gateway.Gateway, storage store.Storage, memories *memory.Manager, obs *observe.Observer, opts Options) *Agent {
	return &Agent{
		model:    model,
		tools:    tools,
		storage:  storage,
		memories: memories,
		obs:      obs,
		log:      obs.Component("agent"),
		opts:     opts,
		leases:   newLeaseTable(),
	}
}

// CreateSession starts a new session for a user, injecting their memory
// summary if any exists. The returned flag reports whether memory was
// injected.
func (a *Agent) CreateSession(ctx context.Context, userID string) (*store.Session, bool, error) {
	_, span := a.obs.StartSpan(ctx, "agent.create_session")
	defer span.End()

	summary, err := a.memories.LoadSummary(userID)
	if err != nil {
		return nil, false, fmt.Errorf("load memory summary: %w", err)
	}
	sess := &store.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		InjectedMemory: summary,
	}
	if err := a.storage.CreateSession(sess); err != nil {
		return nil, false, err
	}
	a.log.Info().Str("session", sess.ID).Str("user", userID).Bool("has_memory", summary != "").Msg("session created")
	return sess, summary != "", nil
}

// Session returns a live session, translating absence and staleness into
// sentinel errors.
func (a *Agent) Session(sessionID string) (*store.Session, error) {
	sess, err := a.storage.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.opts.SessionTTL > 0 && time.Since(sess.LastActivity) > a.opts.SessionTTL {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// History returns the session's stored turns.
func (a *Agent) History(sessionID string) ([]*store.Turn, error) {
	if _, err := a.Session(sessionID); err != nil {
		return nil, err
	}
	return a.storage.GetTurns(sessionID)
}

// ExpireSessions removes sessions idle past the TTL.
func (a *Agent) ExpireSessions() (int64, error) {
	if a.opts.SessionTTL <= 0 {
		return 0, nil
	}
	return a.storage.ExpireSessions(time.Now().UTC().Add(-a.opts.SessionTTL))
}

// Respond generates the assistant's answer to one user message, emitting
// protocol events to em. Pre-flight failures (unknown session, busy lease)
// are returned before any event is emitted; once streaming starts, failures
// terminate the stream with an error event instead.
func (a *Agent) Respond(ctx context.Context, sessionID, message string, em *stream.Emitter) error {
	sess, err := a.Session(sessionID)
	if err != nil {
		return err
	}
	if !a.leases.Acquire(sessionID) {
		return ErrSessionBusy
	}
	defer a.leases.Release(sessionID)

	if a.opts.ResponseBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.ResponseBudget)
		defer cancel()
	}
	ctx, span := a.obs.StartSpan(ctx, "agent.respond")
	defer span.End()

	if err := a.storage.AppendTurn(&store.Turn{SessionID: sessionID, Role: "user", Content: message}); err != nil {
		em.Error("could not record message")
		return nil
	}
	_ = a.storage.TouchSession(sessionID)

	history, err := a.storage.GetTurns(sessionID)
	if err != nil {
		em.Error("could not load conversation")
		return nil
	}

	if sess.InjectedMemory != "" && len(history) == 1 {
		em.Memory("load", "recalled context from previous sessions")
	}

	a.run(ctx, sess, history, em)
	return nil
}

// run drives the model loop and finalization. All outcomes are reported
// through the emitter.
func (a *Agent) run(ctx context.Context, sess *store.Session, history []*store.Turn, em *stream.Emitter) {
	messages := messagesFromHistory(history)
	req := provider.ChatRequest{
		System:   systemPrompt(sess.InjectedMemory),
		Messages: messages,
		Tools:    a.tools.Declarations(),
	}

	var (
		trace     []store.TraceEntry
		usage     provider.Usage
		toolsUsed = make(map[string]int)
		topics    = append([]string(nil), sess.Topics...)
		findings  = append([]string(nil), sess.Findings...)
		content   string
		truncated bool
	)

	em.Reasoning("analyzing the question")

	for iteration := 1; ; iteration++ {
		resp, err := a.callModel(ctx, req)
		if err != nil {
			a.log.Error().Str("session", sess.ID).Str("error", err.Error()).Msg("model call failed")
			em.Error("the model is unavailable, try again shortly")
			return
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			content = resp.Content
			break
		}
		if iteration >= a.opts.MaxIterations {
			content = strings.TrimSpace(strings.TrimSpace(resp.Content) + truncationNotice)
			truncated = true
			break
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			corrID := em.ToolStarted(call.Name, call.Args)
			res := a.tools.Invoke(ctx, sess.UserID, call)
			toolsUsed[call.Name]++

			entry := store.TraceEntry{
				TraceID:   corrID,
				Tool:      call.Name,
				Input:     call.Args,
				Output:    res.Summary,
				Timestamp: time.Now().UTC(),
			}
			if res.IsError {
				entry.Status = stream.StatusError
				entry.Error = res.Summary
				em.ToolFailed(corrID, call.Name, res.Summary)
			} else {
				entry.Status = stream.StatusCompleted
				em.ToolCompleted(corrID, call.Name, res.Summary)
				a.recordToolContext(call, res, em, &topics, &findings)
			}
			trace = append(trace, entry)

			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
		em.Reasoning("interpreting tool results")
	}

	a.finalize(ctx, sess, em, content, trace, usage, toolsUsed, topics, findings, truncated)
}

// recordToolContext folds a successful tool call into the session's running
// topics and findings, emitting memory events for saves.
func (a *Agent) recordToolContext(call provider.ToolCall, res gateway.Result, em *stream.Emitter, topics, findings *[]string) {
	switch call.Name {
	case gateway.ToolRetrieve:
		var args struct {
			Query string `json:"query"`
		}
		if json.Unmarshal([]byte(call.Args), &args) == nil && args.Query != "" {
			*topics = appendUnique(*topics, args.Query)
		}
	case gateway.ToolSaveMemory:
		var args struct {
			Kind  string `json:"kind"`
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if json.Unmarshal([]byte(call.Args), &args) == nil {
			em.Memory("save", fmt.Sprintf("%s %s", args.Kind, args.Key))
			if args.Kind == "finding" {
				*findings = appendUnique(*findings, args.Key+": "+args.Value)
			}
		}
	}
}

func (a *Agent) finalize(ctx context.Context, sess *store.Session, em *stream.Emitter, content string, trace []store.TraceEntry, usage provider.Usage, toolsUsed map[string]int, topics, findings []string, truncated bool) {
	_, span := a.obs.StartSpan(ctx, "agent.finalize")
	defer span.End()

	for _, chunk := range chunkText(content, contentChunkSize) {
		em.Content(chunk)
	}

	turn := &store.Turn{
		SessionID: sess.ID,
		Role:      "assistant",
		Content:   content,
		Trace:     trace,
		Usage: &store.TurnUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}
	if err := a.storage.AppendTurn(turn); err != nil {
		a.log.Error().Str("session", sess.ID).Str("error", err.Error()).Msg("could not persist turn")
	}

	if err := a.storage.UpdateSessionContext(sess.ID, topics, findings); err != nil {
		a.log.Warn().Str("session", sess.ID).Str("error", err.Error()).Msg("could not update session context")
	}
	sess.Topics = topics
	sess.Findings = findings
	if err := a.memories.CompactSession(sess); err != nil {
		a.log.Warn().Str("session", sess.ID).Str("error", err.Error()).Msg("could not compact session")
	} else if len(topics) > 0 || len(findings) > 0 {
		em.Memory("compact", "updated session summary")
	}

	data := map[string]any{
		"followups": suggestFollowups(toolsUsed),
		"usage": map[string]int{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	if truncated {
		data["truncated"] = true
	}
	em.Done(data)
}

// callModel invokes the provider, retrying once after a backoff. Context
// cancellation is not retried.
func (a *Agent) callModel(ctx context.Context, req provider.ChatRequest) (*provider.Response, error) {
	resp, err := a.model.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	a.log.Warn().Str("error", err.Error()).Msg("model call failed, retrying")

	select {
	case <-time.After(a.opts.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a.model.Chat(ctx, req)
}

func messagesFromHistory(history []*store.Turn) []provider.Message {
	msgs := make([]provider.Message, 0, len(history))
	for _, t := range history {
		msgs = append(msgs, provider.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}

// chunkText splits text into emission-sized pieces, preferring whitespace
// boundaries and never cutting inside a rune, so concatenating the chunks
// reproduces the text exactly.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndexByte(text[:cut], ' '); idx > size/2 {
			cut = idx + 1
		}
		if cut == 0 {
			break
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
