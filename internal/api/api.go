// Package api exposes the chat service over HTTP. Responses stream as
// server-sent events; everything else is plain JSON.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/felixgeelhaar/insight/internal/agent"
	"github.com/felixgeelhaar/insight/internal/memory"
	"github.com/felixgeelhaar/insight/internal/stream"
)

// Server is the HTTP front end over the agent.
type Server struct {
	agent     *agent.Agent
	memories  *memory.Manager
	log       *bolt.Logger
	apiKey    string
	heartbeat time.Duration
	router    chi.Router
}

// NewServer assembles the router. An empty apiKey disables authentication.
func NewServer(a *agent.Agent, memories *memory.Manager, log *bolt.Logger, apiKey string, heartbeat time.Duration) *Server {
	s := &Server{
		agent:     a,
		memories:  memories,
		log:       log,
		apiKey:    apiKey,
		heartbeat: heartbeat,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requireAPIKey)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/session", s.handleCreateSession)
		r.Post("/chat/message", s.handleMessage)
		r.Get("/chat/history/{sessionID}", s.handleHistory)
		r.Get("/user/memory", s.handleGetMemory)
		r.Delete("/user/memory/reset", s.handleResetMemory)
	})
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StartJanitor expires idle sessions on an interval until ctx is done.
func (s *Server) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := s.agent.ExpireSessions(); err != nil {
					s.log.Warn().Str("error", err.Error()).Msg("session expiry failed")
				} else if n > 0 {
					s.log.Info().Int64("count", n).Msg("expired idle sessions")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.URL.Path != "/healthz" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	HasMemory bool   `json:"has_memory"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sess, hasMemory, err := s.agent.CreateSession(r.Context(), req.UserID)
	if err != nil {
		s.log.Error().Str("error", err.Error()).Msg("session creation failed")
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, HasMemory: hasMemory})
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	if _, err := s.agent.Session(req.SessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	em := stream.NewEmitter(64, s.heartbeat)
	go func() {
		if err := s.agent.Respond(r.Context(), req.SessionID, req.Message, em); err != nil {
			// Pre-flight failures after the headers are sent become
			// stream-level errors.
			em.Error(sessionErrorMessage(err))
		}
	}()

	for ev := range em.Events() {
		if err := writeSSE(w, ev); err != nil {
			// The response keeps running; Abandon discards its remaining
			// events so the producer never blocks on a stream nobody reads.
			s.log.Warn().Str("session", req.SessionID).Msg("client disconnected")
			em.Abandon()
			return
		}
		flusher.Flush()
	}
}

// sessionErrorMessage maps session sentinels to client-facing text for the
// streaming path, mirroring writeSessionError on the JSON path.
func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, agent.ErrSessionExpired):
		return "session expired"
	case errors.Is(err, agent.ErrSessionBusy):
		return "session busy"
	default:
		return "internal error"
	}
}

// writeSSE frames one event. The SSE id mirrors the protocol sequence
// number so clients can detect gaps after a reconnect.
func writeSSE(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

type historyTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ToolCalls int       `json:"tool_calls,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turns, err := s.agent.History(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	out := make([]historyTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, historyTurn{
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
			ToolCalls: len(t.Trace),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": out})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	mem, err := s.memories.Get(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load memory")
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleResetMemory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.memories.Reset(userID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not reset memory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, agent.ErrSessionExpired):
		writeError(w, http.StatusGone, "session expired")
	case errors.Is(err, agent.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session busy")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
