package store

import "time"

// Session represents one continuous conversation owned by a single user.
type Session struct {
	ID             string
	UserID         string
	CreatedAt      time.Time
	LastActivity   time.Time
	InjectedMemory string // memory snapshot injected at creation
	Topics         []string
	Findings       []string
}

// TraceEntry is one observed tool invocation within an assistant turn.
type TraceEntry struct {
	TraceID   string    `json:"trace_id"`
	Tool      string    `json:"tool"`
	Status    string    `json:"status"` // started, completed, error
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnUsage records model token usage for one assistant turn.
type TurnUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Turn is one user message or one assistant response. Turns are appended in
// chronological order and never rewritten once stored.
type Turn struct {
	ID        int64
	SessionID string
	Role      string // user, assistant
	Content   string
	CreatedAt time.Time
	Trace     []TraceEntry
	Usage     *TurnUsage
}

// MemoryItem is a single keyed memory entry, ordered oldest to newest.
type MemoryItem struct {
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	SavedAt time.Time `json:"saved_at"`
}

// SessionSummary is the compacted record of one past session.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Date      time.Time `json:"date"`
	Topics    []string  `json:"topics,omitempty"`
	Findings  []string  `json:"findings,omitempty"`
}

// UserMemory is the durable cross-session memory document for a user.
// Findings and Preferences keep insertion order so compaction can drop the
// oldest entries first; saves under an existing key overwrite in place.
type UserMemory struct {
	UserID         string           `json:"user_id"`
	Summary        string           `json:"summary,omitempty"`
	Preferences    []MemoryItem     `json:"preferences,omitempty"`
	Findings       []MemoryItem     `json:"findings,omitempty"`
	RecentSessions []SessionSummary `json:"recent_sessions,omitempty"`
	LastUpdated    time.Time        `json:"last_updated"`
}

// IsEmpty reports whether the user has any stored memory.
func (m *UserMemory) IsEmpty() bool {
	return m.Summary == "" && len(m.Preferences) == 0 && len(m.Findings) == 0 && len(m.RecentSessions) == 0
}

// Upsert inserts or overwrites a keyed item in a memory list, moving the
// entry to the newest position on overwrite.
func Upsert(items []MemoryItem, key, value string, now time.Time) []MemoryItem {
	for i, it := range items {
		if it.Key == key {
			if it.Value == value {
				// Idempotent: identical save leaves the list untouched.
				return items
			}
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	return append(items, MemoryItem{Key: key, Value: value, SavedAt: now})
}

// Document is one chunk of the knowledge corpus with its embedding vector.
type Document struct {
	ID      int64
	Source  string
	Offset  int
	Content string
	Vector  []float32
}

// Storage defines the interface for persistence.
type Storage interface {
	// Sessions
	CreateSession(session *Session) error
	GetSession(id string) (*Session, error)
	TouchSession(id string) error
	UpdateSessionContext(id string, topics, findings []string) error
	ExpireSessions(before time.Time) (int64, error)

	// Turns
	AppendTurn(turn *Turn) error
	GetTurns(sessionID string) ([]*Turn, error)

	// User memory
	GetUserMemory(userID string) (*UserMemory, error)
	UpdateUserMemory(userID string, merge func(*UserMemory) error) (*UserMemory, error)
	ResetUserMemory(userID string) error

	// Knowledge corpus
	AddDocument(doc *Document) error
	Documents() ([]*Document, error)

	// Configuration
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}
