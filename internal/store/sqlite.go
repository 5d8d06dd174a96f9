package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an optimistic update loses too many races.
var ErrConflict = errors.New("store: concurrent update conflict")

// casRetries bounds the optimistic-update loop. Each losing round means
// another writer committed, so the budget must exceed any plausible number
// of simultaneous writers for one user.
const casRetries = 16

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	injected_memory TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	trace TEXT NOT NULL DEFAULT '[]',
	usage TEXT
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);

CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	memory TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	last_updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	chunk_offset INTEGER NOT NULL,
	content TEXT NOT NULL,
	vector BLOB,
	UNIQUE(source, chunk_offset)
);

CREATE TABLE IF NOT EXISTS configuration (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// SQLiteStorage implements Storage backed by a local SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps writes serialized and avoids SQLITE_BUSY
	// under concurrent session traffic.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sessionContext struct {
	Topics   []string `json:"topics,omitempty"`
	Findings []string `json:"findings,omitempty"`
}

func (s *SQLiteStorage) CreateSession(session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = session.CreatedAt
	}
	sctx, err := json.Marshal(sessionContext{Topics: session.Topics, Findings: session.Findings})
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, user_id, created_at, last_activity, injected_memory, context)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.CreatedAt, session.LastActivity, session.InjectedMemory, string(sctx),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, created_at, last_activity, injected_memory, context
		 FROM sessions WHERE id = ?`, id)
	var sess Session
	var rawCtx string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.LastActivity, &sess.InjectedMemory, &rawCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sctx sessionContext
	if err := json.Unmarshal([]byte(rawCtx), &sctx); err != nil {
		return nil, fmt.Errorf("unmarshal session context: %w", err)
	}
	sess.Topics = sctx.Topics
	sess.Findings = sctx.Findings
	return &sess, nil
}

func (s *SQLiteStorage) TouchSession(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) UpdateSessionContext(id string, topics, findings []string) error {
	sctx, err := json.Marshal(sessionContext{Topics: topics, Findings: findings})
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	res, err := s.db.Exec(`UPDATE sessions SET context = ? WHERE id = ?`, string(sctx), id)
	if err != nil {
		return fmt.Errorf("update session context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) ExpireSessions(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStorage) AppendTurn(turn *Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	trace, err := json.Marshal(turn.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	var usage sql.NullString
	if turn.Usage != nil {
		raw, err := json.Marshal(turn.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		usage = sql.NullString{String: string(raw), Valid: true}
	}
	res, err := s.db.Exec(
		`INSERT INTO turns (session_id, role, content, created_at, trace, usage)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Role, turn.Content, turn.CreatedAt, string(trace), usage,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	turn.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStorage) GetTurns(sessionID string) ([]*Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at, trace, usage
		 FROM turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var trace string
		var usage sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt, &trace, &usage); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(trace), &t.Trace); err != nil {
			return nil, fmt.Errorf("unmarshal trace: %w", err)
		}
		if usage.Valid {
			var u TurnUsage
			if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
				return nil, fmt.Errorf("unmarshal usage: %w", err)
			}
			t.Usage = &u
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStorage) GetUserMemory(userID string) (*UserMemory, error) {
	mem, _, err := s.readMemory(userID)
	return mem, err
}

func (s *SQLiteStorage) readMemory(userID string) (*UserMemory, int64, error) {
	row := s.db.QueryRow(`SELECT memory, version FROM users WHERE user_id = ?`, userID)
	var raw string
	var version int64
	err := row.Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserMemory{UserID: userID}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get user memory: %w", err)
	}
	var mem UserMemory
	if err := json.Unmarshal([]byte(raw), &mem); err != nil {
		return nil, 0, fmt.Errorf("unmarshal user memory: %w", err)
	}
	mem.UserID = userID
	return &mem, version, nil
}

// UpdateUserMemory applies merge to the current memory document under
// optimistic concurrency control. On a version conflict the read-merge-write
// cycle is retried, so concurrent updates for the same user never lose data.
func (s *SQLiteStorage) UpdateUserMemory(userID string, merge func(*UserMemory) error) (*UserMemory, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		mem, version, err := s.readMemory(userID)
		if err != nil {
			return nil, err
		}
		if err := merge(mem); err != nil {
			return nil, err
		}
		mem.UserID = userID
		mem.LastUpdated = time.Now().UTC()
		raw, err := json.Marshal(mem)
		if err != nil {
			return nil, fmt.Errorf("marshal user memory: %w", err)
		}

		if version == 0 {
			_, err = s.db.Exec(
				`INSERT INTO users (user_id, memory, version, last_updated) VALUES (?, ?, 1, ?)
				 ON CONFLICT(user_id) DO NOTHING`,
				userID, string(raw), mem.LastUpdated,
			)
			if err != nil {
				return nil, fmt.Errorf("insert user memory: %w", err)
			}
			// Re-read to confirm this insert won; a concurrent writer may
			// have created the row first.
			if _, v, err := s.readMemory(userID); err != nil {
				return nil, err
			} else if v == 1 {
				return mem, nil
			}
			continue
		}

		res, err := s.db.Exec(
			`UPDATE users SET memory = ?, version = version + 1, last_updated = ?
			 WHERE user_id = ? AND version = ?`,
			string(raw), mem.LastUpdated, userID, version,
		)
		if err != nil {
			return nil, fmt.Errorf("update user memory: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return mem, nil
		}
	}
	return nil, ErrConflict
}

func (s *SQLiteStorage) ResetUserMemory(userID string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("reset user memory: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AddDocument(doc *Document) error {
	res, err := s.db.Exec(
		`INSERT INTO documents (source, chunk_offset, content, vector) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, chunk_offset) DO UPDATE SET content = excluded.content, vector = excluded.vector`,
		doc.Source, doc.Offset, doc.Content, encodeVector(doc.Vector),
	)
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		doc.ID = id
	}
	return nil
}

func (s *SQLiteStorage) Documents() ([]*Document, error) {
	rows, err := s.db.Query(`SELECT id, source, chunk_offset, content, vector FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var d Document
		var blob []byte
		if err := rows.Scan(&d.ID, &d.Source, &d.Offset, &d.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Vector = decodeVector(blob)
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStorage) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO configuration (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetConfig(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
