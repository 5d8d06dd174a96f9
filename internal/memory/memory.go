// Package memory maintains durable cross-session user memory: preferences,
// analytical findings, and compacted summaries of past sessions. The
// injectable summary is bounded so it never crowds out the live conversation.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/insight/internal/store"
)

// Manager reads and updates user memory documents.
type Manager struct {
	storage        store.Storage
	budgetChars    int
	maxFindings    int
	maxPreferences int
	recentCap      int
}

// NewManager returns a Manager with the given bounds. budgetChars caps the
// rendered summary; the other limits cap how many entries are retained.
func NewManager(storage store.Storage, budgetChars, maxFindings, maxPreferences, recentCap int) *Manager {
	return &Manager{
		storage:        storage,
		budgetChars:    budgetChars,
		maxFindings:    maxFindings,
		maxPreferences: maxPreferences,
		recentCap:      recentCap,
	}
}

// HasMemory reports whether the user has any stored memory.
func (m *Manager) HasMemory(userID string) (bool, error) {
	mem, err := m.storage.GetUserMemory(userID)
	if err != nil {
		return false, err
	}
	return !mem.IsEmpty(), nil
}

// Get returns the full memory document.
func (m *Manager) Get(userID string) (*store.UserMemory, error) {
	return m.storage.GetUserMemory(userID)
}

// Reset deletes all stored memory for the user.
func (m *Manager) Reset(userID string) error {
	return m.storage.ResetUserMemory(userID)
}

// SaveFinding records an analytical finding under a key, overwriting any
// previous value for that key. When the retention cap is exceeded the oldest
// finding is dropped.
func (m *Manager) SaveFinding(userID, key, value string) error {
	_, err := m.storage.UpdateUserMemory(userID, func(mem *store.UserMemory) error {
		mem.Findings = capOldest(store.Upsert(mem.Findings, key, value, time.Now().UTC()), m.maxFindings)
		return nil
	})
	return err
}

// SavePreference records a user preference under a key, same retention rules
// as findings.
func (m *Manager) SavePreference(userID, key, value string) error {
	_, err := m.storage.UpdateUserMemory(userID, func(mem *store.UserMemory) error {
		mem.Preferences = capOldest(store.Upsert(mem.Preferences, key, value, time.Now().UTC()), m.maxPreferences)
		return nil
	})
	return err
}

// CompactSession folds a finished session into the user's memory: the
// session's topics and findings become one recent-session record, and the
// rolling summary is refreshed. The oldest record is dropped past the cap.
func (m *Manager) CompactSession(sess *store.Session) error {
	if len(sess.Topics) == 0 && len(sess.Findings) == 0 {
		return nil
	}
	_, err := m.storage.UpdateUserMemory(sess.UserID, func(mem *store.UserMemory) error {
		summary := store.SessionSummary{
			SessionID: sess.ID,
			Date:      time.Now().UTC(),
			Topics:    sess.Topics,
			Findings:  sess.Findings,
		}
		// Re-compacting the same session replaces its record.
		for i, rs := range mem.RecentSessions {
			if rs.SessionID == sess.ID {
				mem.RecentSessions = append(mem.RecentSessions[:i], mem.RecentSessions[i+1:]...)
				break
			}
		}
		mem.RecentSessions = append(mem.RecentSessions, summary)
		if len(mem.RecentSessions) > m.recentCap {
			mem.RecentSessions = mem.RecentSessions[len(mem.RecentSessions)-m.recentCap:]
		}
		if len(sess.Topics) > 0 {
			mem.Summary = "Recently explored: " + strings.Join(sess.Topics, ", ")
		}
		return nil
	})
	return err
}

// LoadSummary renders the user's memory as an injectable text block. The
// result is deterministic for a given document and never exceeds the
// character budget: oldest findings are dropped first, then oldest
// preferences, and as a last resort the text is cut at the budget.
func (m *Manager) LoadSummary(userID string) (string, error) {
	mem, err := m.storage.GetUserMemory(userID)
	if err != nil {
		return "", err
	}
	if mem.IsEmpty() {
		return "", nil
	}

	findings := tail(mem.Findings, m.maxFindings)
	preferences := tail(mem.Preferences, m.maxPreferences)

	for {
		rendered := render(mem.Summary, preferences, findings, lastSession(mem.RecentSessions))
		if len(rendered) <= m.budgetChars {
			return rendered, nil
		}
		if len(findings) > 0 {
			findings = findings[1:]
			continue
		}
		if len(preferences) > 0 {
			preferences = preferences[1:]
			continue
		}
		return rendered[:m.budgetChars], nil
	}
}

func render(summary string, preferences, findings []store.MemoryItem, last *store.SessionSummary) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n")
	}
	if len(preferences) > 0 {
		b.WriteString("\nPreferences:\n")
		for _, p := range preferences {
			fmt.Fprintf(&b, "- %s: %s\n", p.Key, p.Value)
		}
	}
	if len(findings) > 0 {
		b.WriteString("\nKey findings:\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}
	if last != nil {
		fmt.Fprintf(&b, "\nLast session (%s):", last.Date.Format("2006-01-02"))
		if len(last.Topics) > 0 {
			fmt.Fprintf(&b, " discussed %s.", strings.Join(last.Topics, ", "))
		}
		for _, f := range last.Findings {
			fmt.Fprintf(&b, " %s.", f)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func lastSession(sessions []store.SessionSummary) *store.SessionSummary {
	if len(sessions) == 0 {
		return nil
	}
	return &sessions[len(sessions)-1]
}

func capOldest(items []store.MemoryItem, max int) []store.MemoryItem {
	if max > 0 && len(items) > max {
		return items[len(items)-max:]
	}
	return items
}

func tail(items []store.MemoryItem, n int) []store.MemoryItem {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
