package agent

import "sync"

// leaseTable serializes response generation per session. A session admits
// one writer at a time; a second message for the same session is rejected
// until the first response finishes.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]bool)}
}

func (l *leaseTable) Acquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[sessionID] {
		return false
	}
	l.held[sessionID] = true
	return true
}

func (l *leaseTable) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
