// Package stream defines the incremental event protocol emitted while an
// assistant response is produced. Every event carries a strictly increasing
// sequence number, and each stream terminates with exactly one done or error
// event.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventReasoning EventType = "reasoning"
	EventTool      EventType = "tool"
	EventContent   EventType = "content"
	EventMemory    EventType = "memory"
	EventHeartbeat EventType = "heartbeat"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Event is one frame of a response stream. Correlated events (tool
// invocations, reasoning phases) share a CorrelationID across their started
// and terminal frames.
type Event struct {
	Seq           int64          `json:"seq"`
	Type          EventType      `json:"type"`
	Status        string         `json:"status,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Text          string         `json:"text,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"ts"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Emitter produces one response stream. All methods are safe for concurrent
// use; events emitted after the terminal frame are dropped.
type Emitter struct {
	mu      sync.Mutex
	seq     int64
	ch      chan Event
	closed  bool
	stop    chan struct{}
	gone    chan struct{}
	abandon sync.Once
}

// NewEmitter returns an Emitter with the given channel buffer. A positive
// heartbeat interval starts a ticker that keeps the stream alive between
// frames.
func NewEmitter(buffer int, heartbeat time.Duration) *Emitter {
	e := &Emitter{
		ch:   make(chan Event, buffer),
		stop: make(chan struct{}),
		gone: make(chan struct{}),
	}
	if heartbeat > 0 {
		go e.heartbeatLoop(heartbeat)
	}
	return e
}

// Events returns the stream's receive side. The channel is closed after the
// terminal event.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

func (e *Emitter) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.emit(Event{Type: EventHeartbeat})
		case <-e.stop:
			return
		}
	}
}

func (e *Emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	ev.Seq = e.seq
	ev.Timestamp = time.Now().UTC()
	select {
	case e.ch <- ev:
	case <-e.gone:
	}
	if ev.Terminal() {
		e.closed = true
		close(e.stop)
		close(e.ch)
	}
}

// Reasoning emits a high-level progress note.
func (e *Emitter) Reasoning(text string) {
	e.emit(Event{Type: EventReasoning, Text: text})
}

// ToolStarted announces a tool invocation and returns the correlation id its
// terminal frame must carry.
func (e *Emitter) ToolStarted(tool, input string) string {
	id := uuid.NewString()
	e.emit(Event{Type: EventTool, Status: StatusStarted, CorrelationID: id, Tool: tool, Text: input})
	return id
}

// ToolCompleted closes a tool invocation successfully.
func (e *Emitter) ToolCompleted(correlationID, tool, summary string) {
	e.emit(Event{Type: EventTool, Status: StatusCompleted, CorrelationID: correlationID, Tool: tool, Text: summary})
}

// ToolFailed closes a tool invocation with a failure. The stream itself
// continues.
func (e *Emitter) ToolFailed(correlationID, tool, message string) {
	e.emit(Event{Type: EventTool, Status: StatusError, CorrelationID: correlationID, Tool: tool, Text: message})
}

// Content emits a chunk of the final answer text.
func (e *Emitter) Content(delta string) {
	e.emit(Event{Type: EventContent, Text: delta})
}

// Memory announces a memory operation (save, load, compact).
func (e *Emitter) Memory(operation, detail string) {
	e.emit(Event{Type: EventMemory, Status: operation, Text: detail})
}

// Done terminates the stream successfully. Data carries response metadata
// such as followup suggestions and usage.
func (e *Emitter) Done(data map[string]any) {
	e.emit(Event{Type: EventDone, Data: data})
}

// Error terminates the stream with a failure.
func (e *Emitter) Error(message string) {
	e.emit(Event{Type: EventError, Text: message})
}

// Abandon marks the consumer as gone. Pending and future events are
// discarded instead of queued, so producers never block on a stream nobody
// reads. Abandon must not take the mutex: a producer may be blocked inside
// emit while holding it.
func (e *Emitter) Abandon() {
	e.abandon.Do(func() { close(e.gone) })
}

// Closed reports whether the terminal event has been emitted.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
