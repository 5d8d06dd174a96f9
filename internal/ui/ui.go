// Package ui renders stream events for terminal output.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/insight/internal/stream"
)

var (
	reasoningStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	toolErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	memoryStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	followupStyle  = lipgloss.NewStyle().Faint(true)
)

// Renderer writes a readable transcript of one response stream.
type Renderer struct {
	out io.Writer

	// inContent tracks whether the last write was answer text, so status
	// lines get separated from it.
	inContent bool
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Render prints one event. Heartbeats are invisible.
func (r *Renderer) Render(ev stream.Event) {
	switch ev.Type {
	case stream.EventReasoning:
		r.statusLine(reasoningStyle.Render("· " + ev.Text))
	case stream.EventTool:
		switch ev.Status {
		case stream.StatusStarted:
			r.statusLine(toolStyle.Render(fmt.Sprintf("⚙ %s ...", ev.Tool)))
		case stream.StatusCompleted:
			r.statusLine(toolStyle.Render(fmt.Sprintf("⚙ %s: %s", ev.Tool, ev.Text)))
		case stream.StatusError:
			r.statusLine(toolErrStyle.Render(fmt.Sprintf("⚙ %s failed: %s", ev.Tool, ev.Text)))
		}
	case stream.EventMemory:
		r.statusLine(memoryStyle.Render(fmt.Sprintf("✦ memory %s: %s", ev.Status, ev.Text)))
	case stream.EventContent:
		fmt.Fprint(r.out, ev.Text)
		r.inContent = true
	case stream.EventError:
		r.statusLine(errorStyle.Render("error: " + ev.Text))
	case stream.EventDone:
		if r.inContent {
			fmt.Fprintln(r.out)
		}
		if followups := followupsFrom(ev.Data); len(followups) > 0 {
			fmt.Fprintln(r.out, followupStyle.Render("\nYou could ask next:"))
			for _, f := range followups {
				fmt.Fprintln(r.out, followupStyle.Render("  - "+f))
			}
		}
		r.inContent = false
	}
}

func (r *Renderer) statusLine(line string) {
	if r.inContent {
		fmt.Fprintln(r.out)
		r.inContent = false
	}
	fmt.Fprintln(r.out, line)
}

func followupsFrom(data map[string]any) []string {
	raw, ok := data["followups"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Transcript renders a full event slice to a string, used by the TUI for
// its viewport.
func Transcript(events []stream.Event) string {
	var b strings.Builder
	r := NewRenderer(&b)
	for _, ev := range events {
		r.Render(ev)
	}
	return b.String()
}
