// Package tui provides an interactive terminal chat over the agent.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/insight/internal/stream"
	"github.com/felixgeelhaar/insight/internal/ui"
)

// SendFunc starts one response generation and returns its event stream.
type SendFunc func(message string) (<-chan stream.Event, error)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(0, 1)
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	statusStyle = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

type eventMsg stream.Event

type streamDoneMsg struct{}

type sendErrMsg struct{ err error }

// Model is the bubbletea chat model.
type Model struct {
	viewport   viewport.Model
	input      textarea.Model
	send       SendFunc
	events     <-chan stream.Event
	transcript strings.Builder
	renderer   *ui.Renderer
	busy       bool
	lastErr    string
	ready      bool
}

// New returns a chat model that sends messages through send.
func New(send SendFunc) *Model {
	input := textarea.New()
	input.Placeholder = "Ask about your data..."
	input.SetHeight(2)
	input.Focus()
	input.ShowLineNumbers = false

	m := &Model{
		input: input,
		send:  send,
	}
	m.renderer = ui.NewRenderer(&m.transcript)
	return m
}

func (m *Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m *Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamDoneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		inputHeight := m.input.Height() + 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-inputHeight-2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - inputHeight - 2
		}
		m.input.SetWidth(msg.Width - 2)
		m.viewport.SetContent(m.transcript.String())
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			return m, m.submit(text)
		}

	case eventMsg:
		m.renderer.Render(stream.Event(msg))
		m.viewport.SetContent(m.transcript.String())
		m.viewport.GotoBottom()
		return m, m.waitForEvent()

	case streamDoneMsg:
		m.busy = false
		m.events = nil
		return m, nil

	case sendErrMsg:
		m.busy = false
		m.lastErr = msg.err.Error()
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) submit(text string) tea.Cmd {
	m.transcript.WriteString("\n" + userStyle.Render("you> ") + text + "\n")
	m.viewport.SetContent(m.transcript.String())
	m.viewport.GotoBottom()
	m.input.Reset()
	m.lastErr = ""

	events, err := m.send(text)
	if err != nil {
		return func() tea.Msg { return sendErrMsg{err: err} }
	}
	m.events = events
	m.busy = true
	return m.waitForEvent()
}

func (m *Model) View() string {
	if !m.ready {
		return "starting..."
	}
	status := statusStyle.Render("enter to send, esc to quit")
	if m.busy {
		status = statusStyle.Render("thinking...")
	}
	if m.lastErr != "" {
		status = errStyle.Render(m.lastErr)
	}
	return titleStyle.Render("insight") + "\n" +
		m.viewport.View() + "\n" +
		m.input.View() + "\n" +
		status
}

// Run starts the interactive chat.
func Run(send SendFunc) error {
	_, err := tea.NewProgram(New(send), tea.WithAltScreen()).Run()
	return err
}
