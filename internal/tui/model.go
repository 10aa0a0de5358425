// Package tui renders one config's terminal output and run status in a
// full-screen view fed by the event bus.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pkt.systems/kmdash/internal/eventbus"
	"pkt.systems/kmdash/schema"
)

// Source supplies the reconstructed output and run state of a config.
type Source interface {
	Render(id schema.ConfigID, width int) []string
	State(id schema.ConfigID) schema.RunState
}

// Options configures a Model.
type Options struct {
	// Stop is invoked by the stop key; nil disables it.
	Stop func() (string, error)
	// Conn is the connection state when the view opens.
	Conn schema.ConnState
}

type keyMap struct {
	Quit   key.Binding
	Stop   key.Binding
	Bottom key.Binding
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Stop:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop")),
	Bottom: key.NewBinding(key.WithKeys("G", "end"), key.WithHelp("G", "follow")),
}

type busEventMsg struct {
	event eventbus.Event
}

type stopResultMsg struct {
	message string
	err     error
}

// Model is the bubbletea model of the terminal view.
type Model struct {
	source Source
	id     schema.ConfigID
	events <-chan eventbus.Event
	stop   func() (string, error)

	viewport viewport.Model
	width    int
	height   int
	ready    bool
	follow   bool

	conn    schema.ConnState
	status  string
	deleted bool
}

// New constructs a view of id. events should be a bus subscription for id.
func New(source Source, id schema.ConfigID, events <-chan eventbus.Event, opts Options) Model {
	return Model{
		source: source,
		id:     id,
		events: events,
		stop:   opts.Stop,
		conn:   opts.Conn,
		follow: true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return listen(m.events)
}

func listen(events <-chan eventbus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return nil
		}
		return busEventMsg{event: event}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Stop):
			if m.stop == nil {
				return m, nil
			}
			stop := m.stop
			return m, func() tea.Msg {
				message, err := stop()
				return stopResultMsg{message: message, err: err}
			}
		case key.Matches(msg, keys.Bottom):
			m.follow = true
			m.viewport.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, bodyHeight(msg.Height))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = bodyHeight(msg.Height)
		}
		m.refresh()
		return m, nil

	case busEventMsg:
		switch msg.event.Type {
		case eventbus.EventConn:
			m.conn = msg.event.Conn
		case eventbus.EventRun:
			m.status = msg.event.Run.Message
		case eventbus.EventDeleted:
			m.deleted = true
		}
		m.refresh()
		return m, listen(m.events)

	case stopResultMsg:
		if msg.err != nil {
			m.status = "stop failed: " + msg.err.Error()
		} else {
			m.status = msg.message
		}
		m.refresh()
		return m, nil
	}
	return m, nil
}

func bodyHeight(height int) int {
	if height <= headerLines {
		return 1
	}
	return height - headerLines
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	lines := m.source.Render(m.id, m.width)
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "loading…"
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.header(), m.viewport.View())
}

const headerLines = 1

func (m Model) header() string {
	state := m.source.State(m.id)
	parts := []string{
		titleStyle.Render(fmt.Sprintf("config %s", m.id)),
		Badge(state),
		ConnBadge(m.conn),
	}
	if m.deleted {
		parts = append(parts, errorText.Render("deleted"))
	}
	if m.status != "" {
		parts = append(parts, faintText.Render(m.status))
	}
	line := strings.Join(parts, " ")
	return lipgloss.NewStyle().MaxWidth(m.width).Render(line)
}
