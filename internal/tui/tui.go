// Package tui implements the Bubble Tea terminal UI for cmdgate.
// It shows sessions awaiting approval and refreshes on demand.
package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	phaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	cursorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type sessionsMsg struct {
	sessions []*db.Session
	err      error
}

// Model represents the pending-approval view.
type Model struct {
	store    *db.DB
	sessions []*db.Session
	cursor   int
	ready    bool
	err      error
	width    int
	height   int
}

// New creates a new TUI model over the given store.
func New(store *db.DB) Model {
	return Model{store: store}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.loadSessions
}

func (m Model) loadSessions() tea.Msg {
	sessions, err := m.store.ListSessionsInPhase(string(workflow.PhasePendingApproval))
	return sessionsMsg{sessions: sessions, err: err}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
	case sessionsMsg:
		m.sessions = msg.sessions
		m.err = msg.err
		if m.cursor >= len(m.sessions) {
			m.cursor = 0
		}
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadSessions
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.sessions)-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	s := titleStyle.Render("cmdgate - sessions pending approval") + "\n\n"

	if m.err != nil {
		s += errTextStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
	}

	if len(m.sessions) == 0 {
		s += dimStyle.Render("nothing pending") + "\n"
	}
	for i, sess := range m.sessions {
		cursor := "  "
		if i == m.cursor {
			cursor = cursorStyle.Render("> ")
		}
		s += fmt.Sprintf("%s%s  %s  %s\n",
			cursor,
			sess.ID,
			phaseStyle.Render(sess.Phase),
			dimStyle.Render(sess.LastActiveAt.Format(time.RFC3339)))
	}

	s += "\n" + dimStyle.Render("r refresh - q quit")
	return s
}

// Run starts the TUI.
func Run(store *db.DB) error {
	p := tea.NewProgram(New(store), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
