// Package tui renders the handoff session as a single-screen terminal view.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/handoff"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

const (
	barMaxWidth  = 60
	barMinWidth  = 20
	paddingWidth = 4
)

// SessionMsg carries a session change into the view.
type SessionMsg struct {
	Session db.Session
}

// ProgressMsg carries download progress into the view.
type ProgressMsg struct {
	Progress artifact.Progress
}

type retryDoneMsg struct {
	session *db.Session
	err     error
}

// RetryFunc re-enters the failed phase of the session.
type RetryFunc func(ctx context.Context) (*db.Session, error)

// Model is the bubbletea model of the status view.
type Model struct {
	session    db.Session
	hasSession bool
	download   artifact.Progress
	bar        progress.Model
	spinner    spinner.Model
	retry      RetryFunc
	retrying   bool
	err        error
}

// New creates the status view. retry may be nil to hide the retry action.
func New(retry RetryFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(barMaxWidth)),
		spinner: sp,
		retry:   retry,
	}
}

// Observer forwards orchestrator notifications to a running program.
func Observer(p *tea.Program) handoff.Observer {
	return handoff.ObserverFuncs{
		Phase:    func(s *db.Session) { p.Send(SessionMsg{Session: *s}) },
		Progress: func(pr artifact.Progress) { p.Send(ProgressMsg{Progress: pr}) },
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if !m.canRetry() {
				return m, nil
			}
			m.retrying = true
			m.err = nil
			retry := m.retry
			return m, func() tea.Msg {
				s, err := retry(context.Background())
				return retryDoneMsg{session: s, err: err}
			}
		}

	case tea.WindowSizeMsg:
		w := msg.Width - paddingWidth
		if w > barMaxWidth {
			w = barMaxWidth
		}
		if w < barMinWidth {
			w = barMinWidth
		}
		m.bar.Width = w

	case SessionMsg:
		if msg.Session.Phase != db.PhaseDownloading {
			m.download = artifact.Progress{}
		}
		m.session = msg.Session
		m.hasSession = true

	case ProgressMsg:
		m.download = msg.Progress

	case retryDoneMsg:
		m.retrying = false
		m.err = msg.err
		if msg.session != nil {
			m.session = *msg.session
			m.hasSession = true
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) canRetry() bool {
	return m.retry != nil && !m.retrying && m.hasSession && m.session.Retryable()
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Device management handoff"))
	b.WriteString("\n\n")

	if !m.hasSession {
		b.WriteString(m.spinner.View() + " " + statusStyle.Render("Starting"))
		b.WriteString("\n\n" + hintStyle.Render("q quit") + "\n")
		return b.String()
	}

	line := m.session.StatusLine()
	switch {
	case m.retrying:
		b.WriteString(m.spinner.View() + " " + statusStyle.Render("Retrying"))
	case m.session.Phase == db.PhaseComplete:
		b.WriteString(doneStyle.Render(line))
	case m.session.Phase == db.PhaseFailed:
		b.WriteString(failedStyle.Render(line))
	default:
		b.WriteString(m.spinner.View() + " " + statusStyle.Render(line))
	}
	b.WriteString("\n")

	if m.session.Phase == db.PhaseDownloading && !m.retrying {
		b.WriteString("\n")
		if pct, ok := m.download.Percent(); ok {
			b.WriteString(m.bar.ViewAs(float64(pct) / 100))
			b.WriteString("\n" + detailStyle.Render(m.download.String()))
		} else {
			b.WriteString(detailStyle.Render(humanize.Bytes(uint64(m.download.BytesReceived)) + " received"))
		}
		b.WriteString("\n")
	}

	if m.session.Phase == db.PhaseAwaitingInstallSignal && m.session.ConfirmationHandle != "" {
		b.WriteString("\n" + noticeStyle.Render("Confirm the installation on screen to continue.") + "\n")
	}

	if m.session.Phase == db.PhaseFailed && !m.retrying && m.session.LastError != "" {
		b.WriteString("\n" + detailStyle.Render(m.session.LastError) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + failedStyle.Render(fmt.Sprintf("Retry failed: %v", m.err)) + "\n")
	}

	hints := []string{"q quit"}
	if m.canRetry() {
		hints = append([]string{"r retry"}, hints...)
	}
	b.WriteString("\n" + hintStyle.Render(strings.Join(hints, " • ")) + "\n")
	return b.String()
}
