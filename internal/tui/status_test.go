package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/db"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func keyR() tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}}
}

func TestView_ProgressBarWhenTotalKnown(t *testing.T) {
	m := New(nil)
	m, _ = update(t, m, SessionMsg{Session: db.Session{Phase: db.PhaseDownloading}})
	m, _ = update(t, m, ProgressMsg{Progress: artifact.Progress{BytesReceived: 512, TotalBytes: 1024}})

	view := m.View()
	assert.Contains(t, view, "Downloading management agent")
	assert.Contains(t, view, "50%")
	assert.NotContains(t, view, "r retry")
}

func TestView_IndeterminateDownload(t *testing.T) {
	m := New(nil)
	m, _ = update(t, m, SessionMsg{Session: db.Session{Phase: db.PhaseDownloading}})
	m, _ = update(t, m, ProgressMsg{Progress: artifact.Progress{BytesReceived: 2048, TotalBytes: -1}})

	view := m.View()
	assert.Contains(t, view, "received")
	assert.NotContains(t, view, "%")
}

func TestView_ConfirmationNotice(t *testing.T) {
	m := New(nil)
	m, _ = update(t, m, SessionMsg{Session: db.Session{Phase: db.PhaseAwaitingInstallSignal, ConfirmationHandle: "confirm-1"}})
	assert.Contains(t, m.View(), "Confirm the installation")

	m, _ = update(t, m, SessionMsg{Session: db.Session{Phase: db.PhaseGrantingCapabilities}})
	assert.NotContains(t, m.View(), "Confirm the installation")
}

func TestRetryHintOnlyWhenFailed(t *testing.T) {
	retried := 0
	retry := func(ctx context.Context) (*db.Session, error) {
		retried++
		return &db.Session{Phase: db.PhaseComplete}, nil
	}
	m := New(retry)

	m, cmd := update(t, m, keyR())
	assert.Nil(t, cmd)

	m, _ = update(t, m, SessionMsg{Session: db.Session{
		Phase:         db.PhaseFailed,
		FailureReason: db.ReasonDownload,
		LastError:     "connection refused",
	}})
	view := m.View()
	assert.Contains(t, view, "r retry")
	assert.Contains(t, view, "Download failed")
	assert.Contains(t, view, "connection refused")

	m, cmd = update(t, m, keyR())
	require.NotNil(t, cmd)
	assert.NotContains(t, m.View(), "r retry")

	m, _ = update(t, m, cmd())
	assert.Equal(t, 1, retried)
	assert.Contains(t, m.View(), "Setup complete")
	assert.NotContains(t, m.View(), "r retry")
}

func TestRetryError(t *testing.T) {
	m := New(func(ctx context.Context) (*db.Session, error) {
		return nil, errors.New("session is busy")
	})
	m, _ = update(t, m, SessionMsg{Session: db.Session{Phase: db.PhaseFailed}})

	m, cmd := update(t, m, keyR())
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())

	view := m.View()
	assert.Contains(t, view, "Retry failed: session is busy")
	assert.Contains(t, view, "r retry")
}

func TestQuit(t *testing.T) {
	_, cmd := update(t, New(nil), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
