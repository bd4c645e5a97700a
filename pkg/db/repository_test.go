package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	s := &Session{
		ID:             "session-1",
		ArtifactURL:    "https://example.com/agent.apk",
		ExpectedDigest: "abc123",
	}
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, got.Phase)
	assert.Equal(t, s.ArtifactURL, got.ArtifactURL)
	assert.Equal(t, s.ExpectedDigest, got.ExpectedDigest)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_SingleUnfinishedSession(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.Create(ctx, &Session{ID: "first", ArtifactURL: "u"}))
	assert.ErrorIs(t, repo.Create(ctx, &Session{ID: "second", ArtifactURL: "u"}), ErrActiveSession)

	// A failed session still counts as the device's session.
	_, err := repo.Transition(ctx, "first", PhaseDownloading, nil)
	require.NoError(t, err)
	_, err = repo.Fail(ctx, "first", ReasonDownload, "connection refused")
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Create(ctx, &Session{ID: "second", ArtifactURL: "u"}), ErrActiveSession)
}

func TestRepository_TransitionEnforcesOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Create(ctx, &Session{ID: "s", ArtifactURL: "u"}))

	_, err := repo.Transition(ctx, "s", PhaseInstalling, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := repo.Transition(ctx, "s", PhaseDownloading, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseDownloading, s.Phase)

	s, err = repo.Transition(ctx, "s", PhaseVerifying, func(s *Session) {
		s.LocalArtifactPath = "/tmp/agent.apk"
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agent.apk", s.LocalArtifactPath)

	got, err := repo.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, PhaseVerifying, got.Phase)
	assert.Equal(t, "/tmp/agent.apk", got.LocalArtifactPath)
}

func TestRepository_FailAndRetryReentry(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Create(ctx, &Session{ID: "s", ArtifactURL: "u"}))

	for _, p := range []Phase{PhaseDownloading, PhaseVerifying, PhaseInstalling, PhaseAwaitingInstallSignal} {
		_, err := repo.Transition(ctx, "s", p, func(s *Session) {
			s.LocalArtifactPath = "/tmp/agent.apk"
		})
		require.NoError(t, err)
	}

	s, err := repo.Fail(ctx, "s", ReasonInstall, "install failed: INSTALL_FAILED_INVALID_APK")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Equal(t, PhaseAwaitingInstallSignal, s.FailedPhase)
	assert.True(t, s.Retryable())

	_, err = repo.Transition(ctx, "s", PhaseDownloading, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err = repo.Transition(ctx, "s", PhaseInstalling, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseInstalling, s.Phase)
	assert.Empty(t, s.FailedPhase)
	assert.Empty(t, s.LastError)
	assert.False(t, s.Retryable())
}

func TestRepository_InstallRetryWithoutArtifactDownloads(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Create(ctx, &Session{ID: "s", ArtifactURL: "u"}))

	for _, p := range []Phase{PhaseDownloading, PhaseVerifying, PhaseInstalling} {
		_, err := repo.Transition(ctx, "s", p, nil)
		require.NoError(t, err)
	}
	_, err := repo.Fail(ctx, "s", ReasonInstall, "artifact missing")
	require.NoError(t, err)

	_, err = repo.Transition(ctx, "s", PhaseInstalling, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := repo.Transition(ctx, "s", PhaseDownloading, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseDownloading, s.Phase)
}

func TestRepository_HistoryAndFields(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Create(ctx, &Session{ID: "s", ArtifactURL: "u"}))

	require.NoError(t, repo.SetAttempt(ctx, "s", "attempt-1"))
	_, err := repo.Transition(ctx, "s", PhaseGrantingCapabilities, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetConfirmationHandle(ctx, "s", "handle-7"))

	got, err := repo.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "attempt-1", got.AttemptID)
	assert.Equal(t, "handle-7", got.ConfirmationHandle)

	history, err := repo.History(ctx, "s")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, PhaseIdle, history[0].From)
	assert.Equal(t, PhaseGrantingCapabilities, history[0].To)
	assert.Equal(t, "attempt-1", history[0].AttemptID)

	assert.ErrorIs(t, repo.SetAttempt(ctx, "missing", "x"), ErrNotFound)
}

func TestRepository_LatestAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, repo.Create(ctx, &Session{ID: "old", ArtifactURL: "u"}))
	for _, p := range []Phase{PhaseGrantingCapabilities, PhaseAwaitingActivation, PhaseTransferringOwnership, PhaseComplete} {
		_, err := repo.Transition(ctx, "old", p, nil)
		require.NoError(t, err)
	}
	require.NoError(t, repo.Create(ctx, &Session{ID: "new", ArtifactURL: "u"}))

	latest, err = repo.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	sessions, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].ID)

	_, err = repo.Transition(ctx, "old", PhaseFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRepository_InterruptedSessionReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.Create(ctx, &Session{ID: "s", ArtifactURL: "u"}))
	_, err := repo.Transition(ctx, "s", PhaseDownloading, nil)
	require.NoError(t, err)
	_, err = repo.Fail(ctx, "s", ReasonInterrupted, "interrupted during downloading")
	require.NoError(t, err)

	_, err = repo.Transition(ctx, "s", PhaseDownloading, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := repo.Transition(ctx, "s", PhaseIdle, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.FailedPhase)
	assert.Empty(t, s.FailureReason)
	assert.Empty(t, s.LastError)

	_, err = repo.Transition(ctx, "s", PhaseGrantingCapabilities, nil)
	assert.NoError(t, err)
}
