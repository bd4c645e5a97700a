package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name   string
		from   Phase
		to     Phase
		failed Phase
		ok     bool
	}{
		{"idle to downloading", PhaseIdle, PhaseDownloading, "", true},
		{"fast path", PhaseIdle, PhaseGrantingCapabilities, "", true},
		{"skip verification", PhaseDownloading, PhaseInstalling, "", false},
		{"backwards", PhaseInstalling, PhaseDownloading, "", false},
		{"signal to grant", PhaseAwaitingInstallSignal, PhaseGrantingCapabilities, "", true},
		{"transfer to complete", PhaseTransferringOwnership, PhaseComplete, "", true},
		{"idle straight to complete", PhaseIdle, PhaseComplete, "", false},
		{"any phase can fail", PhaseAwaitingActivation, PhaseFailed, "", true},
		{"complete is terminal", PhaseComplete, PhaseFailed, "", false},
		{"failed twice", PhaseFailed, PhaseFailed, PhaseDownloading, false},
		{"retry download", PhaseFailed, PhaseDownloading, PhaseDownloading, true},
		{"retry verification downloads again", PhaseFailed, PhaseDownloading, PhaseVerifying, true},
		{"retry install", PhaseFailed, PhaseInstalling, PhaseAwaitingInstallSignal, true},
		{"retry install not download", PhaseFailed, PhaseDownloading, PhaseInstalling, false},
		{"retry transfer from grant", PhaseFailed, PhaseGrantingCapabilities, PhaseTransferringOwnership, true},
		{"retry transfer not from transfer", PhaseFailed, PhaseTransferringOwnership, PhaseTransferringOwnership, false},
		{"unknown phase", PhaseIdle, Phase("rebooting"), "", false},
		{"retry check goes back to idle", PhaseFailed, PhaseIdle, PhaseIdle, true},
		{"retry check not straight to download", PhaseFailed, PhaseDownloading, PhaseIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanTransition(tt.from, tt.to, tt.failed)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestPhaseOrdering(t *testing.T) {
	assert.True(t, PhaseGrantingCapabilities.After(PhaseInstalling))
	assert.False(t, PhaseDownloading.After(PhaseDownloading))
	assert.False(t, PhaseFailed.After(PhaseIdle))

	next, ok := PhaseVerifying.Next()
	assert.True(t, ok)
	assert.Equal(t, PhaseInstalling, next)

	_, ok = PhaseComplete.Next()
	assert.False(t, ok)

	assert.True(t, PhaseFailed.Terminal())
	assert.True(t, PhaseComplete.Terminal())
	assert.False(t, PhaseAwaitingActivation.Terminal())
}

func TestStatusLine(t *testing.T) {
	s := &Session{Phase: PhaseAwaitingInstallSignal}
	assert.Equal(t, "Waiting for installation to finish", s.StatusLine())

	s.ConfirmationHandle = "h"
	assert.Equal(t, "Waiting for installation to be confirmed", s.StatusLine())

	s = &Session{Phase: PhaseFailed, FailureReason: ReasonTransfer}
	assert.Contains(t, s.StatusLine(), "Ownership transfer failed")
	assert.True(t, s.Retryable())
}

func TestRetryTarget(t *testing.T) {
	s := &Session{Phase: PhaseFailed, FailedPhase: PhaseAwaitingInstallSignal, LocalArtifactPath: "/data/agent.apk"}
	target, ok := s.RetryTarget()
	assert.True(t, ok)
	assert.Equal(t, PhaseInstalling, target)
	assert.ErrorIs(t, s.CanTransitionTo(PhaseDownloading), ErrInvalidTransition)

	s.LocalArtifactPath = ""
	target, _ = s.RetryTarget()
	assert.Equal(t, PhaseDownloading, target)
	assert.NoError(t, s.CanTransitionTo(PhaseDownloading))

	s = &Session{Phase: PhaseInstalling}
	_, ok = s.RetryTarget()
	assert.False(t, ok)
	assert.NoError(t, s.CanTransitionTo(PhaseFailed))
}

func TestRetryTarget_InterruptedStartsOver(t *testing.T) {
	s := &Session{
		Phase:             PhaseFailed,
		FailedPhase:       PhaseAwaitingInstallSignal,
		FailureReason:     ReasonInterrupted,
		LocalArtifactPath: "/data/agent.apk",
	}
	target, ok := s.RetryTarget()
	assert.True(t, ok)
	assert.Equal(t, PhaseIdle, target)
	assert.NoError(t, s.CanTransitionTo(PhaseIdle))
	assert.ErrorIs(t, s.CanTransitionTo(PhaseInstalling), ErrInvalidTransition)
}
