package handoff

import (
	stderrors "errors"

	"github.com/fleetkit/handoff/pkg/db"
)

var (
	// ErrBusy is returned when a run is already in progress.
	ErrBusy = stderrors.New("a handoff run is already in progress")
	// ErrNotRetryable is returned by Retry when the session is not failed.
	ErrNotRetryable = stderrors.New("session is not in a retryable state")
	// ErrArtifactMissing is recorded when the downloaded artifact disappeared
	// before installation.
	ErrArtifactMissing = stderrors.New("downloaded artifact is missing")
	// ErrDigestMismatch is recorded when the artifact fails verification.
	ErrDigestMismatch = stderrors.New("artifact digest does not match")
)

// reasonFor maps the phase a run stopped in to the failure reason recorded
// when nothing more specific is known.
func reasonFor(p db.Phase) string {
	switch p {
	case db.PhaseIdle, db.PhaseDownloading:
		return db.ReasonDownload
	case db.PhaseVerifying:
		return db.ReasonVerification
	case db.PhaseInstalling, db.PhaseAwaitingInstallSignal:
		return db.ReasonInstall
	}
	return db.ReasonTransfer
}
