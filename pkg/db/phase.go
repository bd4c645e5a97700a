package db

import "fmt"

// Phase is a step of the handoff flow.
type Phase string

// Phases in flow order. Failed sits outside the order.
const (
	PhaseIdle                  Phase = "idle"
	PhaseDownloading           Phase = "downloading"
	PhaseVerifying             Phase = "verifying"
	PhaseInstalling            Phase = "installing"
	PhaseAwaitingInstallSignal Phase = "awaiting_install_signal"
	PhaseGrantingCapabilities  Phase = "granting_capabilities"
	PhaseAwaitingActivation    Phase = "awaiting_activation"
	PhaseTransferringOwnership Phase = "transferring_ownership"
	PhaseComplete              Phase = "complete"
	PhaseFailed                Phase = "failed"
)

var phaseOrder = []Phase{
	PhaseIdle,
	PhaseDownloading,
	PhaseVerifying,
	PhaseInstalling,
	PhaseAwaitingInstallSignal,
	PhaseGrantingCapabilities,
	PhaseAwaitingActivation,
	PhaseTransferringOwnership,
	PhaseComplete,
}

// Index returns the position of p in the flow order, or -1 for Failed and
// unknown phases.
func (p Phase) Index() int {
	for i, o := range phaseOrder {
		if o == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseFailed || p.Index() >= 0
}

// Terminal reports whether no further work happens without an explicit retry.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Next returns the phase following p in the flow order.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}

// After reports whether p comes strictly later in the flow than other.
func (p Phase) After(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi > oi
}

// RetryPhase returns the phase a failed session re-enters on retry.
// Failures before download go back to idle so the install check runs again.
// Verification failures discard the artifact and download again; install
// failures reinstall the already downloaded artifact; grant, activation and
// transfer failures restart from capability elevation.
func RetryPhase(failed Phase) (Phase, bool) {
	switch failed {
	case PhaseIdle:
		return PhaseIdle, true
	case PhaseDownloading, PhaseVerifying:
		return PhaseDownloading, true
	case PhaseInstalling, PhaseAwaitingInstallSignal:
		return PhaseInstalling, true
	case PhaseGrantingCapabilities, PhaseAwaitingActivation, PhaseTransferringOwnership:
		return PhaseGrantingCapabilities, true
	}
	return "", false
}

// CanTransition reports whether a session may move from one phase to another.
func CanTransition(from, to Phase, failedPhase Phase) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown phase %q -> %q", ErrInvalidTransition, from, to)
	}

	switch {
	case from == PhaseComplete:
		return fmt.Errorf("%w: session already complete", ErrInvalidTransition)
	case to == PhaseFailed:
		if from == PhaseFailed {
			return fmt.Errorf("%w: session already failed", ErrInvalidTransition)
		}
		return nil
	case from == PhaseFailed:
		if retry, ok := RetryPhase(failedPhase); ok && retry == to {
			return nil
		}
		return fmt.Errorf("%w: failed at %q cannot re-enter %q", ErrInvalidTransition, failedPhase, to)
	case from == PhaseIdle && to == PhaseGrantingCapabilities:
		return nil
	}

	if next, ok := from.Next(); ok && next == to {
		return nil
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}

// RetryTarget returns the phase a failed session re-enters on retry. An
// interrupted session starts over from idle. An install retry downloads
// again once the local artifact is gone.
func (s *Session) RetryTarget() (Phase, bool) {
	if s.Phase != PhaseFailed {
		return "", false
	}
	if s.FailureReason == ReasonInterrupted {
		return PhaseIdle, true
	}
	p, ok := RetryPhase(s.FailedPhase)
	if ok && p == PhaseInstalling && s.LocalArtifactPath == "" {
		return PhaseDownloading, true
	}
	return p, ok
}

// CanTransitionTo reports whether the session may move to phase to.
func (s *Session) CanTransitionTo(to Phase) error {
	if s.Phase != PhaseFailed || to == PhaseFailed || !to.Valid() {
		return CanTransition(s.Phase, to, s.FailedPhase)
	}
	if target, ok := s.RetryTarget(); ok && target == to {
		return nil
	}
	return fmt.Errorf("%w: failed at %q cannot re-enter %q", ErrInvalidTransition, s.FailedPhase, to)
}

// Retryable reports whether the retry action applies to the session.
func (s *Session) Retryable() bool {
	return s.Phase == PhaseFailed
}

// StatusLine renders the single user-facing line for the session.
func (s *Session) StatusLine() string {
	switch s.Phase {
	case PhaseIdle:
		return "Preparing device management handoff"
	case PhaseDownloading:
		return "Downloading management agent"
	case PhaseVerifying:
		return "Verifying package"
	case PhaseInstalling:
		return "Installing management agent"
	case PhaseAwaitingInstallSignal:
		if s.ConfirmationHandle != "" {
			return "Waiting for installation to be confirmed"
		}
		return "Waiting for installation to finish"
	case PhaseGrantingCapabilities:
		return "Granting permissions to management agent"
	case PhaseAwaitingActivation:
		return "Waiting for management agent to activate"
	case PhaseTransferringOwnership:
		return "Transferring device ownership"
	case PhaseComplete:
		return "Setup complete"
	case PhaseFailed:
		switch s.FailureReason {
		case ReasonDownload:
			return "Download failed. Check internet connection and retry."
		case ReasonVerification:
			return "Package verification failed. Retry to download again."
		case ReasonInstall:
			return "Installation failed. Retry to install again."
		case ReasonTransfer:
			return "Ownership transfer failed. Retry after the agent is activated."
		case ReasonInterrupted:
			return "Setup was interrupted. Retry to continue."
		}
		return "Setup failed. Retry to continue."
	}
	return string(s.Phase)
}
