package handoff

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/superfly/fsm"

	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/install"
	"github.com/fleetkit/handoff/pkg/ownership"
)

type handlerRequest = fsm.Request[SessionRequest, SessionResponse]
type handlerResponse = fsm.Response[SessionResponse]

// load fetches the session a run is driving after the retry and attempt checks.
func (m *Machine) load(ctx context.Context, req *handlerRequest) (*db.Session, *SessionResponse, error) {
	// Check retry limit
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.settings.MaxRetries) {
		slog.Error("max_retries_exceeded", "session_id", req.Msg.SessionID, "max_retries", m.settings.MaxRetries)
		return nil, nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.settings.MaxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &SessionResponse{}
	}

	s, err := m.repo.Get(ctx, req.Msg.SessionID)
	if stderrors.Is(err, db.ErrNotFound) {
		return nil, nil, fsm.Abort(err)
	}
	if err != nil {
		slog.Error("session_load_failed", "session_id", req.Msg.SessionID, "error", err)
		return nil, nil, errors.Wrap(err, "failed to load session")
	}
	if s.AttemptID != req.Msg.AttemptID {
		slog.Warn("stale_run_aborted", "session_id", s.ID, "attempt_id", req.Msg.AttemptID, "current_attempt_id", s.AttemptID)
		return nil, nil, fsm.Abort(fmt.Errorf("attempt %s superseded by %s", req.Msg.AttemptID, s.AttemptID))
	}

	resp.Phase = string(s.Phase)
	return s, resp, nil
}

// enter loads the session for the transition owning phase. skip is true when
// the session has already moved past it.
func (m *Machine) enter(ctx context.Context, req *handlerRequest, phase db.Phase) (*db.Session, *SessionResponse, bool, error) {
	s, resp, err := m.load(ctx, req)
	if err != nil {
		return nil, nil, false, err
	}

	switch {
	case s.Phase == phase:
		return s, resp, false, nil
	case s.Phase.After(phase):
		slog.Debug("fsm_state_skipped", "session_id", s.ID, "phase", phase, "session_phase", s.Phase)
		return s, resp, true, nil
	}

	slog.Error("unexpected_session_phase", "session_id", s.ID, "expected", phase, "actual", s.Phase)
	return nil, nil, false, fsm.Abort(fmt.Errorf("%w: session is %s, expected %s", db.ErrInvalidTransition, s.Phase, phase))
}

// advance moves the session to phase to and notifies observers.
func (m *Machine) advance(ctx context.Context, s *db.Session, to db.Phase, resp *SessionResponse, mutate func(*db.Session)) (*handlerResponse, error) {
	next, err := m.record(ctx, s, to, mutate)
	if err != nil {
		return nil, err
	}
	resp.Phase = string(next.Phase)
	return fsm.NewResponse(resp), nil
}

// record persists the move to phase to without finishing the transition.
func (m *Machine) record(ctx context.Context, s *db.Session, to db.Phase, mutate func(*db.Session)) (*db.Session, error) {
	next, err := m.repo.Transition(ctx, s.ID, to, mutate)
	if stderrors.Is(err, db.ErrInvalidTransition) {
		return nil, fsm.Abort(err)
	}
	if err != nil {
		slog.Error("session_transition_failed", "session_id", s.ID, "to", to, "error", err)
		return nil, errors.Wrap(err, "failed to record transition")
	}

	m.metrics.IncPhaseTransition(string(to))
	m.observers.phase(next)
	return next, nil
}

// fail records a halting failure and aborts the run.
func (m *Machine) fail(ctx context.Context, s *db.Session, reason string, cause error, resp *SessionResponse) (*handlerResponse, error) {
	slog.Error("session_failed", "session_id", s.ID, "phase", s.Phase, "reason", reason, "error", cause)

	if _, err := m.failSession(ctx, s.ID, reason, cause.Error()); err != nil {
		slog.Error("session_fail_record_failed", "session_id", s.ID, "error", err)
	}

	resp.Phase = string(db.PhaseFailed)
	resp.Status = string(db.PhaseFailed)
	resp.ErrorMessage = cause.Error()
	return nil, fsm.Abort(cause)
}

func (m *Machine) failSession(ctx context.Context, id, reason, message string) (*db.Session, error) {
	failed, err := m.repo.Fail(ctx, id, reason, message)
	if err != nil {
		return nil, err
	}
	m.metrics.IncPhaseTransition(string(db.PhaseFailed))
	m.metrics.IncFailure(reason)
	m.observers.phase(failed)
	return failed, nil
}

// handleCheck elevates the bootstrap agent and picks the entry phase: the
// fast path when the target is already installed, downloading otherwise.
// A failed session moves to its retry re-entry phase; one that re-enters
// idle goes through the install check again.
func (m *Machine) handleCheck(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_check", "session_id", req.Msg.SessionID, "attempt_id", req.Msg.AttemptID)

	// Idle and failed sessions both enter through check.
	s, resp, err := m.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.Phase.After(db.PhaseIdle) {
		slog.Info("fsm_state_skipped", "session_id", s.ID, "phase", db.PhaseIdle, "session_phase", s.Phase)
		return fsm.NewResponse(resp), nil
	}

	if s.Phase == db.PhaseFailed {
		if s.LocalArtifactPath != "" && !fileExists(s.LocalArtifactPath) {
			slog.Warn("retry_artifact_missing", "session_id", s.ID, "path", s.LocalArtifactPath)
			if err := m.repo.ClearArtifact(ctx, s.ID); err != nil {
				return nil, errors.Wrap(err, "failed to clear artifact")
			}
			s.LocalArtifactPath = ""
		}

		target, ok := s.RetryTarget()
		if !ok {
			return nil, fsm.Abort(fmt.Errorf("%w: failed at %q", ErrNotRetryable, s.FailedPhase))
		}
		slog.Info("session_retry_reentry", "session_id", s.ID, "failed_phase", s.FailedPhase, "reentry", target)
		if target != db.PhaseIdle {
			return m.advance(ctx, s, target, resp, nil)
		}
		if s, err = m.record(ctx, s, db.PhaseIdle, nil); err != nil {
			return nil, err
		}
	}

	caps := m.settings.Capabilities
	report := m.grantor.GrantAll(ctx, m.settings.BootstrapAdmin.Package, caps)
	slog.Info("bootstrap_self_elevation", "session_id", s.ID, "granted", report.Granted, "failed", report.Failed)

	installed, err := m.platform.IsInstalled(ctx, m.settings.TargetAdmin.Package)
	if err != nil {
		slog.Warn("target_install_check_failed", "session_id", s.ID, "package", m.settings.TargetAdmin.Package, "error", err)
		installed = false
	}

	if installed {
		slog.Info("target_already_installed", "session_id", s.ID, "package", m.settings.TargetAdmin.Package)
		return m.advance(ctx, s, db.PhaseGrantingCapabilities, resp, nil)
	}
	return m.advance(ctx, s, db.PhaseDownloading, resp, nil)
}

// handleDownload streams the artifact to the work directory
func (m *Machine) handleDownload(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_download", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseDownloading)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	dest := ArtifactPath(m.settings.WorkDir, s.ArtifactURL)
	start := time.Now()

	path, err := m.acquirer.Acquire(ctx, s.ArtifactURL, dest, func(p artifact.Progress) {
		resp.BytesReceived = p.BytesReceived
		m.observers.progress(p)
	})
	if err != nil {
		return m.fail(ctx, s, db.ReasonDownload, err, resp)
	}

	m.metrics.ObserveDownload(resp.BytesReceived, time.Since(start))
	resp.LocalArtifactPath = path

	return m.advance(ctx, s, db.PhaseVerifying, resp, func(s *db.Session) {
		s.LocalArtifactPath = path
	})
}

// handleVerify checks the artifact against the expected digest
func (m *Machine) handleVerify(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_verify", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseVerifying)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	if strings.TrimSpace(s.ExpectedDigest) == "" {
		slog.Warn("verification_skipped", "session_id", s.ID, "path", s.LocalArtifactPath, "reason", "no expected digest configured")
	}

	ok, err := m.verifier.Verify(s.LocalArtifactPath, s.ExpectedDigest)
	if err == nil && !ok {
		err = ErrDigestMismatch
	}
	if err != nil {
		if rmErr := os.Remove(s.LocalArtifactPath); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("artifact_remove_failed", "path", s.LocalArtifactPath, "error", rmErr)
		}
		if clearErr := m.repo.ClearArtifact(ctx, s.ID); clearErr != nil {
			slog.Warn("artifact_clear_failed", "session_id", s.ID, "error", clearErr)
		}
		return m.fail(ctx, s, db.ReasonVerification, err, resp)
	}

	slog.Info("verification_passed", "session_id", s.ID, "digest_checked", s.ExpectedDigest != "")
	return m.advance(ctx, s, db.PhaseInstalling, resp, nil)
}

// handleInstall submits the artifact to the platform installer
func (m *Machine) handleInstall(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_install", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseInstalling)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	if s.LocalArtifactPath == "" || !fileExists(s.LocalArtifactPath) {
		if err := m.repo.ClearArtifact(ctx, s.ID); err != nil {
			slog.Warn("artifact_clear_failed", "session_id", s.ID, "error", err)
		}
		return m.fail(ctx, s, db.ReasonInstall, ErrArtifactMissing, resp)
	}

	// Register before submitting so an early signal is not lost.
	m.hub.Expect(s.AttemptID)

	mode, err := m.installer.Install(ctx, s.LocalArtifactPath, s.AttemptID)
	if err != nil {
		m.hub.Forget(s.AttemptID)
		return m.fail(ctx, s, db.ReasonInstall, err, resp)
	}
	resp.InstallMode = string(mode)

	return m.advance(ctx, s, db.PhaseAwaitingInstallSignal, resp, nil)
}

// handleAwaitInstall waits for the installer's completion signal
func (m *Machine) handleAwaitInstall(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_await_install", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseAwaitingInstallSignal)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	out, err := m.installer.Await(ctx, s.AttemptID, func(handle string) error {
		if err := m.repo.SetConfirmationHandle(ctx, s.ID, handle); err != nil {
			return errors.Wrap(err, "failed to record confirmation handle")
		}
		s.ConfirmationHandle = handle
		m.observers.phase(s)

		if err := m.platform.PresentConfirmation(ctx, handle); err != nil {
			slog.Warn("confirmation_present_failed", "session_id", s.ID, "handle", handle, "error", err)
		}
		return nil
	})
	switch {
	case stderrors.Is(err, install.ErrSignalTimeout):
		return m.fail(ctx, s, db.ReasonInstall, err, resp)
	case err != nil:
		slog.Error("install_wait_failed", "session_id", s.ID, "error", err)
		return nil, err
	case out.Kind == install.Failed:
		msg := out.Message
		if msg == "" {
			msg = "installer reported failure"
		}
		return m.fail(ctx, s, db.ReasonInstall, fmt.Errorf("install failed: %s", msg), resp)
	}

	slog.Info("install_complete", "session_id", s.ID, "attempt_id", s.AttemptID)
	return m.advance(ctx, s, db.PhaseGrantingCapabilities, resp, func(s *db.Session) {
		s.ConfirmationHandle = ""
	})
}

// handleGrant grants the capability set to the target agent. Never fatal.
func (m *Machine) handleGrant(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_grant", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseGrantingCapabilities)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	report := m.grantor.GrantAll(ctx, m.settings.TargetAdmin.Package, m.settings.Capabilities)
	resp.CapabilitiesGranted = report.Granted
	resp.CapabilitiesFailed = report.Failed
	if !report.Complete() {
		slog.Warn("target_capabilities_incomplete", "session_id", s.ID, "granted", report.Granted, "failed", report.Failed)
	}

	return m.advance(ctx, s, db.PhaseAwaitingActivation, resp, nil)
}

// handleAwaitActivation nudges the target agent and polls until its admin is
// active. A timeout is logged and the flow proceeds.
func (m *Machine) handleAwaitActivation(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_await_activation", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseAwaitingActivation)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	target := m.settings.TargetAdmin
	if err := m.platform.LaunchAgent(ctx, target.Package); err != nil {
		slog.Warn("agent_launch_failed", "session_id", s.ID, "package", target.Package, "error", err)
	}

	active := m.poller.AwaitActive(ctx, target, m.settings.PollInterval, m.settings.PollMaxAttempts)
	resp.TargetActive = active
	if !active {
		slog.Warn("activation_not_confirmed", "session_id", s.ID, "component", target.String(), "action", "proceeding_to_transfer")
	}

	return m.advance(ctx, s, db.PhaseTransferringOwnership, resp, nil)
}

// handleTransfer hands device ownership to the target agent
func (m *Machine) handleTransfer(ctx context.Context, req *handlerRequest) (*handlerResponse, error) {
	slog.Info("fsm_state_transfer", "session_id", req.Msg.SessionID)

	s, resp, skip, err := m.enter(ctx, req, db.PhaseTransferringOwnership)
	if err != nil {
		return nil, err
	}
	if skip {
		return fsm.NewResponse(resp), nil
	}

	res := m.transfer.Transfer(ctx, ownership.Request{
		From: m.settings.BootstrapAdmin,
		To:   m.settings.TargetAdmin,
	})
	m.metrics.IncTransferResult(string(res.Status))
	resp.TransferStatus = string(res.Status)

	if !res.OK() {
		cause := fmt.Errorf("transfer %s", res.Status)
		if res.Message != "" {
			cause = fmt.Errorf("transfer %s: %s", res.Status, res.Message)
		}
		return m.fail(ctx, s, db.ReasonTransfer, cause, resp)
	}

	resp.Status = string(db.PhaseComplete)
	slog.Info("fsm_complete", "session_id", s.ID, "status", db.PhaseComplete)
	return m.advance(ctx, s, db.PhaseComplete, resp, nil)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
