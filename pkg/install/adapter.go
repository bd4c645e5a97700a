// Package install submits the artifact to the platform installer and turns
// its asynchronous completion signals into outcomes.
package install

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/platform"
)

// ErrSignalTimeout is returned when no terminal install signal arrives in time.
var ErrSignalTimeout = stderrors.New("timed out waiting for install signal")

// Submission is the result of a silent install request.
type Submission int

const (
	Submitted Submission = iota
	Rejected
)

func (s Submission) String() string {
	if s == Rejected {
		return "rejected"
	}
	return "submitted"
}

// Mode records which installer accepted the artifact.
type Mode string

const (
	ModeSilent      Mode = platform.ModeSilent
	ModeInteractive Mode = platform.ModeInteractive
)

// OutcomeKind classifies an install outcome.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	PendingUserConfirmation
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return platform.StatusSuccess
	case PendingUserConfirmation:
		return platform.StatusPendingUserConfirmation
	}
	return platform.StatusFailed
}

// Outcome is the decoded result of one install signal.
type Outcome struct {
	Kind    OutcomeKind
	Handle  string
	Message string
}

// OutcomeFromSignal decodes a wire signal. Unknown statuses are failures.
func OutcomeFromSignal(sig platform.InstallSignal) Outcome {
	switch sig.Status {
	case platform.StatusSuccess:
		return Outcome{Kind: Success}
	case platform.StatusPendingUserConfirmation:
		return Outcome{Kind: PendingUserConfirmation, Handle: sig.ConfirmationHandle}
	case platform.StatusFailed:
		return Outcome{Kind: Failed, Message: sig.Message}
	}
	return Outcome{Kind: Failed, Message: fmt.Sprintf("unknown install status %q", sig.Status)}
}

// Adapter drives installs through a Platform.
type Adapter struct {
	platform    platform.Platform
	hub         *SignalHub
	pkg         string
	callbackURL string
	timeout     time.Duration
	onSignal    func(Outcome)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCallbackURL sets where the installer should post completion signals.
func WithCallbackURL(u string) Option {
	return func(a *Adapter) { a.callbackURL = u }
}

// WithSignalTimeout bounds how long Await waits for a terminal outcome.
// Zero waits until the context ends.
func WithSignalTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithSignalObserver is called for every outcome Await consumes.
func WithSignalObserver(fn func(Outcome)) Option {
	return func(a *Adapter) { a.onSignal = fn }
}

// NewAdapter creates an Adapter installing pkg.
func NewAdapter(p platform.Platform, hub *SignalHub, pkg string, opts ...Option) *Adapter {
	a := &Adapter{platform: p, hub: hub, pkg: pkg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) request(attempt string) platform.InstallRequest {
	return platform.InstallRequest{AttemptID: attempt, Package: a.pkg, CallbackURL: a.callbackURL}
}

// InstallSilently submits the artifact for an install without user interaction.
func (a *Adapter) InstallSilently(ctx context.Context, path, attempt string) (Submission, error) {
	err := a.platform.InstallSilently(ctx, path, a.request(attempt))
	if stderrors.Is(err, platform.ErrInstallRejected) {
		slog.Warn("silent_install_rejected", "attempt_id", attempt, "error", err)
		return Rejected, nil
	}
	if err != nil {
		return Rejected, errors.Wrap(err, "silent install submission failed")
	}
	slog.Info("silent_install_submitted", "attempt_id", attempt, "package", a.pkg)
	return Submitted, nil
}

// InstallInteractively submits the artifact through the user-facing installer.
func (a *Adapter) InstallInteractively(ctx context.Context, path, attempt string) error {
	if err := a.platform.InstallInteractively(ctx, path, a.request(attempt)); err != nil {
		return errors.Wrap(err, "interactive install submission failed")
	}
	slog.Info("interactive_install_submitted", "attempt_id", attempt, "package", a.pkg)
	return nil
}

// Install tries a silent install and falls back to the interactive installer
// when the platform rejects it. The attempt must already be registered with
// the hub so no signal is missed.
func (a *Adapter) Install(ctx context.Context, path, attempt string) (Mode, error) {
	sub, err := a.InstallSilently(ctx, path, attempt)
	if err != nil {
		return "", err
	}
	if sub == Submitted {
		return ModeSilent, nil
	}
	if err := a.InstallInteractively(ctx, path, attempt); err != nil {
		return "", err
	}
	return ModeInteractive, nil
}

// Await waits for the terminal outcome of attempt. onPending is called for
// every pending user confirmation.
func (a *Adapter) Await(ctx context.Context, attempt string, onPending func(handle string) error) (Outcome, error) {
	ch := a.hub.Expect(attempt)

	var deadline <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline:
			slog.Error("install_signal_timeout", "attempt_id", attempt, "timeout", a.timeout)
			return Outcome{}, ErrSignalTimeout
		case sig := <-ch:
			out := OutcomeFromSignal(sig)
			if a.onSignal != nil {
				a.onSignal(out)
			}
			if out.Kind != PendingUserConfirmation {
				a.hub.Forget(attempt)
				return out, nil
			}

			slog.Info("install_pending_user_confirmation", "attempt_id", attempt, "handle", out.Handle)
			if onPending != nil {
				if err := onPending(out.Handle); err != nil {
					return out, err
				}
			}
		}
	}
}
