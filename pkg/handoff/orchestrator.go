package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/superfly/fsm"

	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
)

// Orchestrator owns the device's provisioning session and drives it through
// the handoff machine. Runs are synchronous and never overlap.
type Orchestrator struct {
	repo    *db.Repository
	manager *fsm.Manager
	machine *Machine
	start   fsm.Start[SessionRequest, SessionResponse]

	mu      sync.Mutex
	running bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewOrchestrator registers the machine with manager.
func NewOrchestrator(ctx context.Context, manager *fsm.Manager, machine *Machine) (*Orchestrator, error) {
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		repo:    machine.repo,
		manager: manager,
		machine: machine,
		start:   start,
		done:    make(chan struct{}),
	}, nil
}

// AddObserver subscribes ob to phase changes and download progress.
func (o *Orchestrator) AddObserver(ob Observer) {
	o.machine.observers.add(ob)
}

// Done is closed once the session reaches complete.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Current returns the device's session, or nil before the first Start.
func (o *Orchestrator) Current(ctx context.Context) (*db.Session, error) {
	return o.repo.Latest(ctx)
}

// Start runs the handoff. A complete session is returned as is, and so is a
// failed one: retrying a failed step is explicit. A session left mid-flow by
// a previous process is recorded as interrupted and started over from the
// install check, downloading again unless the target is already installed.
func (o *Orchestrator) Start(ctx context.Context) (*db.Session, error) {
	if !o.acquire() {
		return nil, ErrBusy
	}
	defer o.release()

	latest, err := o.repo.Latest(ctx)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		switch latest.Phase {
		case db.PhaseComplete:
			slog.Info("session_already_complete", "session_id", latest.ID)
			o.markDone()
			return latest, nil
		case db.PhaseFailed:
			if latest.FailureReason == db.ReasonInterrupted {
				slog.Info("session_restart_interrupted", "session_id", latest.ID, "failed_phase", latest.FailedPhase)
				return o.run(ctx, latest.ID)
			}
			slog.Info("session_failed_awaiting_retry", "session_id", latest.ID, "reason", latest.FailureReason)
			return latest, nil
		case db.PhaseIdle:
			slog.Info("session_resume_idle", "session_id", latest.ID)
			return o.run(ctx, latest.ID)
		default:
			slog.Warn("session_interrupted", "session_id", latest.ID, "phase", latest.Phase)
			if _, err := o.machine.failSession(ctx, latest.ID, db.ReasonInterrupted,
				fmt.Sprintf("interrupted during %s", latest.Phase)); err != nil {
				return nil, err
			}
			return o.run(ctx, latest.ID)
		}
	}

	s := &db.Session{
		ID:             uuid.NewString(),
		ArtifactURL:    o.machine.settings.ArtifactURL,
		ExpectedDigest: o.machine.settings.ExpectedDigest,
	}
	if err := o.repo.Create(ctx, s); err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	o.machine.observers.phase(s)

	return o.run(ctx, s.ID)
}

// Retry re-enters the failed phase of the session with a new attempt.
func (o *Orchestrator) Retry(ctx context.Context) (*db.Session, error) {
	if !o.acquire() {
		return nil, ErrBusy
	}
	defer o.release()

	s, err := o.repo.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: no session", ErrNotRetryable)
	}
	if !s.Retryable() {
		return nil, fmt.Errorf("%w: session is %s", ErrNotRetryable, s.Phase)
	}

	slog.Info("session_retry", "session_id", s.ID, "failed_phase", s.FailedPhase, "reason", s.FailureReason)
	return o.run(ctx, s.ID)
}

func (o *Orchestrator) run(ctx context.Context, id string) (*db.Session, error) {
	attempt := uuid.NewString()
	if err := o.repo.SetAttempt(ctx, id, attempt); err != nil {
		return nil, err
	}

	runErr := o.machine.metrics.TrackRun(func() error {
		req := &SessionRequest{SessionID: id, AttemptID: attempt}
		resp := &SessionResponse{}

		version, err := o.start(ctx, attempt, fsm.NewRequest(req, resp))
		if err != nil {
			return errors.Wrap(err, "FSM start failed")
		}

		slog.Info("fsm_started", "session_id", id, "attempt_id", attempt, "version", version)
		return o.manager.Wait(ctx, version)
	})
	if runErr != nil {
		slog.Warn("fsm_run_ended", "session_id", id, "attempt_id", attempt, "error", runErr)
	}

	// The run's outcome lives in the store.
	bg := context.WithoutCancel(ctx)
	s, err := o.repo.Get(bg, id)
	if err != nil {
		return nil, err
	}

	if !s.Phase.Terminal() {
		reason := reasonFor(s.Phase)
		msg := fmt.Sprintf("run stopped during %s", s.Phase)
		if ctx.Err() != nil {
			reason = db.ReasonInterrupted
		}
		if runErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, runErr)
		}
		if s, err = o.machine.failSession(bg, id, reason, msg); err != nil {
			return nil, err
		}
	}

	if s.Phase == db.PhaseComplete {
		o.markDone()
	}
	slog.Info("session_run_finished", "session_id", id, "attempt_id", attempt, "phase", s.Phase, "reason", s.FailureReason)
	return s, nil
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) markDone() {
	o.doneOnce.Do(func() { close(o.done) })
}
