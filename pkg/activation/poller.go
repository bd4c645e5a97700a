// Package activation waits for the target agent's admin component to become
// active.
package activation

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetkit/handoff/pkg/platform"
)

// Checker reports whether an admin component is active.
type Checker interface {
	IsAdminActive(ctx context.Context, admin platform.Component) (bool, error)
}

// State describes one poll in progress.
type State struct {
	Attempt     int
	MaxAttempts int
	Interval    time.Duration
	Active      bool
}

// Poller polls a Checker at a fixed interval.
type Poller struct {
	checker Checker
	onDone  func(State)
}

// NewPoller creates a Poller. onDone, when set, receives the final state of
// every AwaitActive call.
func NewPoller(c Checker, onDone func(State)) *Poller {
	return &Poller{checker: c, onDone: onDone}
}

// AwaitActive sleeps interval then checks, up to maxAttempts times. It
// returns true on the first active check, false when attempts run out or
// ctx ends. Check errors count as not active.
func (p *Poller) AwaitActive(ctx context.Context, admin platform.Component, interval time.Duration, maxAttempts int) bool {
	st := State{MaxAttempts: maxAttempts, Interval: interval}
	defer func() {
		if p.onDone != nil {
			p.onDone(st)
		}
	}()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for st.Attempt < maxAttempts {
		select {
		case <-ctx.Done():
			slog.Warn("activation_poll_cancelled", "component", admin.String(), "attempt", st.Attempt)
			return false
		case <-timer.C:
		}

		st.Attempt++
		active, err := p.checker.IsAdminActive(ctx, admin)
		if err != nil {
			slog.Warn("activation_check_failed", "component", admin.String(), "attempt", st.Attempt, "error", err)
		}
		if err == nil && active {
			st.Active = true
			slog.Info("activation_confirmed", "component", admin.String(), "attempt", st.Attempt)
			return true
		}

		slog.Debug("activation_pending", "component", admin.String(), "attempt", st.Attempt, "max_attempts", maxAttempts)
		timer.Reset(interval)
	}

	slog.Warn("activation_timeout", "component", admin.String(), "attempts", st.Attempt, "waited", interval*time.Duration(maxAttempts))
	return false
}
