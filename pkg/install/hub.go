package install

import (
	"log/slog"
	"sync"

	"github.com/fleetkit/handoff/pkg/platform"
)

// signalBuffer bounds how many signals one attempt can queue: at most a
// pending confirmation followed by a terminal outcome, plus slack for
// duplicate deliveries.
const signalBuffer = 8

// SignalHub routes asynchronous install signals to the single attempt the
// device is currently waiting on. Signals for any other attempt are stale.
type SignalHub struct {
	mu      sync.Mutex
	attempt string
	ch      chan platform.InstallSignal
	onStale func(platform.InstallSignal)
}

// NewSignalHub creates a hub. onStale, when set, is called for every
// discarded signal.
func NewSignalHub(onStale func(platform.InstallSignal)) *SignalHub {
	return &SignalHub{onStale: onStale}
}

// Expect registers attempt as the current one and returns its channel. Any
// earlier registration is replaced.
func (h *SignalHub) Expect(attempt string) <-chan platform.InstallSignal {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.attempt != "" && h.attempt != attempt {
		slog.Info("install_signal_registration_replaced", "previous_attempt_id", h.attempt, "attempt_id", attempt)
	}
	if h.attempt != attempt || h.ch == nil {
		h.attempt = attempt
		h.ch = make(chan platform.InstallSignal, signalBuffer)
	}
	return h.ch
}

// Current returns the attempt currently expected, or "".
func (h *SignalHub) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempt
}

// Deliver hands a signal to its attempt. It never blocks and reports whether
// the signal was accepted.
func (h *SignalHub) Deliver(sig platform.InstallSignal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sig.AttemptID == "" || sig.AttemptID != h.attempt {
		slog.Warn("install_signal_stale", "attempt_id", sig.AttemptID, "current_attempt_id", h.attempt, "status", sig.Status)
		if h.onStale != nil {
			h.onStale(sig)
		}
		return false
	}

	select {
	case h.ch <- sig:
		slog.Info("install_signal_received", "attempt_id", sig.AttemptID, "status", sig.Status)
		return true
	default:
		slog.Warn("install_signal_dropped", "attempt_id", sig.AttemptID, "status", sig.Status)
		return false
	}
}

// Forget clears the registration of attempt if it is still current.
func (h *SignalHub) Forget(attempt string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.attempt == attempt {
		h.attempt = ""
		h.ch = nil
	}
}
