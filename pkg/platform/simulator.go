package platform

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// SimulatorCalls counts primitive invocations on a Simulator.
type SimulatorCalls struct {
	SilentInstalls      int
	InteractiveInstalls int
	Confirmations       int
	Grants              int
	AdminChecks         int
	Launches            int
	Transfers           int
}

// Simulator is an in-memory Platform for development and tests. Install
// completion signals are delivered asynchronously to the configured sink,
// the way the real installer calls back.
type Simulator struct {
	mu sync.Mutex

	installed        map[string]bool
	adminChecks      map[Component]int
	owner            Component
	sink             func(InstallSignal)
	statuses         []string
	rejectSilent     bool
	failingCaps      map[string]bool
	activationAfter  int
	adminNeverActive bool
	transferErr      error
	pending          map[string]InstallRequest
	granted          map[string][]string
	transferMeta     map[string]string
	calls            SimulatorCalls
	wg               sync.WaitGroup
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithInstalled marks packages as already present.
func WithInstalled(pkgs ...string) SimulatorOption {
	return func(s *Simulator) {
		for _, p := range pkgs {
			s.installed[p] = true
		}
	}
}

// WithOwner sets the current device owner admin.
func WithOwner(c Component) SimulatorOption {
	return func(s *Simulator) {
		s.owner = c
		s.installed[c.Package] = true
	}
}

// WithSignalSink sets where install completion signals are delivered.
func WithSignalSink(fn func(InstallSignal)) SimulatorOption {
	return func(s *Simulator) { s.sink = fn }
}

// WithInstallStatuses scripts the outcome of successive install submissions.
// Once the script runs out, installs succeed.
func WithInstallStatuses(statuses ...string) SimulatorOption {
	return func(s *Simulator) { s.statuses = append(s.statuses, statuses...) }
}

// WithRejectedSilentInstall makes silent installs fail with ErrInstallRejected.
func WithRejectedSilentInstall() SimulatorOption {
	return func(s *Simulator) { s.rejectSilent = true }
}

// WithFailingCapabilities makes the named capabilities refuse to be granted.
func WithFailingCapabilities(caps ...string) SimulatorOption {
	return func(s *Simulator) {
		for _, c := range caps {
			s.failingCaps[c] = true
		}
	}
}

// WithActivationAfter makes an installed admin report active starting with
// its nth check. By default an installed admin is active right away.
func WithActivationAfter(n int) SimulatorOption {
	return func(s *Simulator) { s.activationAfter = n }
}

// WithAdminNeverActive makes every non-owner admin stay inactive.
func WithAdminNeverActive() SimulatorOption {
	return func(s *Simulator) { s.adminNeverActive = true }
}

// WithTransferError makes ownership transfer fail with err.
func WithTransferError(err error) SimulatorOption {
	return func(s *Simulator) { s.transferErr = err }
}

// NewSimulator creates a Simulator.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		installed:   make(map[string]bool),
		adminChecks: make(map[Component]int),
		failingCaps: make(map[string]bool),
		pending:     make(map[string]InstallRequest),
		granted:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Info("platform_simulator_init", "owner", s.owner.String())
	return s
}

func (s *Simulator) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed[pkg], nil
}

func (s *Simulator) InstallSilently(ctx context.Context, artifactPath string, req InstallRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.SilentInstalls++
	if s.rejectSilent {
		slog.Info("simulator_silent_install_rejected", "attempt_id", req.AttemptID)
		return ErrInstallRejected
	}
	s.submitLocked(req)
	return nil
}

func (s *Simulator) InstallInteractively(ctx context.Context, artifactPath string, req InstallRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.InteractiveInstalls++
	s.submitLocked(req)
	return nil
}

func (s *Simulator) submitLocked(req InstallRequest) {
	status := StatusSuccess
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		s.statuses = s.statuses[1:]
	}

	sig := InstallSignal{AttemptID: req.AttemptID, Status: status}
	switch status {
	case StatusSuccess:
		s.installed[req.Package] = true
	case StatusPendingUserConfirmation:
		sig.ConfirmationHandle = "confirm-" + req.AttemptID
		s.pending[sig.ConfirmationHandle] = req
	case StatusFailed:
		sig.Message = "simulated install failure"
	}

	slog.Info("simulator_install_submitted", "attempt_id", req.AttemptID, "package", req.Package, "status", status)
	s.deliverLocked(sig)
}

func (s *Simulator) deliverLocked(sig InstallSignal) {
	if s.sink == nil {
		return
	}
	sink := s.sink
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sink(sig)
	}()
}

// PresentConfirmation simulates the user accepting the pending install.
func (s *Simulator) PresentConfirmation(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Confirmations++
	req, ok := s.pending[handle]
	if !ok {
		return fmt.Errorf("unknown confirmation handle %q", handle)
	}
	delete(s.pending, handle)
	s.installed[req.Package] = true

	slog.Info("simulator_confirmation_accepted", "attempt_id", req.AttemptID, "handle", handle)
	s.deliverLocked(InstallSignal{AttemptID: req.AttemptID, Status: StatusSuccess})
	return nil
}

func (s *Simulator) GrantCapability(ctx context.Context, admin Component, pkg, capability string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Grants++
	if s.failingCaps[capability] {
		return false, nil
	}
	s.granted[pkg] = append(s.granted[pkg], capability)
	return true, nil
}

func (s *Simulator) IsAdminActive(ctx context.Context, admin Component) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.AdminChecks++
	s.adminChecks[admin]++
	return s.activeLocked(admin), nil
}

func (s *Simulator) activeLocked(admin Component) bool {
	if admin == s.owner {
		return true
	}
	if s.adminNeverActive || !s.installed[admin.Package] {
		return false
	}
	return s.adminChecks[admin] >= s.activationAfter
}

func (s *Simulator) LaunchAgent(ctx context.Context, pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Launches++
	if !s.installed[pkg] {
		return ErrPackageNotFound
	}
	return nil
}

func (s *Simulator) TransferOwnership(ctx context.Context, from, to Component, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Transfers++
	if s.transferErr != nil {
		return s.transferErr
	}
	if from != s.owner {
		return fmt.Errorf("%s is not the device owner", from)
	}
	if !s.installed[to.Package] {
		return ErrPackageNotFound
	}
	if !s.activeLocked(to) {
		return ErrAdminInactive
	}

	s.owner = to
	s.transferMeta = maps.Clone(metadata)
	slog.Info("simulator_ownership_transferred", "from", from.String(), "to", to.String())
	return nil
}

// Close waits for in-flight signal deliveries.
func (s *Simulator) Close() error {
	s.wg.Wait()
	return nil
}

// Owner returns the current device owner.
func (s *Simulator) Owner() Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Calls returns a snapshot of the primitive call counters.
func (s *Simulator) Calls() SimulatorCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Granted returns the capabilities granted to pkg.
func (s *Simulator) Granted(pkg string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.granted[pkg]...)
}

// TransferMetadata returns the metadata of the last successful transfer.
func (s *Simulator) TransferMetadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.transferMeta)
}
