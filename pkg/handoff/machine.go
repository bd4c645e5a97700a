// Package handoff implements the provisioning handoff state machine. It
// orchestrates artifact download, verification, installation, capability
// elevation, activation and the final ownership transfer using the
// superfly/fsm library.
package handoff

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/superfly/fsm"

	"github.com/fleetkit/handoff/pkg/activation"
	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/capability"
	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/install"
	"github.com/fleetkit/handoff/pkg/metrics"
	"github.com/fleetkit/handoff/pkg/ownership"
	"github.com/fleetkit/handoff/pkg/platform"
	"github.com/fleetkit/handoff/pkg/security"
)

const defaultMaxRetries = 3

// Acquirer downloads the artifact to a local file.
type Acquirer interface {
	Acquire(ctx context.Context, rawURL, dest string, onProgress func(artifact.Progress)) (string, error)
}

// Settings holds the device's handoff parameters.
type Settings struct {
	ArtifactURL          string
	ExpectedDigest       string
	WorkDir              string
	BootstrapAdmin       platform.Component
	TargetAdmin          platform.Component
	Capabilities         []string
	PollInterval         time.Duration
	PollMaxAttempts      int
	InstallSignalTimeout time.Duration
	CallbackURL          string
	TransferMetadata     map[string]string
	MaxRetries           int
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo      *db.Repository
	platform  platform.Platform
	hub       *install.SignalHub
	acquirer  Acquirer
	verifier  *security.Verifier
	installer *install.Adapter
	grantor   *capability.Grantor
	poller    *activation.Poller
	transfer  *ownership.Executor
	metrics   metrics.HandoffMetrics
	settings  Settings
	observers observers
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	repo *db.Repository,
	pf platform.Platform,
	hub *install.SignalHub,
	acquirer Acquirer,
	m metrics.HandoffMetrics,
	settings Settings,
) *Machine {
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = defaultMaxRetries
	}
	if len(settings.Capabilities) == 0 {
		settings.Capabilities = platform.DefaultCapabilities
	}

	return &Machine{
		repo:     repo,
		platform: pf,
		hub:      hub,
		acquirer: acquirer,
		verifier: security.NewVerifier(),
		installer: install.NewAdapter(pf, hub, settings.TargetAdmin.Package,
			install.WithCallbackURL(settings.CallbackURL),
			install.WithSignalTimeout(settings.InstallSignalTimeout),
			install.WithSignalObserver(func(o install.Outcome) { m.IncInstallSignal(o.Kind.String()) }),
		),
		grantor: capability.NewGrantor(pf, settings.BootstrapAdmin, m.IncGrant),
		poller: activation.NewPoller(pf, func(st activation.State) {
			m.ObserveActivation(st.Attempt, st.Active)
		}),
		transfer: ownership.NewExecutor(pf, settings.TransferMetadata),
		metrics:  m,
		settings: settings,
	}
}

// Register registers the provisioning handoff FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[SessionRequest, SessionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[SessionRequest, SessionResponse](manager, "provisioning-handoff").
		Start(StateCheck, m.handleCheck).
		To(StateDownload, m.handleDownload).
		To(StateVerify, m.handleVerify).
		To(StateInstall, m.handleInstall).
		To(StateAwaitInstall, m.handleAwaitInstall).
		To(StateGrant, m.handleGrant).
		To(StateAwaitActivation, m.handleAwaitActivation).
		To(StateTransfer, m.handleTransfer).
		End(StateDone).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// ArtifactPath returns where the artifact of rawURL is stored under workDir.
func ArtifactPath(workDir, rawURL string) string {
	name := "agent.apk"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	return filepath.Join(DownloadDir(workDir), name)
}

// DownloadDir returns the directory holding downloaded artifacts.
func DownloadDir(workDir string) string {
	return filepath.Join(workDir, "downloads")
}
