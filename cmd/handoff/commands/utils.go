package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/superfly/fsm"

	"github.com/fleetkit/handoff/internal/config"
	"github.com/fleetkit/handoff/pkg/api"
	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/handoff"
	"github.com/fleetkit/handoff/pkg/install"
	"github.com/fleetkit/handoff/pkg/metrics"
	"github.com/fleetkit/handoff/pkg/platform"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed when driving the session)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(handoff.DownloadDir(workDir), 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// openRepository opens the session store without the rest of the runtime.
func openRepository() (*db.Repository, error) {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// runtime wires everything needed to drive the session.
type runtime struct {
	repo         *db.Repository
	platform     platform.Platform
	manager      *fsm.Manager
	orchestrator *handoff.Orchestrator
	api          *api.Server
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return nil, err
	}

	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	rt.repo, err = db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	hub := install.NewSignalHub(func(sig platform.InstallSignal) {
		slog.Warn("install_signal_stale", "attempt_id", sig.AttemptID, "status", sig.Status)
		m.IncStaleSignal()
	})

	switch cfg.Platform {
	case config.PlatformBridge:
		rt.platform, err = platform.NewBridge(cfg.BridgeURL)
		if err != nil {
			return nil, errors.Wrap(err, "platform bridge failed")
		}
	default:
		slog.Warn("platform_simulated", "owner", settings.BootstrapAdmin.String())
		rt.platform = platform.NewSimulator(
			platform.WithOwner(settings.BootstrapAdmin),
			platform.WithSignalSink(func(sig platform.InstallSignal) { hub.Deliver(sig) }),
		)
	}

	rt.manager, err = fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	acquirer := artifact.NewAcquirer(cfg.AcquirerOptions())
	machine := handoff.NewMachine(rt.repo, rt.platform, hub, acquirer, m, settings)

	rt.orchestrator, err = handoff.NewOrchestrator(ctx, rt.manager, machine)
	if err != nil {
		return nil, errors.Wrap(err, "FSM register failed")
	}

	if cfg.ListenAddr != "" {
		rt.api = api.New(&api.Config{
			ListenAddr:               cfg.ListenAddr,
			Log:                      slog.Default(),
			GracefulShutdownDuration: 5 * time.Second,
			ReadTimeout:              10 * time.Second,
			WriteTimeout:             10 * time.Second,
		}, rt.orchestrator, hub, registry)
		rt.api.RunInBackground()
	}

	ok = true
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.api != nil {
		rt.api.Shutdown()
	}
	if rt.manager != nil {
		rt.manager.Shutdown(10 * time.Second)
	}
	if rt.platform != nil {
		if err := rt.platform.Close(); err != nil {
			slog.Warn("platform_close_failed", "error", err)
		}
	}
	if rt.repo != nil {
		rt.repo.Close()
	}
}
