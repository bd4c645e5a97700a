package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fleetkit/handoff/internal/tui"
	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
)

var provisionTUI bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run the handoff until ownership is transferred or a step fails",
	Long: `Starts the provisioning session, or picks up the persisted one. A session
that already failed is left for an explicit retry, from this terminal view,
the control API or "handoff retry".`,
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolVar(&provisionTUI, "tui", false, "Show the terminal status view")
	provisionCmd.Flags().Bool("hold-on-failure", false, "Keep serving the control API after a failure")
	viper.BindPFlag("hold-on-failure", provisionCmd.Flags().Lookup("hold-on-failure"))
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if provisionTUI {
		return provisionWithTUI(ctx, rt)
	}

	s, err := rt.orchestrator.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "provisioning failed")
	}
	printSession(s)

	if s.Phase == db.PhaseFailed && cfg.HoldOnFailure && rt.api != nil {
		slog.Info("holding_for_retry", "listen_addr", cfg.ListenAddr)
		select {
		case <-rt.orchestrator.Done():
			latest, err := rt.orchestrator.Current(ctx)
			if err != nil {
				return err
			}
			printSession(latest)
			return nil
		case <-ctx.Done():
		}
		if s, err = rt.orchestrator.Current(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	if s.Phase != db.PhaseComplete {
		return fmt.Errorf("session %s ended in %s: %s", s.ID, s.Phase, s.LastError)
	}
	return nil
}

func provisionWithTUI(ctx context.Context, rt *runtime) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(rt.orchestrator.Retry), tea.WithContext(ctx))
	rt.orchestrator.AddObserver(tui.Observer(p))

	go func() {
		s, err := rt.orchestrator.Start(ctx)
		if err != nil {
			slog.Error("provisioning_failed", "error", err)
			return
		}
		p.Send(tui.SessionMsg{Session: *s})
	}()

	if _, err := p.Run(); err != nil && !stderrors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "status view failed")
	}
	return nil
}

func printSession(s *db.Session) {
	fmt.Printf("%-22s %s\n", "SESSION", s.ID)
	fmt.Printf("%-22s %s\n", "PHASE", s.Phase)
	fmt.Printf("%-22s %s\n", "STATUS", s.StatusLine())
	if s.Phase == db.PhaseFailed {
		fmt.Printf("%-22s %s (%s)\n", "FAILED AT", s.FailedPhase, s.FailureReason)
		fmt.Printf("%-22s %s\n", "ERROR", s.LastError)
	}
}
