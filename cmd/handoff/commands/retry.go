package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry the failed step of the provisioning session",
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.orchestrator.Retry(ctx)
	if err != nil {
		return errors.Wrap(err, "retry failed")
	}
	printSession(s)

	if s.Phase != db.PhaseComplete {
		return fmt.Errorf("session %s ended in %s: %s", s.ID, s.Phase, s.LastError)
	}
	return nil
}
