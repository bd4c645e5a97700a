package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fleetkit/handoff/internal/config"
	"github.com/fleetkit/handoff/pkg/errors"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Provisioning handoff - transfer device ownership to the management agent",
	Long: `Downloads, verifies and installs the management agent, grants it the
capabilities it needs, waits for it to activate and transfers device
ownership to it. Progress is persisted so the handoff survives restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		logger, err := loaded.Logger()
		if err != nil {
			return errors.Wrap(err, "logger setup failed")
		}
		slog.SetDefault(logger)
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".handoff/sessions.db", "SQLite database path")
	flags.String("fsm-db-path", ".handoff/fsm", "FSM state directory")
	flags.String("work-dir", ".handoff/work", "Directory for downloaded artifacts")
	flags.String("artifact-url", "", "URL of the management agent artifact (http, https or s3)")
	flags.String("expected-digest", "", "Expected SHA-256 digest of the artifact")
	flags.String("bootstrap-admin", "", "Admin component of the bootstrap agent (package/class)")
	flags.String("target-admin", "", "Admin component of the management agent (package/class)")
	flags.StringSlice("capabilities", nil, "Capabilities granted to the management agent")
	flags.String("platform", config.PlatformSimulate, "Platform backend: bridge or simulate")
	flags.String("bridge-url", "", "Base URL of the platform bridge")
	flags.String("listen-addr", "127.0.0.1:8089", "Control API listen address, empty to disable")
	flags.StringToString("transfer-metadata", nil, "Extra metadata handed to the management agent")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "artifact-url", "expected-digest",
		"bootstrap-admin", "target-admin", "capabilities", "platform", "bridge-url",
		"listen-addr", "transfer-metadata", "log-level", "log-format",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
