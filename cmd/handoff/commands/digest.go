package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/security"
)

var digestCmd = &cobra.Command{
	Use:   "digest <file>",
	Short: "Print the digest of an artifact in the form expected-digest takes",
	Args:  cobra.ExactArgs(1),
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := security.Digest(args[0])
		if err != nil {
			return errors.Wrap(err, "digest failed")
		}
		fmt.Println(d)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)
}
