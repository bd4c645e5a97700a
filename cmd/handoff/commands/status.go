package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetkit/handoff/pkg/errors"
)

var statusHistory bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the provisioning session and its phase history",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Show phase transitions")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	sessions, err := repo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(sessions) == 0 {
		fmt.Println("No provisioning session found")
		return nil
	}

	printSession(sessions[0])
	fmt.Printf("%-22s %s\n", "UPDATED", sessions[0].UpdatedAt)

	if statusHistory {
		history, err := repo.History(ctx, sessions[0].ID)
		if err != nil {
			return errors.Wrap(err, "history failed")
		}

		fmt.Println()
		fmt.Printf("%-20s %-38s %-26s %-26s\n", "AT", "ATTEMPT", "FROM", "TO")
		fmt.Println("--------------------------------------------------------------------------------------------------------------")
		for _, t := range history {
			attempt := t.AttemptID
			if attempt == "" {
				attempt = "-"
			}
			fmt.Printf("%-20s %-38s %-26s %-26s\n", t.CreatedAt, attempt, t.From, t.To)
		}
	}

	if len(sessions) > 1 {
		fmt.Printf("\n%d earlier session(s) on record\n", len(sessions)-1)
	}
	return nil
}
