package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/handoff"
)

var (
	cleanupAll      bool
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove downloaded artifacts",
	Long: `Remove downloaded artifacts:
  --all        Remove artifacts of complete sessions, then orphaned files
  --orphaned   Remove files no session refers to`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all artifacts of finished sessions")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove orphaned artifacts")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupAll && !cleanupOrphaned {
		return fmt.Errorf("must specify --all or --orphaned")
	}

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

	if cleanupAll {
		if err := cleanupSessionArtifacts(ctx, repo, sessions); err != nil {
			return err
		}
	}
	return cleanupOrphanedArtifacts(sessions)
}

// cleanupSessionArtifacts removes the artifacts of complete sessions. A
// failed session keeps its artifact so an install retry can reuse it.
func cleanupSessionArtifacts(ctx context.Context, repo *db.Repository, sessions []*db.Session) error {
	for _, s := range sessions {
		if s.Phase != db.PhaseComplete || s.LocalArtifactPath == "" {
			continue
		}
		if err := os.Remove(s.LocalArtifactPath); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Failed to remove %s: %v\n", s.LocalArtifactPath, err)
			continue
		}
		if err := repo.ClearArtifact(ctx, s.ID); err != nil {
			return errors.Wrap(err, "failed to update database")
		}
		fmt.Printf("Removed: %s\n", s.LocalArtifactPath)
		s.LocalArtifactPath = ""
	}
	return nil
}

func cleanupOrphanedArtifacts(sessions []*db.Session) error {
	referenced := make(map[string]bool)
	for _, s := range sessions {
		if s.LocalArtifactPath != "" {
			referenced[filepath.Clean(s.LocalArtifactPath)] = true
		}
	}

	downloadDir := handoff.DownloadDir(cfg.WorkDir)
	entries, err := os.ReadDir(downloadDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read download directory")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(downloadDir, entry.Name())
		if referenced[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			fmt.Printf("Failed to remove orphaned artifact %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Printf("Removed orphaned artifact: %s\n", entry.Name())
		removed++
	}

	fmt.Printf("Removed %d orphaned artifact(s)\n", removed)
	return nil
}
