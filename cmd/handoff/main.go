package main

import (
	"log/slog"
	"os"

	"github.com/fleetkit/handoff/cmd/handoff/commands"
)

func main() {
	// Replaced once configuration is loaded.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
