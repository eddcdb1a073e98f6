package main

import (
	"log/slog"
	"os"

	"github.com/meko-christian/imap-fleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
