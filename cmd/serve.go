// cmd/serve.go
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meko-christian/imap-fleet/internal/app"
	"github.com/meko-christian/imap-fleet/internal/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion fleet: schedule, poll/idle, and ship envelopes to the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		fleetApp, err := app.New(cfg)
		if err != nil {
			return err
		}

		slog.Info("starting fleet", "mailbox_store", cfg.MailboxStorePath, "obs_addr", cfg.ObsHTTPAddr)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return fleetApp.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
