package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meko-christian/imap-fleet/internal/config"
	"github.com/meko-christian/imap-fleet/internal/mailboxstore"
	"github.com/meko-christian/imap-fleet/internal/sqlitedb"
	"github.com/meko-christian/imap-fleet/internal/statusstore"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the mailbox store is reachable and report active mailbox counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		db, err := sqlitedb.Open(cfg.MailboxStorePath)
		if err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mailboxes, err := mailboxstore.New(db).ListActive(ctx)
		if err != nil {
			return fmt.Errorf("list active mailboxes: %w", err)
		}

		needing, err := statusstore.New(db).NeedingReconnection(ctx)
		if err != nil {
			return fmt.Errorf("query reconnection status: %w", err)
		}

		fmt.Printf("store ok: %s\n", cfg.MailboxStorePath)
		fmt.Printf("active mailboxes: %d\n", len(mailboxes))
		fmt.Printf("mailboxes needing reconnection: %d\n", len(needing))
		for _, rec := range needing {
			fmt.Printf("  %s: state=%s failures=%d\n", rec.MailboxID, rec.State, rec.Failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
