package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxiview/oxi/internal/store"
	"github.com/oxiview/oxi/internal/syncq"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync <endpoint>",
	Short: "Forward pending readings to a remote sink",
	Long: `Delivers readings that have not yet been forwarded to the remote sink and
marks the acknowledged ones. Delivery is at-least-once: the sink must
tolerate duplicate ids.

Examples:
  oxi sync https://vitals.example.com/api`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 30*time.Second, "Delivery timeout")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	db, err := store.Open(store.Options{
		DBPath:       cfg.DBPath,
		FallbackPath: cfg.FallbackPath,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	transport := syncq.NewRESTTransport(args[0], syncTimeout, logger)
	queue := syncq.NewQueue(db, transport, cfg.SyncBatchLimit, logger)

	marked, err := queue.Flush(context.Background())
	if err != nil {
		if marked > 0 {
			fmt.Printf("Synced %d reading(s) before the failure.\n", marked)
		}
		return err
	}

	if marked == 0 {
		fmt.Println("Nothing to sync.")
	} else {
		fmt.Printf("Synced %d reading(s).\n", marked)
	}
	return nil
}
