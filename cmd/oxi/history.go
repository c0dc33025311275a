package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oxiview/oxi/internal/store"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query persisted readings",
	Long: `Lists persisted readings, newest first.

Examples:
  # Last 20 readings
  oxi history

  # A time window
  oxi history --from 2025-06-01T00:00:00Z --to 2025-06-02T00:00:00Z --limit 100

  # Readings not yet forwarded to the remote sink
  oxi history --unsynced`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyFrom     string
	historyTo       string
	historyLimit    int
	historyUnsynced bool
)

func init() {
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "Range start (RFC3339; default epoch)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "Range end (RFC3339; default now)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum readings to list")
	historyCmd.Flags().BoolVar(&historyUnsynced, "unsynced", false, "List only readings pending sync, oldest first")
}

func parseBound(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", value, err)
	}
	return ts, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	from, err := parseBound(historyFrom)
	if err != nil {
		return err
	}
	to, err := parseBound(historyTo)
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

	ctx := context.Background()

	var readings []store.Reading
	if historyUnsynced {
		readings = db.UnsyncedReadings(ctx, historyLimit)
	} else {
		readings = db.ReadingsInRange(ctx, from, to, historyLimit)
	}

	if len(readings) == 0 {
		fmt.Println("No readings.")
		return nil
	}

	pending := color.New(color.FgYellow)
	fmt.Printf("%-6s %-25s %5s %6s  %s\n", "ID", "TIMESTAMP", "BPM", "SPO2", "SYNC")
	for _, r := range readings {
		syncMark := "yes"
		line := fmt.Sprintf("%-6d %-25s %5d %5d%%",
			r.ID, r.Timestamp.Format(time.RFC3339), r.BPM, r.SpO2)
		if r.Synced {
			fmt.Printf("%s  %s\n", line, syncMark)
		} else {
			pending.Printf("%s  pending\n", line)
		}
	}
	return nil
}
