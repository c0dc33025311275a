package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oxiview/oxi/internal/peripheral/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE pulse oximeters",
	Long: `Scans for nearby BLE devices and highlights the ones advertising the
oximeter service.

Examples:
  # Default 10s scan
  oxi scan

  # Longer scan window
  oxi scan --duration 30s`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 0, "Scan duration (default from config)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanDuration > 0 {
		cfg.ScanTimeout = scanDuration
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	provider := goble.NewProvider(goble.Config{
		ServiceUUID: cfg.ServiceUUID,
		ScanTimeout: cfg.ScanTimeout,
	}, logger)

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", cfg.ScanTimeout)
	devices, err := provider.Scan(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	oximeter := color.New(color.FgGreen, color.Bold)
	fmt.Printf("%-20s %-24s %6s  %s\n", "ADDRESS", "NAME", "RSSI", "")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		line := fmt.Sprintf("%-20s %-24s %6d", d.Address, name, d.RSSI)
		if d.HasService {
			oximeter.Printf("%s  oximeter\n", line)
		} else {
			fmt.Println(line)
		}
	}
	return nil
}
