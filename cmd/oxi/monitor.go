package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oxiview/oxi/internal/peripheral/goble"
	"github.com/oxiview/oxi/internal/session"
	"github.com/oxiview/oxi/internal/store"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [device-address]",
	Short: "Stream live vitals from an oximeter",
	Long: `Connects to a pulse oximeter and streams live vitals. Every measurement is
persisted locally, so history and sync work offline.

Without a device address the first oximeter advertising the service is used.

Examples:
  # Pick the first oximeter found
  oxi monitor

  # Pin a known device and reconnect automatically on drops
  oxi monitor AA:BB:CC:DD:EE:FF --reconnect`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorReconnect bool
	monitorTimeout   time.Duration
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorReconnect, "reconnect", false, "Reconnect automatically when the link drops")
	monitorCmd.Flags().DurationVar(&monitorTimeout, "timeout", 0, "Connection timeout (default from config)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if monitorTimeout > 0 {
		cfg.ConnectTimeout = monitorTimeout
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

	db, err := store.Open(store.Options{
		DBPath:       cfg.DBPath,
		FallbackPath: cfg.FallbackPath,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	var address string
	if len(args) == 1 {
		address = args[0]
	}
	provider := goble.NewProvider(goble.Config{
		Address:        address,
		ServiceUUID:    cfg.ServiceUUID,
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger)

	sess := session.New(provider, db, session.Options{
		ServiceUUID:    cfg.ServiceUUID,
		WaveformWindow: cfg.WaveformWindow,
		Logger:         logger,
	})
	defer sess.Close()

	// Push state transitions into a channel so the render loop owns stdout.
	stateCh := make(chan session.State, 8)
	cancelStates := sess.OnStateChange(func(st session.State) {
		select {
		case stateCh <- st:
		default:
		}
	})
	defer cancelStates()

	fmt.Fprintln(os.Stderr, "Connecting... Press Ctrl+C to stop.")
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if sess.State() != session.Streaming {
		// Selection was cancelled; nothing to stream.
		return nil
	}

	return renderLoop(ctx, sess, stateCh)
}

// renderLoop prints a vitals line every second until the user stops or the
// session ends without a way back.
func renderLoop(ctx context.Context, sess *session.Session, stateCh <-chan session.State) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil

		case st := <-stateCh:
			switch st {
			case session.Disconnected:
				fmt.Println()
				if !monitorReconnect {
					return errors.New("connection lost")
				}
				fmt.Fprintln(os.Stderr, "Connection lost - reconnecting...")
				if err := sess.Reconnect(ctx); err != nil {
					return err
				}
			case session.Streaming:
				fmt.Fprintln(os.Stderr, "Streaming.")
			}

		case <-ticker.C:
			if sess.State() == session.Streaming {
				printVitals(sess.Vitals(), len(sess.Waveform()))
			}
		}
	}
}

func printVitals(v session.Vitals, wavePoints int) {
	if v.Timestamp.IsZero() {
		fmt.Print("\rwaiting for data...")
		return
	}

	spo2 := color.New(color.FgGreen)
	switch {
	case v.SpO2 < 90:
		spo2 = color.New(color.FgRed, color.Bold)
	case v.SpO2 < 95:
		spo2 = color.New(color.FgYellow)
	}

	fmt.Printf("\r%s  %3d bpm  SpO2 %s  wave %3d pts",
		v.Timestamp.Format("15:04:05"),
		v.BPM,
		spo2.Sprintf("%3d%%", v.SpO2),
		wavePoints,
	)
}
