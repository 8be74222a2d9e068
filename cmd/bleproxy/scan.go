package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/arbiter"
	"github.com/srg/bleproxy/pkg/config"
)

// scanCmd is a diagnostic: run a passive scan and dump what the radio hears.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE advertisements",
	Long: `Run a passive scan and print the devices heard, with names, addresses,
RSSI values and advertised services. Useful for finding a battery module's
address before configuring it.`,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
}

type seenDevice struct {
	adv      adapter.Advertisement
	lastSeen time.Time
}

func runScan(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = "error"
	}
	cfg := config.Default()
	cfg.LogLevel = level
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.NewLogger()

	cmd.SilenceUsage = true

	adp, err := adapter.New(logger)
	if err != nil {
		return fmt.Errorf("failed to open Bluetooth adapter: %w", err)
	}

	arb := arbiter.New(adp, logger, nil)
	defer arb.Close()

	baseCtx := context.Background()
	if scanDuration > 0 {
		var cancel context.CancelFunc
		baseCtx, cancel = context.WithTimeout(baseCtx, scanDuration)
		defer cancel()
	}
	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := arb.Subscribe("scan-cli")
	defer arb.Unsubscribe(sub)
	arb.EnsureRunning("scan-cli")

	if scanDuration > 0 {
		fmt.Printf("Scanning for %s (Ctrl+C to stop early)...\n", scanDuration)
	} else {
		fmt.Println("Scanning until interrupted (Ctrl+C to stop)...")
	}

	seen := make(map[string]seenDevice)
	for {
		select {
		case <-ctx.Done():
			return printScanTable(seen)
		case adv, ok := <-sub.C():
			if !ok {
				return printScanTable(seen)
			}
			seen[adv.Address] = seenDevice{adv: adv, lastSeen: time.Now()}
		}
	}
}

func printScanTable(seen map[string]seenDevice) error {
	if len(seen) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	devices := make([]seenDevice, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].adv.RSSI > devices[j].adv.RSSI
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, d := range devices {
		name := d.adv.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(d.adv.ServiceUUIDs, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(d.lastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, d.adv.Address, d.adv.RSSI, services, lastSeen)
	}

	return w.Flush()
}
