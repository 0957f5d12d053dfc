package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/manager"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover BLE devices advertising the subscribed services",
	Long: `Run the session manager in discovery mode and print what happens to
nearby peripherals: discoveries, liveness loss and evictions.

The scan filter is the set of services of the configured subscriptions plus
any given with --subscribe. Without subscriptions every peripheral is reported.
Known devices are printed when the scan ends.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanMode      string
	scanSubscribe []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanMode, "mode", "m", "", "Scan mode (once, duplicates, periodic); overrides scan_mode")
	scanCmd.Flags().StringSliceVarP(&scanSubscribe, "subscribe", "s", nil, "Extra subscriptions as service or service/characteristic")
}

// parseSubscriptions parses "service" and "service/characteristic" arguments.
func parseSubscriptions(args []string) ([]device.Subscription, error) {
	subs := make([]device.Subscription, 0, len(args))
	for _, arg := range args {
		if ref, err := device.ParseCharRef(arg); err == nil {
			subs = append(subs, device.NewSubscription(ref.Service, ref.Characteristic))
			continue
		}
		uuids, err := device.ValidateUUID(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription %q: %w", arg, err)
		}
		subs = append(subs, device.NewSubscription(uuids[0], ""))
	}
	return subs, nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(scanFormat); err != nil {
		return err
	}
	var mode manager.ScanMode
	if scanMode != "" {
		var err error
		if mode, err = manager.ParseScanMode(scanMode); err != nil {
			return err
		}
	}
	extra, err := parseSubscriptions(scanSubscribe)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if scanDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}

	s, err := openSession(ctx, cfg, logger, func(o *manager.Options) {
		if scanMode != "" {
			o.ScanMode = mode
		}
		o.Subscriptions = append(o.Subscriptions, extra...)
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			logger.WithField("error", cerr).Warn("Session shutdown incomplete")
		}
	}()

	out := cmd.OutOrStdout()
	err = s.run(ctx, func(ctx context.Context) error {
		return watchDiscovery(ctx, s.manager, newEventPrinter(out, scanFormat))
	})
	if err != nil {
		return err
	}
	return printDevices(out, s.manager.Devices(), scanFormat)
}

// watchDiscovery starts the scan and prints registry events until ctx ends.
// A device's discovery is printed again only after it was lost or evicted.
func watchDiscovery(ctx context.Context, m *manager.Manager, p *eventPrinter) error {
	events := m.Listen("")
	defer events.Close()

	if err := m.Scan(ctx); err != nil {
		return err
	}

	present := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events.C():
			if !ok {
				return nil
			}
			switch e.Type {
			case manager.EventDiscovered:
				if present[e.DeviceID] {
					continue
				}
				present[e.DeviceID] = true
			case manager.EventLost, manager.EventEvicted:
				delete(present, e.DeviceID)
			case manager.EventPowerChanged, manager.EventError:
			default:
				continue
			}
			if err := p.print(e); err != nil {
				return err
			}
		}
	}
}
