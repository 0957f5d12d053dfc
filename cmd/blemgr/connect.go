package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/manager"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-id>",
	Short: "Connect to a device and stream its subscribed characteristics",
	Long: `Connect to a device by transport id or hardware id and print the values
of its subscribed characteristics until interrupted.

The device does not have to be in range yet: the connection is made as soon
as it is discovered. An unexpected disconnect is followed by one reconnect.`,
	Example: `  blemgr connect AA:BB:CC:DD:EE:FF --subscribe 180d/2a37
  blemgr connect AA:BB:CC:DD:EE:FF --read 180f/2a19 --duration 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectTimeout   time.Duration
	connectDuration  time.Duration
	connectFormat    string
	connectReads     []string
	connectSubscribe []string
)

func init() {
	connectCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 0, "Connect timeout (default from connect_timeout)")
	connectCmd.Flags().DurationVarP(&connectDuration, "duration", "d", 0, "Stay connected this long (0 for until interrupted)")
	connectCmd.Flags().StringVarP(&connectFormat, "format", "f", "table", "Output format (table, json)")
	connectCmd.Flags().StringSliceVarP(&connectReads, "read", "r", nil, "Read these characteristics once connected (service/characteristic)")
	connectCmd.Flags().StringSliceVarP(&connectSubscribe, "subscribe", "s", nil, "Subscribe the device to service or service/characteristic")
}

func runConnect(cmd *cobra.Command, args []string) error {
	if err := validateFormat(connectFormat); err != nil {
		return err
	}
	id := args[0]
	reads := make([]device.CharRef, 0, len(connectReads))
	for _, r := range connectReads {
		ref, err := device.ParseCharRef(r)
		if err != nil {
			return err
		}
		reads = append(reads, ref)
	}
	subs, err := parseSubscriptions(connectSubscribe)
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
	if connectDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectDuration)
		defer cancel()
	}

	s, err := openSession(ctx, cfg, logger, func(o *manager.Options) {
		if connectTimeout > 0 {
			o.ConnectTimeout = connectTimeout
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			logger.WithField("error", cerr).Warn("Session shutdown incomplete")
		}
	}()

	c := &connection{
		manager: s.manager,
		logger:  logger,
		printer: newEventPrinter(cmd.OutOrStdout(), connectFormat),
		id:      id,
		subs:    subs,
		reads:   reads,
	}
	return s.run(ctx, c.run)
}

// connection drives one connect command session.
type connection struct {
	manager *manager.Manager
	logger  *logrus.Logger
	printer *eventPrinter
	id      string
	subs    []device.Subscription
	reads   []device.CharRef
}

func (c *connection) run(ctx context.Context) error {
	events := c.manager.Listen(c.id)
	defer events.Close()

	if err := c.manager.Scan(ctx); err != nil {
		return err
	}
	future, err := c.manager.Connect(ctx, c.id)
	if err != nil {
		return err
	}
	if err := future.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			future.Cancel()
		}
		return err
	}
	// The future reports the transport id; hardware ids are resolved by now.
	id := future.DeviceID()

	for _, sub := range c.subs {
		if err := c.manager.Subscribe(ctx, id, sub); err != nil {
			return err
		}
	}
	for _, ref := range c.reads {
		result, err := c.manager.Read(ctx, id, ref, func(err error) {
			if err != nil {
				c.logger.WithFields(logrus.Fields{"device": id, "char_uuid": ref.String(), "error": err}).Warn("Read failed")
			}
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", ref, err)
		}
		c.logger.WithFields(logrus.Fields{"char_uuid": ref.String(), "result": result}).Debug("Read requested")
	}

	return c.stream(ctx, events)
}

// stream prints device events until ctx ends or the connection is gone for good.
func (c *connection) stream(ctx context.Context, events *manager.Listener) error {
	lost := false
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
				continue
			case manager.EventError:
				if errors.Is(e.Err, device.ErrUnexpectedDisconnect) {
					lost = true
				}
			case manager.EventStateChanged:
				if e.State == device.Connected {
					lost = false
				}
			case manager.EventEvicted:
				if err := c.printer.print(e); err != nil {
					return err
				}
				return fmt.Errorf("%w: %s", device.ErrUnknownDevice, e.Reason)
			case manager.EventConnectFailed:
				if err := c.printer.print(e); err != nil {
					return err
				}
				if lost {
					return ErrConnectionLost
				}
				return e.Err
			}
			if err := c.printer.print(e); err != nil {
				return err
			}
		}
	}
}
