package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/store"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices remembered in the store",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

var devicesFormat string

func init() {
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "Output format (table, json)")
}

// openConfiguredStore opens the store named by the configuration; it never
// falls back to memory since there would be nothing to show.
func openConfiguredStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := configureLogger(cmd, cfg); err != nil {
		return nil, err
	}
	if cfg.StorePath == "" {
		return nil, ErrNoStore
	}
	return openStore(cfg.StorePath)
}

func runDevices(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(devicesFormat); err != nil {
		return err
	}
	s, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	records, err := s.Fetch(context.WithoutCancel(cmd.Context()))
	if err != nil {
		return fmt.Errorf("fetch devices: %w", err)
	}
	return printRecords(cmd.OutOrStdout(), records, devicesFormat)
}
