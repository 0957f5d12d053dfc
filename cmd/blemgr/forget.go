package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/store"
)

// forgetCmd represents the forget command
var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Remove a remembered device from the store",
	Long: `Remove a stored device record. The id may be the record id, the
device's hardware id or its last known transport id.`,
	Args: cobra.ExactArgs(1),
	RunE: runForget,
}

// findRecord matches id against record, hardware and transport ids, in that order.
func findRecord(records []store.Record, id string) (store.Record, bool) {
	if id == "" {
		return store.Record{}, false
	}
	for _, match := range []func(store.Record) string{
		func(r store.Record) string { return r.ID },
		func(r store.Record) string { return r.HardwareID },
		func(r store.Record) string { return r.TransportID },
	} {
		for _, r := range records {
			if match(r) == id {
				return r, true
			}
		}
	}
	return store.Record{}, false
}

func runForget(cmd *cobra.Command, args []string) error {
	s, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx := context.WithoutCancel(cmd.Context())
	records, err := s.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch devices: %w", err)
	}
	rec, ok := findRecord(records, args[0])
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, args[0])
	}
	if err := s.RemoveRecord(ctx, rec.ID); err != nil {
		return fmt.Errorf("forget %s: %w", args[0], err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s (record %s)\n", rec.Key(), rec.ID)
	return err
}
