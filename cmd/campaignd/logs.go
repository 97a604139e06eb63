package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/eventlog"
	"github.com/foxzi/campaignd/internal/job"
)

var logsListLimit int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Campaign event log commands",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent campaign events, newest first",
	RunE:  runLogsList,
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all campaign events",
	RunE:  runLogsClear,
}

func init() {
	logsListCmd.Flags().IntVar(&logsListLimit, "limit", 50, "Maximum number of entries to show (0 for all)")

	logsCmd.AddCommand(logsListCmd, logsClearCmd)
	rootCmd.AddCommand(logsCmd)
}

func openEventLog() (*job.BoltStorage, *eventlog.BoltSink, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	storage, err := job.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	sink, err := eventlog.NewBoltSink(storage.DB(), cfg.EventLog.MaxEntries, nil)
	if err != nil {
		storage.Close()
		return nil, nil, err
	}

	return storage, sink, nil
}

func runLogsList(cmd *cobra.Command, args []string) error {
	storage, sink, err := openEventLog()
	if err != nil {
		return err
	}
	defer storage.Close()

	entries, err := sink.List(context.Background(), logsListLimit)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No log entries")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  %-7s  %s\n", e.Time, e.Type, e.Text)
	}

	return nil
}

func runLogsClear(cmd *cobra.Command, args []string) error {
	storage, sink, err := openEventLog()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := sink.Clear(context.Background()); err != nil {
		return fmt.Errorf("failed to clear logs: %w", err)
	}

	fmt.Println("Logs cleared")
	return nil
}
