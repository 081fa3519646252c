package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mkrv/dispatchly/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job queue statistics",
	RunE:  runQueueStats,
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove old completed and failed jobs",
	RunE:  runQueueSweep,
}

func init() {
	queueCmd.AddCommand(queueStatsCmd, queueSweepCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	return storage, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	fmt.Fprintf(w, "waiting\t%d\n", stats.Waiting)
	fmt.Fprintf(w, "delayed\t%d\n", stats.Delayed)
	fmt.Fprintf(w, "active\t%d\n", stats.Active)
	fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "total\t%d\n", stats.Total)
	return w.Flush()
}

func runQueueSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("failed to open queue storage: %w", err)
	}
	defer storage.Close()

	n, err := storage.Sweep(context.Background(), cfg.Queue.CompletedMaxAge, cfg.Queue.FailedMaxAge)
	if err != nil {
		return fmt.Errorf("failed to sweep queue: %w", err)
	}

	fmt.Printf("Removed %d terminal jobs\n", n)
	return nil
}
