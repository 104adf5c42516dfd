package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/storage"
)

var (
	historyConfigPath string
	historyLimit      int
	historySource     string
	historyKind       string
	historySince      time.Duration
	historyJSON       bool
	historyOlderThan  time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and prune execution history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions, newest first",
	RunE:  runHistoryList,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history older than the retention period",
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyConfigPath, "config", config.DefaultConfigPath(), "path to config file")

	historyListCmd.Flags().IntVar(&historyLimit, "limit", storage.DefaultListLimit, "maximum records to show")
	historyListCmd.Flags().StringVar(&historySource, "source", "", "only this source (http, ws, mcp, cli)")
	historyListCmd.Flags().StringVar(&historyKind, "kind", "", "only this outcome kind (e.g. runtime_fault)")
	historyListCmd.Flags().DurationVar(&historySince, "since", 0, "only records newer than this age (e.g. 24h)")
	historyListCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")

	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 0, "override the configured retention (e.g. 72h)")

	historyCmd.AddCommand(historyListCmd, historyPruneCmd)
}

// openHistory opens the configured store. The history section does not
// need to be enabled to inspect or prune an existing database.
func openHistory() (storage.ExecutionStore, *config.Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	cfg, err := loadConfig(historyConfigPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, cfg, nil
}

func runHistoryList(_ *cobra.Command, _ []string) error {
	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	filter := storage.ListFilter{
		Limit:  historyLimit,
		Source: storage.Source(historySource),
		Kind:   historyKind,
	}
	if historySince > 0 {
		filter.Since = time.Now().Add(-historySince)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	records, err := store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing history: %w", err)
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSOURCE\tKIND\tDURATION\tCODE BYTES\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%d\t%s\n",
			r.ID, r.CreatedAt.Format(time.RFC3339), r.Source, r.Kind, r.DurationMS, r.CodeBytes, r.Error)
	}
	return tw.Flush()
}

func runHistoryPrune(_ *cobra.Command, _ []string) error {
	store, cfg, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	maxAge := historyOlderThan
	if maxAge <= 0 {
		maxAge = cfg.History.Retention()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-maxAge)
	n, err := store.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	fmt.Printf("removed %d records older than %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
