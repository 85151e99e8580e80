package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/dstanwood/trellis/internal/cache"
	"github.com/dstanwood/trellis/internal/config"
	"github.com/dstanwood/trellis/internal/knowledge"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries and stale persisted patterns",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	cacheMeta := cache.NewStore(pool)
	resultCache := cache.New(cfg.Redis.URL, cacheMeta)

	removedEntries, err := resultCache.CleanupExpired(ctx)
	if err != nil {
		return err
	}

	knowledgeStore := knowledge.NewStore(pool)
	removedPatterns, err := knowledgeStore.DeletePatternsOlderThan(ctx, cfg.Pattern.HistoryRetentionDays)
	if err != nil {
		return err
	}

	slog.Info("sweep complete",
		"cache_entries_removed", removedEntries,
		"patterns_removed", removedPatterns,
	)
	return nil
}
