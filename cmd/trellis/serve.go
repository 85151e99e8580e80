package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dstanwood/trellis/internal/api"
	"github.com/dstanwood/trellis/internal/cache"
	"github.com/dstanwood/trellis/internal/config"
	"github.com/dstanwood/trellis/internal/costtrack"
	"github.com/dstanwood/trellis/internal/dispatch"
	"github.com/dstanwood/trellis/internal/knowledge"
	"github.com/dstanwood/trellis/internal/metrics"
	"github.com/dstanwood/trellis/internal/pattern"
	"github.com/dstanwood/trellis/internal/session"
	"github.com/dstanwood/trellis/internal/tools/financial"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a trellis domain server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})

	knowledgeStore := knowledge.NewStore(pool)
	sessionStore := session.NewStore(pool)
	usageStore := costtrack.NewStore(pool)
	cacheMeta := cache.NewStore(pool)

	resultCache := cache.New(cfg.Redis.URL, cacheMeta)
	resultCache.SetMetrics(m)
	tracker := costtrack.NewTracker(usageStore, knowledgeStore, cfg.Budget.DailyLimit)
	tracker.SetMetrics(m)
	detector := pattern.NewDetector(knowledgeStore)

	server := dispatch.NewServer(cfg.ServerName(), cfg.Server.Domain, dispatch.Deps{
		Tracker:   tracker,
		Detector:  detector,
		Cache:     resultCache,
		Knowledge: knowledgeStore,
		Sessions:  sessionStore,
		Metrics:   m,
		ResultTTL: cfg.Cache.ResultTTL,
	})

	if cfg.Server.Domain == "financial" {
		server.MustRegister(financial.Tools()...)
	}
	slog.Info("tool server ready", "server", server.Name(), "tools", len(server.Tools()))

	// Prune in-memory trigger history once a day.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := detector.CleanupOldHistory(cfg.Pattern.HistoryRetentionDays)
				slog.Info("pattern history pruned", "entries_removed", removed)
			}
		}
	}()

	router := api.NewRouter(api.RouterDeps{
		Server:   server,
		Tracker:  tracker,
		Cache:    resultCache,
		Metrics:  m,
		AdminKey: cfg.Auth.AdminKey,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "domain", cfg.Server.Domain)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
