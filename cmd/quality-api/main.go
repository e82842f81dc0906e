package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go-pixel-quality/internal/api"
	"go-pixel-quality/internal/api/handler"
	"go-pixel-quality/internal/conditions"
	"go-pixel-quality/internal/config"
	"go-pixel-quality/internal/observability"
	"go-pixel-quality/internal/publish"
	"go-pixel-quality/internal/store"
	"go-pixel-quality/pkg/router"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := serve(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	db, err := store.InitDB(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := observability.NewPromMetrics(nil)

	fetcher, closeSource, err := conditions.Open(ctx, cfg.Conditions, logger, metrics)
	if err != nil {
		return err
	}
	defer closeSource()

	h := &handler.TraversalHandler{
		Store:       db,
		Fetcher:     fetcher,
		Metrics:     metrics,
		Logger:      logger,
		Defaults:    cfg.Spec(),
		OutputDir:   cfg.Output.Dir,
		LumiDir:     cfg.Server.LumiDir,
		JobTimeout:  cfg.Server.JobTimeout,
		BaseContext: ctx,
	}
	if cfg.Output.Publish.Enabled() {
		p, err := publish.NewMinioPublisher(cfg.Output.Publish)
		if err != nil {
			return err
		}
		h.Publisher = p
	}

	// Create router and register API routes
	r := router.New()
	api.RegisterRoutes(r, h, metrics.Handler())

	err = r.Start(ctx, cfg.Server.Addr)
	h.Wait()
	return err
}
