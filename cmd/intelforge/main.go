// Package main provides the entry point for IntelForge.
// It merges enriched indicator feeds, correlates them into a graph and scores
// them, either once from the command line or on demand behind an HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/api"
	"github.com/lvonguyen/intelforge/internal/config"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/pipeline"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const usage = `usage: intelforge [-config path] [-date YYYY-MM-DD] <command>

commands:
  merge      reconcile enriched feeds into merged records
  correlate  build and export the correlation graph
  score      score merged records
  run        merge, correlate and score
  serve      start the HTTP API
`

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command-line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	date := flag.String("date", "", "Date to process (YYYY-MM-DD, default today UTC)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("IntelForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		return 0
	}

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	command := flag.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intelforge: %v\n", err)
		return 1
	}
	cfg.Telemetry.ServiceVersion = Version
	cfg.ApplyWorkers()

	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intelforge: initializing telemetry: %v\n", err)
		return 1
	}
	logger := tel.Logger()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	// Setup context with cancellation for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(cfg, tel)
	if *date == "" {
		*date = p.Today()
	}

	logger.Info("Starting IntelForge",
		zap.String("version", Version),
		zap.String("command", command),
		zap.String("config", *configPath),
		zap.String("date", *date),
	)

	var result any
	switch command {
	case pipeline.StageMerge, pipeline.StageCorrelate, pipeline.StageScore:
		result, err = p.RunStage(ctx, command, *date)
	case "run":
		result, err = p.Run(ctx, *date)
	case "serve":
		err = serve(ctx, cfg, p, tel)
	default:
		flag.Usage()
		return 2
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		return 1
	}

	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Error("Writing result failed", zap.Error(err))
			return 1
		}
	}
	return 0
}

// loadConfig reads path, falling back to defaults when the default path is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == "configs/config.yaml" {
		return config.DefaultConfig(), nil
	}
	return nil, err
}

func serve(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline, tel *observability.Telemetry) error {
	logger := tel.Logger()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, rate limiting fails open", zap.Error(err))
		}
	}

	handler := api.NewServer(p, tel, api.Options{
		Version:        Version,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		RequestTimeout: cfg.Server.WriteTimeout,
		Redis:          rdb,
		RateLimit:      cfg.RateLimit,
	})

	tel.StartSystemMetricsCollector(ctx)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
