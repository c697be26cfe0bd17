// Command testsmith runs the analysis service: a REST API that clones
// repositories, generates unit tests for them with a language model, and
// reports coverage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/testsmith/internal/artifact"
	"github.com/dusk-indust/testsmith/internal/config"
	"github.com/dusk-indust/testsmith/internal/detect"
	"github.com/dusk-indust/testsmith/internal/genai"
	"github.com/dusk-indust/testsmith/internal/mcptools"
	"github.com/dusk-indust/testsmith/internal/orchestrator"
	"github.com/dusk-indust/testsmith/internal/repo"
	"github.com/dusk-indust/testsmith/internal/server"
	"github.com/dusk-indust/testsmith/internal/task"
	"github.com/dusk-indust/testsmith/internal/testrun"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "testsmith:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("testsmith", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	addr := fs.String("addr", "", "listen address, overrides the config file")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println("testsmith", version)
		return nil
	}

	// Missing .env is the common case outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	store, err := buildStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0o755); err != nil {
		return fmt.Errorf("prepare work dir %s: %w", cfg.Pipeline.WorkDir, err)
	}

	registry := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(registry)

	collab := orchestrator.Collaborators{
		Cloner:   repo.NewGitCloner(),
		Detector: detect.NewTreeSitterDetector(),
		Generator: genai.NewLLMGenerator(genai.Config{
			Model:   cfg.AI.Model,
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
		}, logger.Named("genai")),
		Runner: testrun.NewSubprocessRunner(testrun.Config{}, logger.Named("testrun")),
	}

	orch, err := orchestrator.New(store,
		orchestrator.DefaultPipeline(collab, cfg.Pipeline.StageTimeout),
		orchestrator.Config{
			WorkDir:          cfg.Pipeline.WorkDir,
			StageTimeout:     cfg.Pipeline.StageTimeout,
			AnalysisTimeout:  cfg.Pipeline.AnalysisTimeout,
			MaxConcurrent:    cfg.Pipeline.MaxConcurrent,
			EstimatedSeconds: cfg.Pipeline.EstimatedSeconds,
		},
		logger.Named("orchestrator"), metrics)
	if err != nil {
		return err
	}

	packager := artifact.NewPackager(orch)

	janitor := task.NewJanitor(store, task.JanitorConfig{
		Retention:     cfg.Retention.TTL,
		SweepInterval: cfg.Retention.SweepInterval,
		LostAfter:     cfg.Retention.LostAfter,
	}, logger.Named("janitor"), func(id string) {
		packager.Invalidate(id)
		orch.DropResult(id)
	})

	srv := server.New(cfg.Server.Addr, version, orch, packager, registry, logger.Named("http"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		janitor.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.MCP.Enabled {
		mcpServer := mcptools.NewServer(orch, version)
		g.Go(func() error {
			return mcptools.RunHTTP(ctx, mcpServer, cfg.MCP.Addr, logger.Named("mcp"))
		})
	}

	logger.Info("testsmith started", zap.String("version", version))
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("testsmith stopped")
	return nil
}

// buildLogger constructs the process logger from the logging config.
func buildLogger(cfg config.Logging) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// buildStore constructs the task store named by the config.
func buildStore(cfg config.Store) (task.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return task.NewSQLiteStore(cfg.Path)
	default:
		return task.NewMemoryStore(), nil
	}
}
