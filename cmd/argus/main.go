package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bdougie/argus/internal/analyzer"
	"github.com/bdougie/argus/internal/api"
	"github.com/bdougie/argus/internal/config"
	"github.com/bdougie/argus/internal/recognition"
	"github.com/bdougie/argus/internal/storage"
	"github.com/bdougie/argus/internal/zones"
)

const usage = `Usage:
  argus [--config argus.json] process <stream.jsonl>...
  argus [--config argus.json] serve

process derives events from detection streams and exits.
serve runs the control API; pipelines are started over HTTP.`

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Configure logger
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "process":
		if len(args) < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = run(ctx, cfg, logger, func(m *analyzer.Manager, _ storage.Store) error {
			return process(ctx, m, args[1:])
		})
	case "serve":
		err = run(ctx, cfg, logger, func(m *analyzer.Manager, store storage.Store) error {
			return serve(ctx, cfg.Addr, m, store, logger)
		})
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("argus failed", "error", err)
		os.Exit(1)
	}
}

// run builds the shared services, hands a manager to fn and releases
// everything once fn returns.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*analyzer.Manager, storage.Store) error) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	recognizer, err := newRecognizer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	saved, err := store.LoadZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to load zones: %w", err)
	}
	zm := zones.NewManager()
	for source, poly := range saved {
		zm.Set(source, poly)
	}
	logger.Debug("zones loaded", "count", len(saved))

	m := analyzer.NewManager(ctx, analyzer.ManagerOptions{
		Config:     cfg.AnalyzerConfig(),
		Zones:      zm,
		Recognizer: recognizer,
		Store:      store,
		Logger:     logger,
		MaxWorkers: cfg.Pipeline.MaxWorkers,
	})
	defer m.Wait()

	return fn(m, store)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return storage.NewPostgresStore(ctx, cfg.Storage.DSN)
	case config.DriverFile:
		return storage.NewJSONFileStore(cfg.Storage.DSN)
	default:
		return storage.OpenSQLite(cfg.Storage.DSN, logger)
	}
}

func newRecognizer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (recognition.Recognizer, error) {
	if cfg.Recognition.Engine == config.RecognizerVision {
		r, err := recognition.NewAgentRecognizer(ctx, cfg.AgentConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vision recognizer: %w", err)
		}
		return r, nil
	}
	return recognition.RecordedRecognizer{}, nil
}

// process runs every stream to completion; the source id is the file name
// without its extension.
func process(ctx context.Context, m *analyzer.Manager, paths []string) error {
	jobs := make([]analyzer.Job, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		jobs = append(jobs, analyzer.Job{Path: p, SourceID: name})
	}

	start := time.Now()
	err := m.ProcessAll(ctx, jobs)
	slog.Info("processing finished", "sources", len(jobs), "elapsed", time.Since(start).Round(time.Millisecond))
	return err
}

func serve(ctx context.Context, addr string, m *analyzer.Manager, store storage.Store, logger *slog.Logger) error {
	srv := api.NewServer(m, store, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
