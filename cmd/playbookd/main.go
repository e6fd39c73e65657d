// Playbookd is a daemon that maintains a playbook of reusable strategies,
// serves semantic retrieval over it, and learns from user feedback.
//
// Configuration is loaded from ~/.config/playbookd/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	playbookd
//
//	# Configure via environment
//	SERVER_PORT=8378 EMBEDDINGS_PROVIDER=tei playbookd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/chatlog"
	"github.com/fyrsmithlabs/playbookd/internal/config"
	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflector"
	"github.com/fyrsmithlabs/playbookd/internal/server"
	"github.com/fyrsmithlabs/playbookd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/playbookd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  playbookd           Start the playbookd daemon\n")
			fmt.Fprintf(os.Stderr, "  playbookd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("playbookd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the playbookd daemon and blocks until context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Create the embedding provider and the reflector chain
//  4. Load the persisted playbook and rebuild the engine state
//  5. Start the learning worker (and the pruner, if enabled)
//  6. Start the HTTP server
//  7. Perform graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting playbookd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	provider, err := embeddings.NewProvider(ctx, embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		APIKey:   cfg.Embeddings.APIKey.Value(),
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	defer provider.Close()

	logger.Info("Embedding provider initialized",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", provider.Dimension()))

	insights, err := initReflector(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create reflector: %w", err)
	}

	engine, err := initEngine(ctx, cfg, provider, insights, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize playbook engine: %w", err)
	}

	logger.Info("Playbook loaded",
		zap.String("dir", engine.dir),
		zap.Int("bullets", engine.store.Size()))

	if err := engine.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start learning worker: %w", err)
	}
	defer engine.worker.Stop()

	if engine.pruner != nil {
		if err := engine.pruner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pruner: %w", err)
		}
		defer engine.pruner.Stop()
	}

	chats := chatlog.NewStore(cfg.Chat.MaxRecords, logger)

	srv, err := server.NewServer(engine.store, engine.retriever, chats, engine.worker, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	// Worker must drain before the final commit so in-flight learning runs
	// are captured.
	engine.worker.Stop()

	snap := engine.store.Snapshot()
	snap.ProcessedFeedback = engine.counters.ProcessedIDs()
	if err := engine.persister.Commit(snap); err != nil {
		logger.Error("final playbook commit failed", zap.Error(err))
	}

	return nil
}

// engine bundles the wired playbook components.
type engine struct {
	dir       string
	store     *playbook.Store
	retriever *playbook.Retriever
	counters  *playbook.CounterUpdater
	persister *playbook.Persister
	worker    *playbook.Worker
	pruner    *playbook.Pruner
}

// initEngine builds the playbook engine and restores persisted state.
func initEngine(ctx context.Context, cfg *config.Config, provider embeddings.Provider, insights playbook.InsightSource, logger *zap.Logger) (*engine, error) {
	dir := cfg.Playbook.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "playbookd")
	}

	store, err := playbook.NewStore(playbook.StoreConfig{
		DedupThreshold: cfg.Playbook.DedupThreshold,
		Dimension:      provider.Dimension(),
	}, provider, logger)
	if err != nil {
		return nil, err
	}

	persister, err := playbook.NewPersister(dir, logger)
	if err != nil {
		return nil, err
	}

	snap, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("loading playbook: %w", err)
	}
	if err := store.Restore(ctx, snap); err != nil {
		return nil, fmt.Errorf("restoring playbook: %w", err)
	}

	counters, err := playbook.NewCounterUpdater(store, logger)
	if err != nil {
		return nil, err
	}
	counters.RestoreProcessed(snap.ProcessedFeedback)

	deltas, err := playbook.NewDeltaEngine(store, logger,
		playbook.WithMinConfidence(cfg.Playbook.MinConfidence),
		playbook.WithDefaultSection(cfg.Playbook.DefaultSection))
	if err != nil {
		return nil, err
	}

	metrics := playbook.NewMetrics(logger)

	retriever, err := playbook.NewRetriever(store, logger,
		playbook.WithRetrieverMetrics(metrics),
		playbook.WithTopK(cfg.Playbook.TopK))
	if err != nil {
		return nil, err
	}

	pipeline, err := playbook.NewPipeline(store, deltas, counters, persister, insights, logger,
		playbook.WithPipelineMetrics(metrics),
		playbook.WithRetryPolicy(cfg.Playbook.ReflectorRetries, cfg.Playbook.ReflectorBackoff.Duration()))
	if err != nil {
		return nil, err
	}

	worker, err := playbook.NewWorker(pipeline, logger,
		playbook.WithQueueSize(cfg.Playbook.QueueSize))
	if err != nil {
		return nil, err
	}

	var pruner *playbook.Pruner
	if cfg.Playbook.PruneEnabled {
		pruner, err = playbook.NewPruner(store, counters, persister,
			cfg.Playbook.PruneInterval.Duration(),
			cfg.Playbook.PruneGrace.Duration(),
			logger)
		if err != nil {
			return nil, err
		}
	}

	return &engine{
		dir:       dir,
		store:     store,
		retriever: retriever,
		counters:  counters,
		persister: persister,
		worker:    worker,
		pruner:    pruner,
	}, nil
}

// initReflector builds the insight source, with an optional fallback model
// tried when the primary fails.
func initReflector(cfg *config.Config, logger *zap.Logger) (playbook.InsightSource, error) {
	if !cfg.Reflector.APIKey.IsSet() {
		return nil, fmt.Errorf("reflector.api_key is required (set REFLECTOR_API_KEY)")
	}

	sources := make([]playbook.InsightSource, 0, 2)

	models := []string{cfg.Reflector.Model}
	if cfg.Reflector.FallbackModel != "" {
		models = append(models, cfg.Reflector.FallbackModel)
	}

	for _, model := range models {
		client, err := reflector.NewOpenAIClient(reflector.OpenAIClientConfig{
			BaseURL:     cfg.Reflector.BaseURL,
			Model:       model,
			APIKey:      cfg.Reflector.APIKey.Value(),
			Temperature: cfg.Reflector.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("creating reflector client for %s: %w", model, err)
		}
		r, err := reflector.New(client, logger.Named("reflector"))
		if err != nil {
			return nil, err
		}
		sources = append(sources, r)
	}

	return reflector.NewChain(logger.Named("reflector"), sources...)
}

// initTelemetry maps the observability config onto the telemetry provider.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.TracingEnabled || cfg.Observability.MetricsEnabled
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Metrics.Enabled = cfg.Observability.MetricsEnabled
	if cfg.Observability.OTLPEndpoint != "" {
		tcfg.Endpoint = cfg.Observability.OTLPEndpoint
	}
	return telemetry.New(ctx, tcfg)
}
