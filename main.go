package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/cli"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
	"github.com/ekaya-inc/ekaya-refine/pkg/logging"
	"github.com/ekaya-inc/ekaya-refine/pkg/mcp"
	"github.com/ekaya-inc/ekaya-refine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-refine/pkg/schemastore"
	"github.com/ekaya-inc/ekaya-refine/pkg/services"
	"github.com/ekaya-inc/ekaya-refine/pkg/warehouse"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	indexOnly := flag.Bool("index", false, "index the metadata CSV into the schema store and exit")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools over stdio instead of the interactive prompt")
	flag.Parse()

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *serveMCP {
		cfg.MCP.Enabled = true
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *indexOnly, logger); err != nil {
		logger.Error("ekaya-refine exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, indexOnly bool, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("store", cfg.Store.SQLitePath),
		zap.String("warehouse", logging.SanitizeConnectionString(cfg.Warehouse.ConnectionString())),
		zap.Bool("redis", cfg.Redis.Enabled()))

	embedder, closeEmbedder, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEmbedder()

	store, err := schemastore.Open(ctx, cfg.Store, embedder, logger)
	if err != nil {
		return fmt.Errorf("open schema store: %w", err)
	}
	defer store.Close()

	indexer := schemastore.NewIndexer(store, logger)
	if indexOnly || store.TableCount() == 0 {
		n, err := indexer.IndexFile(ctx, cfg.Store.MetadataPath)
		if err != nil {
			return fmt.Errorf("index metadata: %w", err)
		}
		logger.Info("Schema indexed", zap.Int("tables", n), zap.String("path", cfg.Store.MetadataPath))
	}
	if indexOnly {
		return nil
	}

	if cfg.Store.Watch {
		watcher, err := schemastore.NewMetadataWatcher(cfg.Store.MetadataPath, indexer, logger)
		if err != nil {
			return fmt.Errorf("watch metadata: %w", err)
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	llmClient, err := llm.NewClientFromConfig(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	gateway, err := warehouse.NewGateway(ctx, cfg.Warehouse, logger)
	if err != nil {
		return fmt.Errorf("connect to warehouse: %w", err)
	}
	defer gateway.Close()

	deps := services.EngineDeps{
		Analyzer:  services.NewIntentAnalyzer(llmClient, cfg.Refinement, logger),
		Assembler: services.NewContextAssembler(store, cfg.Refinement, logger),
		Generator: services.NewSQLGenerator(
			llmClient,
			services.NewSQLDrafter(gateway.Dialect(), time.Now),
			gateway.Dialect(),
			cfg.Refinement,
			cfg.LLM.Temperature,
			logger,
		),
		Validator: services.NewSafetyValidator(gateway.Dialect(), cfg.Refinement, logger),
		Gateway:   gateway,
		Patterns:  services.NewPatternRecorder(gateway.Dialect(), store, schemastore.NewPatternLog(cfg.Store.PatternLogPath), logger),
	}

	// Only the SQLite store persists turns.
	if repo, ok := store.(services.TurnRepository); ok {
		recorder := services.NewAsyncTurnRecorder(repo, logger, 0)
		defer recorder.Close()
		deps.Turns = recorder
	}

	engine := services.NewEngine(deps, cfg.Refinement, logger)
	sessions := services.NewSessionManager(engine, logger)

	if cfg.MCP.Enabled {
		server := mcp.NewServer(cfg.MCP.Name, cfg.Version, sessions, logger)
		if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	}

	session := sessions.Start()
	defer func() { _ = sessions.End(session.ID) }()
	return cli.NewREPL(session, os.Stdin, os.Stdout, logger).Run(ctx)
}

// newEmbedder builds the configured embedder, wrapped in the Redis cache when one is configured.
func newEmbedder(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemastore.Embedder, func(), error) {
	var embedder schemastore.Embedder
	switch cfg.Embedding.Provider {
	case "hash":
		embedder = schemastore.NewHashEmbedder(cfg.Embedding.Dimensions)
	case "openai":
		client, err := llm.NewEmbeddingClientFromConfig(cfg.Embedding, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create embedding client: %w", err)
		}
		embedder = schemastore.NewLLMEmbedder(client, cfg.Embedding.Model)
	default:
		return nil, nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}

	redisClient, err := schemastore.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		return embedder, func() {}, nil
	}
	if redisClient == nil {
		return embedder, func() {}, nil
	}

	logger.Info("Embedding cache enabled", zap.String("addr", cfg.Redis.Addr()))
	closeFn := func() { _ = redisClient.Close() }
	return schemastore.NewCachedEmbedder(embedder, redisClient, cfg.Redis.CacheTTL, logger), closeFn, nil
}
