package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/receiptwise/pipeline/internal/blob"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/enrich"
	"github.com/receiptwise/pipeline/internal/export"
	"github.com/receiptwise/pipeline/internal/metrics"
	"github.com/receiptwise/pipeline/internal/pipeline"
	"github.com/receiptwise/pipeline/internal/preprocess"
	"github.com/receiptwise/pipeline/internal/recognize"
	"github.com/receiptwise/pipeline/internal/repository"
	"github.com/receiptwise/pipeline/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.OCR.GeminiAsPrimary && cfg.OCR.GeminiFallback {
		logger.Warn("GEMINI_AS_PRIMARY and GEMINI_FALLBACK are both set; the fallback pass may rerun the local engine only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis (queues + OCR cache)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// Object storage
	store, err := blob.NewMinioStore(cfg.Blob, logger)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}
	if err := store.EnsureBucket(ctx, cfg.Blob.Region); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	// Database
	pool, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("creating DB pool: %v", err)
	}
	defer pool.Close()
	if err := repository.HealthCheck(ctx, pool, logger); err != nil {
		log.Fatalf("DB health failed: %v", err)
	}
	if err := repository.EnsureSchema(ctx, pool, logger); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	mediaRepo := repository.NewMediaObjectRepository(pool, logger)
	itemRepo := repository.NewReceiptItemRepository(pool, logger)
	m := metrics.New()

	// Recognition engines: a bounded pool of reusable local engines plus the
	// optional external provider.
	enginePool, err := recognize.NewPool(cfg.OCR.PoolSize, func() (recognize.Engine, error) {
		return recognize.NewTesseractEngine(cfg.OCR.Languages)
	})
	if err != nil {
		log.Fatalf("build engine pool: %v", err)
	}

	var external recognize.Engine
	if cfg.OCR.GeminiAsPrimary || cfg.OCR.GeminiFallback {
		gem, err := recognize.NewGeminiEngine(ctx, cfg.OCR.GeminiAPIKey, cfg.OCR.GeminiModel)
		if err != nil {
			log.Fatalf("gemini engine: %v", err)
		}
		defer gem.Close()
		external = gem
	}

	// Enrichment lookup provider
	var provider enrich.Provider = enrich.NopProvider{}
	if cfg.Enrich.CatalogDBPath != "" {
		catalog, err := enrich.NewSQLiteCatalog(cfg.Enrich.CatalogDBPath, logger)
		if err != nil {
			log.Fatalf("catalog db: %v", err)
		}
		defer catalog.Close()
		if err := catalog.EnsureSchema(ctx); err != nil {
			log.Fatalf("catalog schema: %v", err)
		}
		provider = catalog
	}

	// Stages
	pre := preprocess.NewStage(store, mediaRepo, logger)
	rec := recognize.NewStage(
		store, mediaRepo, enginePool, external,
		recognize.NewCache(rdb, cfg.OCR.CacheTTL, logger),
		m,
		recognize.Config{
			ConfThreshold:     cfg.OCR.ConfThreshold,
			ExternalAsPrimary: cfg.OCR.GeminiAsPrimary,
			ExternalFallback:  cfg.OCR.GeminiFallback,
		},
		logger,
	)
	enr := enrich.NewStage(store, mediaRepo, itemRepo, provider, enrich.Config{
		CacheSize: cfg.Enrich.CacheSize,
		CacheTTL:  cfg.Enrich.CacheTTL,
		SignedTTL: cfg.Blob.SignedTTL,
	}, logger)

	orch := pipeline.NewOrchestrator(rdb, logger, m, cfg.Queue, pre, rec, enr)
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}

	srv := server.New(orch, export.NewService(itemRepo, mediaRepo, logger), m, cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	orch.Shutdown(shutdownCtx)
	logger.Info("stopped")
}

func logLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
