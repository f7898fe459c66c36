/**
 * Check Extraction Worker - Main Entry Point
 *
 * Go worker that turns scanned cheque batches into structured records.
 *
 * Architecture:
 * - Redis LIST or asynq consumer for the job queue
 * - Region detection and cropping per page (contour or ruled-grid layouts)
 * - Up to three OCR engines per check (Tesseract, document VLM, Gemini),
 *   fused into one confidence-scored record
 * - PostgreSQL for jobs and extraction history, Qdrant for duplicate hints
 * - Prometheus metrics, health, stats and job lookup on METRICS_ADDR
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adverant/nexus/checkextract-worker/internal/clients"
	"github.com/adverant/nexus/checkextract-worker/internal/config"
	"github.com/adverant/nexus/checkextract-worker/internal/detector"
	"github.com/adverant/nexus/checkextract-worker/internal/engines"
	"github.com/adverant/nexus/checkextract-worker/internal/engines/tesseract"
	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/metrics"
	"github.com/adverant/nexus/checkextract-worker/internal/orchestrator"
	"github.com/adverant/nexus/checkextract-worker/internal/processor"
	"github.com/adverant/nexus/checkextract-worker/internal/queue"
	"github.com/adverant/nexus/checkextract-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(".env.checkextract"); err != nil {
		logging.NewLogger("Main").Debug(".env.checkextract not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger("Main").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	base, err := newBaseLogger(cfg.NodeEnv)
	if err == nil {
		logging.SetBase(base)
	}
	defer logging.Sync()
	logger := logging.NewLogger("Main")

	logger.Info("Check extraction worker starting",
		"queueBackend", cfg.QueueBackend, "queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency, "imageSink", cfg.ImageSink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Image store
	images, closeImages, err := newImageStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize image store", "error", err)
		os.Exit(1)
	}
	defer closeImages()

	// Engines
	enabled, closeEngines := newEngines(ctx, cfg, logger)
	defer closeEngines()
	if len(enabled) == 0 {
		logger.Error("No OCR engine available")
		os.Exit(1)
	}

	// Storage (PostgreSQL + Qdrant)
	var manager *storage.Manager
	if cfg.DatabaseURL != "" {
		manager, err = storage.NewStorageManager(ctx, cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			logger.Error("Failed to initialize storage manager", "error", err)
			os.Exit(1)
		}
		defer manager.Close()
		logger.Info("Storage manager initialized", "qdrant", cfg.QdrantURL != "")
	} else {
		logger.Warn("DATABASE_URL not set; job status and extraction history are not persisted")
	}

	// Redis (queue + progress)
	redisClient, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	opts := orchestrator.Options{
		EngineTimeout: cfg.EngineTimeout,
		Progress:      queue.NewRedisProgress(redisClient, cfg.QueueName),
	}
	procCfg := &processor.ProcessorConfig{
		OutputDir:   cfg.OutputDir,
		MaxFileSize: cfg.MaxFileSize,
		Detection: detector.Options{
			SamplePages:    cfg.FormatSamplePages,
			Snap:           cfg.DetectSnap,
			FilterBacks:    cfg.DetectFilterBacks,
			ExpandMetadata: cfg.DetectExpandMetadata,
		},
		Images: images,
	}
	if manager != nil {
		opts.Sink = manager
		procCfg.Jobs = manager
	}
	procCfg.Orchestrator = orchestrator.New(enabled, images, opts)

	proc, err := processor.NewCheckProcessor(procCfg)
	if err != nil {
		logger.Error("Failed to initialize check processor", "error", err)
		os.Exit(1)
	}

	// Queue consumer
	consumer, err := newConsumer(ctx, cfg, redisClient, proc)
	if err != nil {
		logger.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}

	// Metrics, health, stats and job lookup
	metrics.Register(prometheus.DefaultRegisterer)
	var jobs jobStore
	if manager != nil {
		jobs = manager
	}
	srv := newStatusServer(cfg.MetricsAddr, jobs, consumer)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed", "error", err)
		}
	}()

	names := make([]string, 0, len(enabled))
	for _, e := range enabled {
		names = append(names, e.Name())
	}
	logger.Info("Check extraction worker is READY", "engines", names, "metrics", cfg.MetricsAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	if err := consumer.Stop(); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping status server", "error", err)
	}

	logger.Info("Shutdown complete")
}

func newBaseLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newImageStore(ctx context.Context, cfg *config.Config) (extractor.ImageStore, func(), error) {
	switch cfg.ImageSink {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return extractor.NewGCSStore(client, cfg.GCSBucket), func() { client.Close() }, nil
	case "artifact":
		client := clients.NewArtifactClient(cfg.FileProcessAPIURL)
		hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
		defer hcancel()
		if err := client.HealthCheck(hctx); err != nil {
			return nil, nil, fmt.Errorf("artifact API unavailable: %w", err)
		}
		return extractor.NewArtifactStore(client), func() {}, nil
	default:
		return extractor.NewFileStore(cfg.OutputDir), func() {}, nil
	}
}

// newEngines builds every engine the configuration allows. Missing
// credentials disable an engine rather than failing startup.
func newEngines(ctx context.Context, cfg *config.Config, logger *logging.Logger) ([]engines.Engine, func()) {
	var (
		enabled []engines.Engine
		closers []func()
	)

	enabled = append(enabled, tesseract.New(&tesseract.Config{Languages: cfg.TesseractLanguages}))

	if cfg.VLMURL != "" {
		vlm := clients.NewVLMClient(cfg.VLMURL, cfg.VLMAPIName, cfg.VLMToken)
		hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
		if err := vlm.HealthCheck(hctx); err != nil {
			logger.Warn("VLM health check failed; engine stays enabled behind its circuit breaker", "url", cfg.VLMURL, "error", err)
		}
		hcancel()
		enabled = append(enabled, engines.NewVLMEngine(vlm, cfg.VLMTemperature))
	} else {
		logger.Warn("Engine disabled", "engine", engines.NameNuMarkdown, "reason", "VLM_URL not set")
	}

	switch {
	case cfg.GeminiBackend == "vertex":
		gen, err := engines.NewVertexGenerator(ctx, cfg.GoogleCloudProject, cfg.GoogleCloudRegion, cfg.GeminiModel)
		if err != nil {
			logger.Warn("Engine disabled", "engine", engines.NameGemini, "reason", err.Error())
			break
		}
		closers = append(closers, func() { gen.Close() })
		enabled = append(enabled, engines.NewGeminiEngine(gen))
	case len(cfg.GeminiAPIKeys) > 0:
		gen := engines.NewRESTGenerator(cfg.GeminiModel, engines.NewKeyRing(cfg.GeminiAPIKeys), cfg.GeminiRPS)
		enabled = append(enabled, engines.NewGeminiEngine(gen))
		logger.Info("Gemini key pool loaded", "keys", len(cfg.GeminiAPIKeys))
	default:
		logger.Warn("Engine disabled", "engine", engines.NameGemini, "reason", "no GEMINI_API_KEYS or GEMINI_API_KEY")
	}

	return enabled, func() {
		for _, c := range closers {
			c()
		}
	}
}

func newConsumer(ctx context.Context, cfg *config.Config, client *redis.Client, proc processor.JobProcessorInterface) (queueBackend, error) {
	timeout := time.Duration(cfg.ProcessingTimeout) * time.Millisecond

	if cfg.QueueBackend == "asynq" {
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return asynqBackend{c}, nil
	}

	c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		Client:            client,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		ProcessingTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return redisBackend{c}, nil
}
