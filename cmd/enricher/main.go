package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"parts-enrichment/internal/api"
	"parts-enrichment/internal/config"
	"parts-enrichment/internal/media"
	"parts-enrichment/internal/models"
	"parts-enrichment/internal/progress"
	"parts-enrichment/internal/queue"
	"parts-enrichment/internal/ratelimit"
	"parts-enrichment/internal/store"
	"parts-enrichment/internal/supplier"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	oracle := ratelimit.NewRedisOracle(redisClient, cfg.OracleCapacity, cfg.OracleRefillPerSec, cfg.OracleTTL)

	opts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithMaxRetries(cfg.DefaultMaxRetries),
	}

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		opts = append(opts, queue.WithHistory(st))
	}

	pipeline, err := media.NewPipeline(ctx, media.Options{
		OutputDir:       cfg.MediaOutputDir,
		S3Bucket:        cfg.MediaS3Bucket,
		S3Region:        cfg.MediaS3Region,
		S3Endpoint:      cfg.MediaS3Endpoint,
		S3PathStyle:     cfg.MediaS3PathStyle,
		MaxBytes:        cfg.MediaMaxBytes,
		DownloadTimeout: cfg.MediaDownloadTimeout,
		Width:           cfg.ThumbnailWidth,
		Height:          cfg.ThumbnailHeight,
	})
	if err != nil {
		log.Fatalf("init media pipeline: %v", err)
	}

	var imageExec supplier.Executor
	if cfg.MediaSourceTemplate != "" {
		imageExec = media.NewExecutor(pipeline, cfg.MediaSourceTemplate)
	}

	registry := supplier.NewRegistry()
	for _, s := range cfg.Suppliers {
		desc := supplier.Descriptor{Name: s.Name, RequestsPerMinute: s.RequestsPerMinute}
		// Deployments register real supplier clients here; the stub keeps
		// image enrichment working and fails other capabilities per task.
		if err := registry.Register(desc, stubExecutor{image: imageExec}); err != nil {
			log.Fatalf("register supplier %s: %v", s.Name, err)
		}
	}

	publisher := progress.NewPublisher(cfg.ProgressBuffer, progress.LogSink{Logger: logger})
	opts = append(opts, queue.WithProgress(publisher))

	manager := queue.NewManager(registry, oracle, opts...)

	server := api.New(manager)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("enricher listening", "port", cfg.HTTPPort, "suppliers", registry.Names())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	manager.Stop()
	publisher.Close()
}

// stubExecutor serves the image capability through the media pipeline and
// fails everything else capability-scoped until real clients are wired in.
type stubExecutor struct {
	image supplier.Executor
}

func (e stubExecutor) Execute(ctx context.Context, ref supplier.PartRef, capability models.Capability) (supplier.Result, error) {
	if capability == models.CapabilityImage && e.image != nil {
		return e.image.Execute(ctx, ref, capability)
	}
	return supplier.Result{}, supplier.CapabilityFailed(capability, fmt.Errorf("no client configured"))
}
