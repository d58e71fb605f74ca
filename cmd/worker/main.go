package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"order-activity-relay/internal/blob"
	"order-activity-relay/internal/config"
	"order-activity-relay/internal/delivery"
	"order-activity-relay/internal/pipeline"
	"order-activity-relay/internal/queue"
	"order-activity-relay/internal/store"
	"order-activity-relay/internal/telemetry"
	"order-activity-relay/internal/upstream"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	downloadQ := queue.New(rdb, cfg.DownloadQueue, cfg.VisibilityTimeout, cfg.DLQName)
	processingQ := queue.New(rdb, cfg.ProcessingQueue, cfg.VisibilityTimeout, cfg.DLQName)

	var blobs blob.Store
	if cfg.BlobBucket != "" {
		s3Store, err := blob.NewS3Store(ctx, cfg)
		if err != nil {
			log.Error("init s3 blob store", "error", err)
			os.Exit(1)
		}
		blobs = s3Store
	} else {
		blobs = blob.NewLocalStore(cfg.BlobLocalDir)
	}

	fetcher := upstream.New(cfg)
	submitter := delivery.New(cfg)

	downloader := pipeline.NewDownloader(st, blobs, fetcher, processingQ, log)
	processor := pipeline.NewProcessor(st, blobs, submitter, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started",
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"max_deliveries", cfg.MaxDeliveries)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.NewConsumer(cfg, cfg.DownloadQueue, downloadQ, st, downloader.Handle, log).Run(gctx)
	})
	g.Go(func() error {
		return pipeline.NewConsumer(cfg, cfg.ProcessingQueue, processingQ, st, processor.Handle, log).Run(gctx)
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("worker stopped", "error", err)
	}
}
