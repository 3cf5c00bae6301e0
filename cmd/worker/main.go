package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"content-repurposer/internal/blob"
	"content-repurposer/internal/config"
	"content-repurposer/internal/logger"
	"content-repurposer/internal/store"
	"content-repurposer/internal/synthesis"
	"content-repurposer/internal/telemetry"
	"content-repurposer/internal/transcript"
	"content-repurposer/internal/worker"
)

func main() {
	_ = godotenv.Load()
	logger.Init()
	log := logger.Log
	cfg := config.Load()

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
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init blob store")
	}

	resolver := transcript.NewResolver(
		transcript.NewYtDlpFetcher(cfg.YtDlpPath),
		transcript.NewSpeechClient(cfg.SpeechBaseURL, cfg.SpeechAPIKey, cfg.SpeechModel),
		blobs,
		transcript.NewRedisCache(rdb),
		cfg.TranscriptCacheTTL,
	)
	synth := synthesis.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	driver := worker.NewDriver(st, resolver, synth, log, cfg.MaxRetries, cfg.RetryBackoff, cfg.ClaimLease)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"poll_interval": cfg.WorkerPollInterval.String(),
		"max_retries":   cfg.MaxRetries,
		"retry_backoff": cfg.RetryBackoff.String(),
	}).Info("worker started")
	if err := driver.Run(ctx, cfg.WorkerPollInterval); err != nil && err != context.Canceled {
		log.WithError(err).Error("worker stopped")
	}
}
