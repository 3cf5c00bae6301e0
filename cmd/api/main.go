package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"content-repurposer/internal/api"
	"content-repurposer/internal/auth"
	"content-repurposer/internal/blob"
	"content-repurposer/internal/config"
	"content-repurposer/internal/logger"
	"content-repurposer/internal/ratelimit"
	"content-repurposer/internal/store"
	"content-repurposer/internal/synthesis"
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
	limiter := ratelimit.NewRedisLimiter(rdb)

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init blob store")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.WithError(err).Fatal("init token verifier")
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

	server := api.New(cfg, st, st, blobs, verifier, limiter, driver, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
