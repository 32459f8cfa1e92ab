package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/api"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/archive"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/config"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/queue"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/ratelimit"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/store"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.JoinRateCapacity, cfg.JoinRateRefillPerSec, time.Hour)

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		logger.Fatal("init archiver", zap.Error(err))
	}

	ctrl := queue.New(st, logger)

	sw := sweeper.New(st, archiver, logger, cfg.StaleAfter, cfg.RetainFinishedFor)
	go sw.Run(ctx, cfg.SweepInterval)

	server := api.New(st, ctrl, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("queue api listening",
		zap.String("port", cfg.HTTPPort),
		zap.Duration("stale_after", cfg.StaleAfter),
		zap.Duration("retain_finished_for", cfg.RetainFinishedFor))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(envName string) (*zap.Logger, error) {
	if envName == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newArchiver(ctx context.Context, cfg config.Config) (archive.Archiver, error) {
	switch cfg.ArchiveBackend {
	case "":
		return nil, nil
	case "local":
		return archive.NewLocal(cfg.ArchiveDir), nil
	case "s3":
		return archive.NewS3(ctx, archive.S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}
