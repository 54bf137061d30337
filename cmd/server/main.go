package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/foodcircle/internal/chat"
	"github.com/suPer8Hu/foodcircle/internal/config"
	"github.com/suPer8Hu/foodcircle/internal/db"
	"github.com/suPer8Hu/foodcircle/internal/httpapi"
	"github.com/suPer8Hu/foodcircle/internal/httpapi/handlers"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
	"github.com/suPer8Hu/foodcircle/internal/realtime/ws"
	"github.com/suPer8Hu/foodcircle/internal/store/rabbitmq"
	"github.com/suPer8Hu/foodcircle/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := chat.NewRepo(gdb)

	// presence mirror (optional)
	var (
		mirror   realtime.PresenceMirror
		presence handlers.PresenceReader
	)
	if cfg.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, presence mirror disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			store := redisstore.New(rdb, redisstore.DefaultPrefix)
			if err := store.Reset(ctx); err != nil {
				logger.Warn("reset presence mirror", "error", err)
			}
			mirror, presence = store, store
		}
	}

	hub := realtime.NewHub(repo, repo, mirror, realtime.Options{
		SendBuffer:              cfg.SendBuffer,
		PreviewLength:           cfg.PreviewLength,
		StoreTimeout:            cfg.StoreTimeout,
		AllowJoinBeforeIdentify: cfg.AllowJoinBeforeIdentify,
	}, logger)

	deliver := rabbitmq.DeliverToHub(hub, logger)

	var notifier handlers.Notifier = rabbitmq.InProcess(deliver)
	consumerDone := make(chan struct{})
	if cfg.RabbitEnabled {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()

		consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
			Concurrency: cfg.NotifyConcurrency,
			MaxRetries:  cfg.NotifyMaxRetries,
			RetryDelay:  cfg.NotifyRetryDelay,
		}, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()

		notifier = pub
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx, deliver); err != nil {
				logger.Error("notification consumer stopped", "error", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	h := handlers.NewHandler(chat.NewService(repo), hub, ws.NewServer(hub, cfg.CORSOrigins, logger), notifier, logger)
	h.Presence = presence
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", cfg.HTTPAddr, "redis", mirror != nil, "rabbit", cfg.RabbitEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// websocket connections are hijacked, so Shutdown does not wait for them
	hub.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stop()
	<-consumerDone
	return nil
}
