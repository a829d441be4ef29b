// herald-server — HTTP API и планировщик публикаций в одном процессе.
//
// Конфигурация читается из окружения и .env (см. internal/config).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Herald/internal/api"
	"github.com/shaiso/Herald/internal/bluesky"
	"github.com/shaiso/Herald/internal/config"
	"github.com/shaiso/Herald/internal/mq"
	"github.com/shaiso/Herald/internal/repo"
	"github.com/shaiso/Herald/internal/scheduler"
	"github.com/shaiso/Herald/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting herald-server", "store", cfg.Store, "cron_timezone", cfg.CronTimezone.String())

	if err := run(cfg, logger); err != nil {
		logger.Error("herald-server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище постов
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// События о результатах (опционально)
	var notifier scheduler.Notifier
	if cfg.RabbitMQURL != "" {
		conn, err := mq.Dial(cfg.RabbitMQURL, logger)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer conn.Close()

		if err := mq.SetupTopology(conn); err != nil {
			return fmt.Errorf("setup rabbitmq topology: %w", err)
		}
		notifier = mq.NewPublisher(conn, logger)
		logger.Info("connected to rabbitmq")
	}

	publisher := bluesky.NewClient(bluesky.Config{
		PDS:        cfg.BlueskyPDS,
		Identifier: cfg.BlueskyIdentifier,
		Password:   cfg.BlueskyAppPassword,
		Logger:     logger,
	})

	matcher := scheduler.NewCronMatcher(cfg.CronTimezone)
	dispatcher := scheduler.New(scheduler.Config{
		Store:          store,
		Publisher:      publisher,
		Matcher:        matcher,
		Notifier:       notifier,
		Logger:         logger,
		Workers:        cfg.RecurringWorkers,
		QueueSize:      cfg.RecurringQueue,
		PublishTimeout: cfg.PublishTimeout,
		EventTimeout:   cfg.EventTimeout,
	})
	defer dispatcher.Close()

	// Попытки, прерванные прошлой остановкой, разбираются до первого тика
	if _, err := dispatcher.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile interrupted publishes: %w", err)
	}

	media, err := api.NewMediaStore(cfg.MediaDir)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Config{
		Store:      store,
		Dispatcher: dispatcher,
		Matcher:    matcher,
		Media:      media,
		Logger:     logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Truncate(time.Second))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	loop := scheduler.NewLoop(dispatcher, cfg.TickInterval, logger)
	loop.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		loop.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	// Сначала перестаём принимать запросы, потом дожидаемся текущего тика.
	// Dispatcher.Close (defer) дожидается очереди повторяющихся постов.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.PublishTimeout+cfg.EventTimeout+10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	loop.Stop()

	return nil
}

// openStore открывает хранилище, выбранное через STORE.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.PostStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, posts are lost on restart")
		return repo.NewMemoryStore(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to database")

	return repo.NewPostRepo(pool), pool.Close, nil
}
