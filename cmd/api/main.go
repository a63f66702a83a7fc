package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"civicportal/api/internal/app"
	"civicportal/api/internal/config"
	"civicportal/api/internal/email"
	"civicportal/api/internal/jobs"
	"civicportal/api/internal/logger"
	"civicportal/api/internal/media"
	"civicportal/api/internal/realtime"
	"civicportal/api/internal/search"
	"civicportal/api/internal/session"
	"civicportal/api/internal/store"
	"civicportal/api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "civicportal api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer clients.Close()

	applied, err := store.ApplyMigrations(ctx, clients.DB, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info("schema migrations applied", zap.Strings("files", applied))
	if err := jobs.Migrate(ctx, clients.Pool, log); err != nil {
		return err
	}

	dataStore := store.NewPostgresStore(clients.DB)

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.WorkerPoolSize,
		IndexPoolSize:   cfg.WorkerPoolSize,
	}, log)
	if err != nil {
		return fmt.Errorf("worker pools: %w", err)
	}
	defer pools.Shutdown(cfg.ShutdownTimeout)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		BaseURL:  cfg.CORSOrigin,
	})
	if !mailer.IsConfigured() {
		log.Warn("SMTP not configured; verification tokens are returned in signup responses")
	}

	queue, err := jobs.NewClient(clients.Pool, jobs.QueueConfig{
		MaxWorkers:    cfg.RiverMaxWorkers,
		ReadRetention: cfg.NotificationRetention,
	}, jobs.Deps{Fanout: dataStore, Cleanup: dataStore, Mailer: mailer}, log)
	if err != nil {
		return fmt.Errorf("job queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn("job queue stop", zap.Error(err))
		}
	}()

	opts := []app.Option{
		app.WithLogger(log),
		app.WithPools(pools),
		app.WithMailer(mailer),
		app.WithActivity(jobs.NewActivitySink(queue, log)),
	}

	var publisher realtime.Publisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		feed := realtime.NewRedisFeed(redisStore.Client(), log)
		publisher = feed
		opts = append(opts,
			app.WithSessionStore(redisStore),
			app.WithFeed(feed),
			app.WithReadinessCheck("redis", redisStore.Ping),
		)
		log.Info("using redis for sessions and realtime fan-out")
	} else {
		hub := realtime.NewHub(log)
		publisher = hub
		opts = append(opts, app.WithFeed(hub))
		log.Info("using postgres for sessions and an in-process realtime hub")
	}

	bridge := realtime.NewBridge(cfg.DatabaseURL, publisher, log)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("realtime bridge stopped", zap.Error(err))
		}
	}()

	pgfts := search.NewPgFTS(clients.DB)
	var primary search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		primary = meili
	}
	searchService := search.NewService(primary, pgfts, pools, log)
	opts = append(opts, app.WithSearch(searchService))
	go func() {
		if err := searchService.Reindex(ctx, pgfts); err != nil {
			log.Warn("search reindex failed", zap.Error(err))
		}
	}()

	if cfg.MediaEnabled() {
		objects, err := media.Connect(ctx, media.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		}, log)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		opts = append(opts, app.WithMedia(objects))
	} else {
		log.Warn("object store not configured; attachment uploads are disabled")
	}

	service := app.New(cfg, dataStore, opts...)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	// No WriteTimeout: event streams stay open for the life of the page.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("civic portal API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
