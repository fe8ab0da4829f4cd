package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"taskboard/api/internal/app"
	"taskboard/api/internal/config"
	"taskboard/api/internal/email"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
	"taskboard/api/internal/tracing"
)

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.LogFormat, "text") {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger, migrateOnly bool) (app.DataStore, func(), error) {
	if cfg.UsesMemoryStore() {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	for _, name := range applied {
		logger.WithField("migration", name).Info("migration applied")
	}
	if migrateOnly {
		return nil, func() { _ = db.Close() }, nil
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

func main() {
	cfg := config.Load()
	addr := pflag.String("addr", cfg.Addr, "listen address")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()
	cfg.Addr = *addr

	logger := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := tracing.Setup(cfg.Tracing, cfg.TraceRatio, logger)
	defer func() {
		flushCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown")
		}
	}()

	dataStore, closeStore, err := openStore(ctx, cfg, logger, *migrateOnly)
	if err != nil {
		logger.WithError(err).Fatal("store init failed")
	}
	defer closeStore()
	if *migrateOnly {
		logger.Info("migrations complete")
		return
	}

	hub := realtime.NewHub(logger, cfg.WSBuffer)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		relay, err := realtime.NewRedisRelay(cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			logger.WithError(err).Fatal("redis relay init failed")
		}
		defer relay.Close()
		hub.SetRelay(ctx, relay)
		go relay.Run(ctx, hub.Deliver, nil)
		logger.WithField("instance", relay.InstanceID()).Info("realtime relay enabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}

	service := app.New(cfg, dataStore, hub, logger, app.Options{
		Search: search.NewService(meiliClient, dataStore, logger),
		Email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}, logger.WithField("service", "taskboard")),
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.WithError(err).Warn("bootstrap failed")
	}

	// No WriteTimeout: realtime connections are long lived and bound their
	// own writes.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("taskboard api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	// Cancelling the base context ends realtime loops so Shutdown can drain.
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}
