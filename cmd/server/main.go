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

	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/cache"
	"github.com/nithinbarath/billing-system/internal/config"
	"github.com/nithinbarath/billing-system/internal/httpapi"
	"github.com/nithinbarath/billing-system/internal/logger"
	"github.com/nithinbarath/billing-system/internal/notify"
	"github.com/nithinbarath/billing-system/internal/service"
	"github.com/nithinbarath/billing-system/internal/store"
	"github.com/nithinbarath/billing-system/internal/store/memory"
	pgstore "github.com/nithinbarath/billing-system/internal/store/postgres"
)

const devAdminPassword = "admin123"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := build(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("billing backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	a.close()

	log.Info("server stopped")
}

type app struct {
	handler http.Handler
	closers []func() error
	log     *zap.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close error", zap.Error(err))
		}
	}
}

// build wires the repository, cache, notifier, service and HTTP API from cfg.
func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{log: log}
	var (
		repo   store.Repository
		health httpapi.Pinger
	)

	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := migrateUp(ctx, cfg.DatabaseURL, log); err != nil {
				return nil, err
			}
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		repo, health = pg, pg
		a.closers = append(a.closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(cfg.Denominations)
		log.Info("repository: in-memory")
	}

	if err := repo.SeedDenominations(ctx, cfg.Denominations); err != nil {
		a.close()
		return nil, fmt.Errorf("seed denominations: %w", err)
	}

	opts := service.Options{
		CacheTTL:          cfg.InvoiceCacheTTL(),
		Logger:            log,
		LowStockThreshold: cfg.LowStockThreshold,
	}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		invoices := cache.NewRedisInvoiceCache(client)
		if err := invoices.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache and log notifier", zap.Error(err))
			_ = client.Close()
		} else {
			opts.Cache = invoices
			opts.Notifier = notify.NewRedisNotifier(client, cfg.NotifyChannel)
			a.closers = append(a.closers, client.Close)
			log.Info("cache: redis", zap.String("notify_channel", cfg.NotifyChannel))
		}
	} else {
		log.Info("cache: noop")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo)

	adminPassword := cfg.AdminPassword
	if adminPassword == "" && cfg.DatabaseURL == "" {
		log.Warn("ADMIN_PASSWORD not set; using development default for the in-memory store")
		adminPassword = devAdminPassword
	}
	if adminPassword != "" {
		if err := auth.EnsureAdmin(ctx, cfg.AdminUsername, adminPassword); err != nil {
			a.close()
			return nil, fmt.Errorf("seed admin: %w", err)
		}
	}

	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        log,
		Health:        health,
	})
	a.handler = api.Handler()
	return a, nil
}

func migrateUp(ctx context.Context, databaseURL string, log *zap.Logger) error {
	m, err := pgstore.NewMigrator(ctx, databaseURL, log)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer func() { _ = m.Close() }()
	if err := m.Up(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DatabaseURL != "" && len(cfg.AdminPassword) < 12 {
		return fmt.Errorf("ADMIN_PASSWORD must be at least 12 characters when DATABASE_URL is set")
	}
	if cfg.AdminPassword != "" && cfg.AdminPassword == devAdminPassword {
		return fmt.Errorf("ADMIN_PASSWORD must not be the development default")
	}
	return nil
}
