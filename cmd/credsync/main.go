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

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/credsync/internal/adapter/driven/relay"
	"github.com/ericfisherdev/credsync/internal/adapter/driven/storage"
	httphandler "github.com/ericfisherdev/credsync/internal/adapter/driving/http"
	"github.com/ericfisherdev/credsync/internal/application"
	"github.com/ericfisherdev/credsync/internal/config"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

const janitorInterval = time.Hour

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"kv_backend", cfg.KVBackend,
		"db_path", cfg.DBPath,
		"fallback", cfg.HasFallback(),
		"sync_timeout", cfg.SyncTimeout,
		"staged_ttl", cfg.StagedTTL,
		"passphrase", cfg.MasterPassphrase != "",
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the KV store (migrations run for sqlite).
	opts := storage.Options{
		Backend:   cfg.KVBackend,
		Path:      cfg.DBPath,
		RedisAddr: cfg.RedisAddr,
		Namespace: "credsync",
	}
	if cfg.HasFallback() {
		opts.FallbackPath = cfg.FallbackPath
	}
	kv, err := storage.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	// 4. Crypto engine and settings. The symmetric key is created on first use.
	engine := secrets.NewEngine()
	if engine.Degraded() {
		slog.Warn("secure randomness unavailable, running in degraded mode")
	}
	settings := application.NewSettingsService(kv, engine, cfg.MasterPassphrase)
	if _, err := settings.SymmetricKey(ctx); err != nil {
		return err
	}

	// 5. Restore the key pair, if any.
	keyManager := secrets.NewKeyManager()
	keySvc := application.NewKeyService(keyManager, settings)
	if err := keySvc.Restore(ctx); err != nil {
		slog.Error("stored key pair unusable, sync disabled until keys are re-imported", "error", err)
	}

	// 6. Credential store and staged janitor.
	store := application.NewCredentialStore(kv, engine, settings)
	janitor := application.NewStagedJanitor(store, cfg.StagedTTL, janitorInterval)
	go janitor.Start(ctx)

	// 7. Sync engine. The relay client is created from persisted settings on Start.
	events := application.NewEventBus()
	remotes := application.NewRemoteProvider(nil, "")
	syncSvc := application.NewSyncService(
		store,
		keyManager,
		settings,
		remotes,
		relay.Factory(cfg.SyncTimeout),
		events,
		cfg.SyncTimeout,
	)
	go syncSvc.Start(ctx)

	// 8. HTTP API.
	apiHandler := httphandler.NewHandler(store, keySvc, settings, syncSvc, events, slog.Default())

	// No WriteTimeout: event streams stay open until the client leaves or
	// the server shuts down.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(events.Close)

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	// 9. Log startup complete.
	slog.Info("credsync started", "listen_addr", cfg.ListenAddr)

	// 10. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 11. Stop the periodic sync, then shut the server down with a 10s
	// timeout. Shutdown closes the event bus, which ends open event streams.
	syncSvc.StopPeriodic()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
