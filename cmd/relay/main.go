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

	"github.com/ericfisherdev/credsync/internal/adapter/driven/storage"
	"github.com/ericfisherdev/credsync/internal/adapter/driving/relayserver"
	"github.com/ericfisherdev/credsync/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the relay store. The relay never falls back: a relay that
	// silently accepted writes into a side file would diverge from its peers.
	kv, err := storage.Open(ctx, storage.Options{
		Backend:   cfg.KVBackend,
		Path:      cfg.RelayDBPath,
		RedisAddr: cfg.RedisAddr,
		Namespace: "credsync-relay",
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	// 4. Serve.
	srv := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           relayserver.New(kv, slog.Default()).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("relay server starting", "addr", cfg.RelayAddr, "kv_backend", cfg.KVBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay server error", "error", err)
		}
	}()

	// 5. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("relay server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
