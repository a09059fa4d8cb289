// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

// Package main is the entry point for the OrderSync server.
//
// OrderSync ingests order history from a remote commerce platform's
// cursor-paginated API into a local DuckDB database, one storefront (tenant)
// at a time. Every outbound request is paced through a shared rate-limited
// scheduler so the platform's per-credential limits are never exceeded, and
// progress is checkpointed in BadgerDB after every page so interrupted runs
// resume where they left off.
//
// The server initializes components in the following order:
//
//  1. Configuration: struct defaults, optional YAML file, ORDERSYNC_* env vars (Koanf v2)
//  2. Logging: zerolog, JSON or console format
//  3. Storage: DuckDB order store and BadgerDB status store
//  4. Scheduler: shared rate limiter, retry policy, circuit breaker
//  5. Progress hub: in-process fan-out to live WebSocket clients
//  6. Sync engine: the per-tenant state machine
//  7. HTTP server: Chi REST API plus /metrics
//
// Graceful shutdown on SIGINT and SIGTERM: stop accepting connections, wait
// for in-flight requests up to server.shutdown_timeout, then close storage.
// Active sync runs are not awaited; their page-level checkpoints make them
// resumable on the next start.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dropstack/ordersync/internal/api"
	"github.com/dropstack/ordersync/internal/config"
	"github.com/dropstack/ordersync/internal/hub"
	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/remote"
	"github.com/dropstack/ordersync/internal/scheduler"
	"github.com/dropstack/ordersync/internal/store"
	"github.com/dropstack/ordersync/internal/syncer"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Str("version", version).Msg("OrderSync starting")

	orders, err := store.NewOrderStore(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open order store: %w", err)
	}
	defer orders.Close()

	status, err := store.NewStatusStore(cfg.Database.StatusDir)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer status.Close()

	client := remote.NewClient(&cfg.Remote)
	sched := scheduler.New(cfg.Scheduler)
	events := hub.New()
	engine := syncer.New(sched, status, orders, events, client.FetchOrders, cfg.Sync.StaleAfter)

	router := api.NewRouter(api.NewHandlers(engine, events, version), &cfg.Server)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: 0, // live-updates connections are long-lived
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown incomplete")
	}

	logging.Info().Msg("OrderSync stopped")
	return nil
}
