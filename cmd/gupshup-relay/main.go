// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

// gupshup-relay is the blind sync relay: it authenticates devices with JWT,
// routes ciphertext frames between devices of the same database and parks
// frames for offline devices. It never holds a decryption key.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skhacker105/gupshup/relay"
)

// envOr lets flags fall back to the environment, so the binary works both from
// the command line and in containers.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		addr        = flag.String("addr", envOr("ADDR", ":8080"), "listen address")
		jwtSecret   = flag.String("jwt-secret", envOr("JWT_SECRET", ""), "HMAC secret for device tokens")
		databaseURL = flag.String("database-url", envOr("DATABASE_URL", ""), "Postgres URL for the durable offline inbox (optional)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *jwtSecret == "" {
		*jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}
	if v := os.Getenv("PORT"); v != "" && *addr == ":8080" {
		*addr = ":" + v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// With a database URL set, the offline inbox survives restarts and can be
	// shared by multiple relay instances. Without it, undelivered frames live
	// in memory only.
	var store relay.MessageStore
	if *databaseURL != "" {
		pool, err := pgxpool.New(ctx, *databaseURL)
		if err != nil {
			log.Fatalf("Failed to create database pool: %v", err)
		}
		defer pool.Close()
		store, err = relay.NewPGStore(ctx, pool)
		if err != nil {
			log.Fatalf("Failed to initialize inbox store: %v", err)
		}
		logger.Info("Offline inbox backed by PostgreSQL")
	} else {
		store = relay.NewMemoryStore()
		logger.Info("Offline inbox kept in memory")
	}

	jwtAuth := relay.NewJWTAuth(*jwtSecret)
	service := relay.NewService(store, logger)
	handlers := relay.NewHandlers(service, logger)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      handlers.Mux(jwtAuth),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Relay listening", "addr", *addr)
		logger.Info("Endpoints:")
		logger.Info("  GET  /sync/ws     - WebSocket sync stream")
		logger.Info("  POST /sync/inbox  - Submit one frame (polling fallback)")
		logger.Info("  GET  /sync/outbox - Drain pending frames (polling fallback)")
		logger.Info("  GET  /healthz     - Health check")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down relay...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Relay exited")
}
