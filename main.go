// css2wind - CSS to Tailwind conversion service backed by Gemini.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/css2wind/internal/config"
	"github.com/jeranaias/css2wind/internal/convert"
	"github.com/jeranaias/css2wind/internal/gemini"
	"github.com/jeranaias/css2wind/internal/history"
	"github.com/jeranaias/css2wind/internal/server"
	"github.com/jeranaias/css2wind/internal/session"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if cfg == nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err != nil {
		// Load falls back to defaults when the config file is unreadable.
		log.Printf("CONFIG_LOAD_DEGRADED | error=%v", err)
	}

	// Gateway client
	gateway := gemini.NewClient(cfg.Gemini.APIKey).WithModel(cfg.Gemini.Model)
	if cfg.Gemini.BaseURL != "" {
		gateway.WithBaseURL(cfg.Gemini.BaseURL)
	}
	if cfg.Gemini.TimeoutSecs > 0 {
		gateway.WithTimeout(time.Duration(cfg.Gemini.TimeoutSecs) * time.Second)
	}
	gateway.WithRequestsPerMinute(float64(cfg.Gemini.RequestsPerMinute))

	if !gateway.IsConfigured() {
		log.Printf("STARTUP | no API key configured; conversions will fail until one is set")
	} else {
		log.Printf("STARTUP | api_key=%s model=%s", gateway.KeyFingerprint(), cfg.Gemini.Model)
	}

	// History store
	dbPath := cfg.History.DatabasePath
	if dbPath == "" {
		dbPath, err = config.DefaultDatabasePath()
		if err != nil {
			return err
		}
	}
	store, err := history.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	// Identity: a pinned user ID when configured, otherwise the stable
	// anonymous identity persisted next to the config.
	var provider session.IdentityProvider
	if cfg.Session.UserID != "" {
		provider = &session.StaticProvider{ID: cfg.Session.UserID}
	} else {
		identityPath := cfg.Session.IdentityPath
		if identityPath == "" {
			identityPath, err = config.DefaultIdentityPath()
			if err != nil {
				return err
			}
		}
		provider = session.NewAnonymousProvider(identityPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The session keeps a standing subscription for the primary user,
	// so the retention sweep runs even when no browser is connected.
	sess := session.NewManager(store, provider, cfg.History.PageSize)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.Stop()

	userID := sess.UserID()
	log.Printf("STARTUP | user=%s version=%s commit=%s built=%s", userID, Version, GitCommit, BuildDate)

	// HTTP server
	srv := server.NewServer(cfg.Server.Port, convert.NewConverter(gateway), store).
		WithGateway(gateway).
		WithIdentity(userID).
		WithPageSize(cfg.History.PageSize)

	if cfg.Server.AuthEnabled {
		srv.WithAuth(&server.AuthConfig{
			Enabled:     true,
			BearerToken: cfg.Server.BearerToken,
		})
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		cors := server.DefaultCORSConfig()
		cors.AllowedOrigins = cfg.Server.AllowedOrigins
		srv.WithCORS(cors)
	}

	// Hot-reload the API key when the config file changes, so key
	// rotation does not require a restart.
	if tomlPath, err := config.ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			watcher, err := config.NewWatcher(tomlPath, func(next *config.Config) {
				gateway.SetAPIKey(next.Gemini.APIKey)
				log.Printf("GATEWAY_KEY_UPDATED | api_key=%s", gateway.KeyFingerprint())
			})
			if err != nil {
				log.Printf("CONFIG_WATCH_UNAVAILABLE | error=%v", err)
			} else {
				defer watcher.Close()
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Printf("SHUTDOWN | signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
