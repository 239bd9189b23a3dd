package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/heyslab/heysync/internal/config"
	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/remote"
	"github.com/heyslab/heysync/internal/sessionfile"
	"github.com/heyslab/heysync/internal/sync"
)

// app bundles the wired-up engine and its collaborators for one CLI
// invocation.
type app struct {
	cfg    *config.Resolved
	logger *slog.Logger
	store  *localstore.SQLiteStore
	auth   *remote.AuthClient
	tokens *remote.TokenManager
	client *remote.Client
	engine *sync.Engine
}

// buildApp wires the local store, remote clients, and sync engine from
// the resolved configuration. withRealtime attaches the change-channel
// listener; one-shot commands leave it off.
func buildApp(ctx context.Context, logger *slog.Logger, withRealtime bool) (*app, error) {
	cfg := resolvedCfg

	cached, err := sessionfile.Load(cfg.SessionFile)
	if err != nil {
		// A corrupt cache means re-login, not a dead CLI.
		logger.Warn("discarding unreadable session cache", slog.String("error", err.Error()))
		cached = &sessionfile.File{}
	}

	auth := remote.NewAuthClient(cfg.Endpoint, cfg.AnonKey, nil, logger)
	tokens := remote.NewTokenManager(auth, cached.Session, persistSession(cfg.SessionFile, logger), logger)

	client := remote.NewClient(remote.Config{
		DirectURL:      cfg.Endpoint,
		ProxyURL:       cfg.ProxyEndpoint,
		StartOnProxy:   cached.UseProxy,
		APIKey:         cfg.AnonKey,
		Persist:        persistEndpoint(cfg.SessionFile, logger),
		Session:        tokens,
		RequestTimeout: cfg.RequestTimeout,
		HealthTimeout:  cfg.HealthTimeout,
		Logger:         logger,
	})

	store, err := localstore.Open(cfg.DBPath, cfg.CapacityBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	tenantID := ""
	if cached.Session != nil {
		tenantID = cached.Session.TenantID
	}

	engineCfg := &sync.EngineConfig{
		Store:    store,
		API:      client,
		TenantID: tenantID,
		Periodic: cfg.PeriodicInterval,
		Logger:   logger,
	}

	if withRealtime {
		engineCfg.Realtime = remote.NewListener(realtimeURL(cfg.Endpoint), tokens, logger)
	}

	engine, err := sync.NewEngine(ctx, engineCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		auth:   auth,
		tokens: tokens,
		client: client,
		engine: engine,
	}, nil
}

// Close releases the engine and the local store.
func (a *app) Close() {
	a.engine.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing local store", slog.String("error", err.Error()))
	}
}

// signedIn reports whether a cached session exists.
func (a *app) signedIn() bool {
	return a.tokens.Session() != nil
}

// persistSession returns the callback that durably saves a refreshed
// session (or clears it when passed nil). Persistence failures are
// logged, not fatal: the in-memory session still drives this process.
func persistSession(path string, logger *slog.Logger) remote.PersistSessionFunc {
	return func(s *remote.Session) {
		f, err := sessionfile.Load(path)
		if err != nil {
			f = &sessionfile.File{}
		}

		f.Session = s

		if err := sessionfile.Save(path, f); err != nil {
			logger.Error("persisting session", slog.String("error", err.Error()))
		}
	}
}

// persistEndpoint returns the callback that records which endpoint the
// client should start on next run.
func persistEndpoint(path string, logger *slog.Logger) remote.PersistEndpointFunc {
	return func(useProxy bool) {
		f, err := sessionfile.Load(path)
		if err != nil {
			f = &sessionfile.File{}
		}

		f.UseProxy = useProxy

		if err := sessionfile.Save(path, f); err != nil {
			logger.Error("persisting endpoint preference", slog.String("error", err.Error()))
		}
	}
}

// realtimeURL derives the websocket change-channel URL from the REST
// endpoint.
func realtimeURL(endpoint string) string {
	ws := strings.Replace(endpoint, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)

	return ws + "/realtime/v1"
}
