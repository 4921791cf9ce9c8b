// Package app wires the store, engine, reference resolution, change feed and
// outbox dispatcher from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"enrollment/internal/authority"
	"enrollment/internal/changefeed"
	"enrollment/internal/config"
	"enrollment/internal/db"
	"enrollment/internal/engine"
	"enrollment/internal/engine/auth"
	"enrollment/internal/migrate"
	"enrollment/internal/publish"
	"enrollment/internal/reference"
	"enrollment/internal/server"
)

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Authority  *authority.Client
	References *reference.Service
	Access     *auth.Service
	Feed       *changefeed.Consumer
	Dispatcher *publish.Dispatcher
	Logger     *slog.Logger
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Open opens and migrates the store and wires every component. Without an
// authority base URL, references are read from the local store only and
// case-worker reads are denied.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Path: cfg.Store.Path, BusyTimeoutMillis: cfg.Store.BusyTimeoutMillis})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("store ready", "path", cfg.Store.Path, "schema_version", version)

	a := &App{Config: cfg, DB: conn, Logger: logger}
	e := engine.New(conn, cfg, nil, logger)
	if cfg.Authority.BaseURL != "" {
		client := authority.New(cfg.Authority.BaseURL, cfg.Authority.Secret)
		client.Audience = cfg.Authority.Audience
		client.Logger = logger
		if cfg.Authority.TimeoutSeconds > 0 {
			client.HTTPClient.Timeout = time.Duration(cfg.Authority.TimeoutSeconds) * time.Second
		}
		a.Authority = client
		a.References = reference.NewService(e.Repo, client, logger)
		a.Access = &auth.Service{Decider: client, CaseWorkers: a.References, Logger: logger}
		e = engine.New(conn, cfg, a.References, logger)
	}
	a.Engine = e
	a.Feed = &changefeed.Consumer{
		Handlers: changefeed.Handlers(e.Repo),
		Workers:  cfg.Feed.Workers,
		Logger:   logger,
	}
	a.Dispatcher = &publish.Dispatcher{
		Repo:     e.Repo,
		Sinks:    cfg.Publish.Sinks,
		Interval: time.Duration(cfg.Publish.IntervalSeconds) * time.Second,
		Batch:    cfg.Publish.Batch,
		Logger:   logger,
	}
	return a, nil
}

// Handler builds the HTTP API over the wired engine.
func (a *App) Handler() (http.Handler, error) {
	sc := server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:       a.Config.Server.JWTSecret,
			ServiceSubjects: a.Config.Server.ServiceSubjects,
			Logger:          a.Logger,
		},
		Feed:   a.Feed,
		Logger: a.Logger,
	}
	if a.Access != nil {
		sc.Access = a.Access
	}
	return server.New(sc)
}

func (a *App) Close() error {
	return a.DB.Close()
}
