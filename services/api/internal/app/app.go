// Package app holds the account, address and document rules of profilehub.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"profilehub/pkg/events"
	"profilehub/pkg/storage"
	"profilehub/pkg/store"
)

// Config carries the dependencies the application is built from.
type Config struct {
	Store         store.Store
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	Blobs         storage.BlobStore
	Events        events.Publisher
	Logger        *slog.Logger
	// MaxUploadBytes bounds a single document upload. Zero means 32 MiB.
	MaxUploadBytes int64
	Now            func() time.Time
}

// App is the core application service wiring together storage and auth logic.
type App struct {
	store          store.Store
	sessions       store.SessionStore
	refreshTokens  store.RefreshTokenStore
	blobs          storage.BlobStore
	events         events.Publisher
	logger         *slog.Logger
	maxUploadBytes int64
	now            func() time.Time
}

// New validates cfg and applies defaults.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.RefreshTokens == nil {
		return nil, errors.New("refresh token store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.LogPublisher{Logger: cfg.Logger}
	}
	if cfg.MaxUploadBytes < 0 {
		return nil, fmt.Errorf("max upload bytes must not be negative")
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		refreshTokens:  cfg.RefreshTokens,
		blobs:          cfg.Blobs,
		events:         cfg.Events,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
		now:            cfg.Now,
	}, nil
}

// MaxUploadBytes is the largest upload CreateDocument accepts.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}

// publish never fails the caller; delivery problems are only logged.
func (a *App) publish(ctx context.Context, routingKey string, body any) {
	if err := a.events.Publish(ctx, routingKey, body); err != nil {
		a.logger.Warn("event publish failed", "routing_key", routingKey, "err", err)
	}
}
