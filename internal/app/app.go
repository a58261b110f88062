// Package app wires configuration into a provider, a store and a sync
// engine for the barmirror binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"barmirror/internal/config"
	"barmirror/internal/domain"
	"barmirror/internal/gather"
	"barmirror/internal/gather/cn"
	"barmirror/internal/gather/us"
	"barmirror/internal/store"
	"barmirror/internal/syncer"
	"barmirror/internal/util"
)

// DefaultConfigPath is used when BARMIRROR_CONFIG is unset.
const DefaultConfigPath = "config/barmirror.yaml"

// NewProvider returns the upstream provider of the configured market.
func NewProvider(cfg *config.Config) (gather.Provider, error) {
	switch domain.Market(cfg.Market) {
	case domain.MarketCN:
		t := cfg.Provider.Tushare
		return cn.NewTushareClient(t.Token, cn.WithURL(t.URL), cn.WithRowCap(t.RowCap)), nil
	case domain.MarketUS:
		a := cfg.Provider.Alpaca
		return us.NewAlpacaProvider(a.APIKey, a.APISecret, a.BaseURL, a.DataURL, a.Feed), nil
	default:
		return nil, fmt.Errorf("unsupported market %q", cfg.Market)
	}
}

// OpenStore opens and migrates the configured storage backend.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Backend:     cfg.Storage.Backend,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresURL: cfg.Storage.PostgresURL,
		DataDir:     cfg.Storage.DataDir,
		Market:      domain.Market(cfg.Market),
	})
}

// EngineOptions derives the engine options from cfg.
func EngineOptions(cfg *config.Config, log *slog.Logger) syncer.Options {
	return syncer.Options{
		Market:      domain.Market(cfg.Market),
		GlobalStart: cfg.StartDate(),
		Retry: util.RetryPolicy{
			Attempts:   cfg.Sync.RetryCount,
			Delay:      cfg.RetryDelay(),
			Multiplier: cfg.Sync.RetryMultiplier,
		},
		Workers: cfg.Sync.MaxWorkers,
		Limiter: util.NewRateLimiter(cfg.Sync.RateLimitPerMin, cfg.Sync.RateLimitBurst),
		Logger:  log,
	}
}

// Open builds the engine for cfg. The caller closes the returned store.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*syncer.Engine, store.Store, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	attrs := []any{"market", cfg.Market, "provider", p.Name(), "backend", cfg.Storage.Backend}
	if cfg.Storage.Backend == "postgres" {
		attrs = append(attrs, "postgres", store.RedactConnString(cfg.Storage.PostgresURL))
	}
	log.Info("engine ready", attrs...)

	return syncer.NewEngine(p, s, EngineOptions(cfg, log)), s, nil
}
