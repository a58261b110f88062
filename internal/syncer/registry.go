package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"barmirror/internal/domain"
	"barmirror/internal/store"
)

// Registry keeps the stored security master in step with the provider.
type Registry struct {
	fetcher *Fetcher
	store   store.SecurityStore
	market  domain.Market
	log     *slog.Logger
}

// NewRegistry creates a Registry for market.
func NewRegistry(f *Fetcher, s store.SecurityStore, market domain.Market, log *slog.Logger) *Registry {
	return &Registry{
		fetcher: f,
		store:   s,
		market:  market,
		log:     log.With("component", "registry"),
	}
}

// Refresh pulls the provider listing, upserts it and returns the active
// securities. When the upstream call fails the store is left untouched and
// the stored snapshot stays authoritative.
func (r *Registry) Refresh(ctx context.Context) ([]domain.Security, error) {
	raw, err := r.fetcher.Securities(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh registry: %w", err)
	}

	secs := normalizeSecurities(raw, r.market)
	if err := r.store.UpsertSecurities(ctx, secs); err != nil {
		return nil, fmt.Errorf("refresh registry: upsert: %w", err)
	}

	active := make([]domain.Security, 0, len(secs))
	for _, s := range secs {
		if s.Active() {
			active = append(active, s)
		}
	}
	r.log.Info("registry refreshed", "total", len(secs), "active", len(active))
	return active, nil
}

// Active returns the stored snapshot of listed securities.
func (r *Registry) Active(ctx context.Context) ([]domain.Security, error) {
	secs, err := r.store.ListSecurities(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list active securities: %w", err)
	}
	return secs, nil
}

// normalizeSecurities trims text fields, stamps the market, drops rows
// without a symbol and keeps the last row per symbol. The result is sorted
// by symbol.
func normalizeSecurities(raw []domain.Security, market domain.Market) []domain.Security {
	bySymbol := make(map[string]domain.Security, len(raw))
	for _, s := range raw {
		s.Symbol = strings.TrimSpace(s.Symbol)
		if s.Symbol == "" {
			continue
		}
		s.Name = strings.TrimSpace(s.Name)
		s.Industry = strings.TrimSpace(s.Industry)
		if s.Market == "" {
			s.Market = market
		}
		if !s.ListDate.IsZero() {
			s.ListDate = domain.DateOf(s.ListDate)
		}
		if !s.DelistDate.IsZero() {
			s.DelistDate = domain.DateOf(s.DelistDate)
		}
		bySymbol[s.Symbol] = s
	}

	out := make([]domain.Security, 0, len(bySymbol))
	for _, s := range bySymbol {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
