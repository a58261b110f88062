// Package syncer keeps a local bar mirror in step with an upstream provider:
// registry refresh, incremental and full sync, and daily gap reconciliation.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"barmirror/internal/domain"
	"barmirror/internal/gather"
	"barmirror/internal/store"
	"barmirror/internal/util"
)

// Options configures an Engine.
type Options struct {
	Market domain.Market

	// GlobalStart is the history start for securities without bars; zero
	// falls back to each security's listing date.
	GlobalStart time.Time

	Retry   util.RetryPolicy
	Workers int

	// Limiter is shared by every upstream call; nil means unlimited.
	Limiter *util.RateLimiter

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine wires the registry, fetcher, planner, reconciler and writer over
// one provider and one store.
type Engine struct {
	Registry   *Registry
	Fetcher    *Fetcher
	Writer     *Writer
	Planner    *Planner
	Reconciler *Reconciler

	log *slog.Logger
}

// NewEngine builds an Engine from explicit capabilities.
func NewEngine(p gather.Provider, s store.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Market == "" {
		opts.Market = domain.MarketCN
	}
	loc := opts.Market.Location()

	fetcher := NewFetcher(p, opts.Limiter, opts.Retry, log)
	writer := NewWriter(s, log)
	registry := NewRegistry(fetcher, s, opts.Market, log)
	run := &runner{
		fetcher: fetcher,
		writer:  writer,
		workers: max(opts.Workers, 1),
		log:     log.With("component", "runner"),
	}

	return &Engine{
		Registry: registry,
		Fetcher:  fetcher,
		Writer:   writer,
		Planner: &Planner{
			registry:    registry,
			store:       s,
			runner:      run,
			globalStart: opts.GlobalStart,
			loc:         loc,
			now:         now,
			log:         log.With("component", "planner"),
		},
		Reconciler: &Reconciler{
			registry: registry,
			store:    s,
			fetcher:  fetcher,
			runner:   run,
			loc:      loc,
			now:      now,
			log:      log.With("component", "reconciler"),
		},
		log: log.With("component", "engine"),
	}
}

// refreshRegistry refreshes the registry, falling back to the stored
// snapshot on failure.
func (e *Engine) refreshRegistry(ctx context.Context) {
	if _, err := e.Registry.Refresh(ctx); err != nil {
		e.log.Warn("registry refresh failed, using stored snapshot", "err", err)
	}
}

// Update refreshes the registry and then runs an incremental sync for each
// granularity in order. It stops early only when ctx is cancelled or the
// store cannot be read.
func (e *Engine) Update(ctx context.Context, grans ...domain.Granularity) ([]*Report, error) {
	e.refreshRegistry(ctx)

	var reports []*Report
	for _, gran := range grans {
		rep, err := e.Planner.Run(ctx, gran)
		if rep != nil {
			reports = append(reports, rep)
			e.log.Info("update finished", rep.LogAttrs()...)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// FullSync refreshes the registry and re-syncs gran from the beginning.
func (e *Engine) FullSync(ctx context.Context, gran domain.Granularity) (*Report, error) {
	e.refreshRegistry(ctx)

	rep, err := e.Planner.Full(ctx, gran)
	if rep != nil {
		e.log.Info("full sync finished", rep.LogAttrs()...)
	}
	return rep, err
}

// Reconcile refreshes the registry and fills daily gaps over [from, to]
// against exchange's calendar.
func (e *Engine) Reconcile(ctx context.Context, exchange string, from, to time.Time) (*Report, error) {
	e.refreshRegistry(ctx)

	rep, err := e.Reconciler.Reconcile(ctx, exchange, from, to)
	if rep != nil {
		e.log.Info("reconcile finished", rep.LogAttrs()...)
	}
	return rep, err
}

// Gaps refreshes the registry and lists the daily gaps over [from, to]
// without fetching them.
func (e *Engine) Gaps(ctx context.Context, exchange string, from, to time.Time) (map[string][]time.Time, error) {
	e.refreshRegistry(ctx)
	return e.Reconciler.Gaps(ctx, domain.Daily, exchange, from, to)
}
