// Package store defines storage interfaces for the security registry and the
// append-only bar mirror, plus SQLite, Postgres and Parquet backends.
package store

import (
	"context"
	"fmt"
	"time"

	"barmirror/internal/domain"
)

// SecurityStore persists the security registry.
type SecurityStore interface {
	// UpsertSecurities inserts new securities and updates existing ones by
	// symbol.
	UpsertSecurities(ctx context.Context, secs []domain.Security) error

	// ListSecurities returns the stored registry, optionally only the
	// securities that are still listed. Results are ordered by symbol.
	ListSecurities(ctx context.Context, activeOnly bool) ([]domain.Security, error)
}

// BarStore is the append-only bar mirror.
type BarStore interface {
	// AppendBars stores bars of granularity gran in one atomic batch. Rows
	// whose (symbol, granularity, timestamp) already exists are dropped
	// silently. It returns the number of rows actually inserted.
	AppendBars(ctx context.Context, gran domain.Granularity, bars []domain.Bar) (int, error)

	// MaxTimestamp returns the latest stored timestamp for symbol, and false
	// when no bar exists yet.
	MaxTimestamp(ctx context.Context, symbol string, gran domain.Granularity) (time.Time, bool, error)

	// LatestTimestamps returns the latest stored timestamp of every symbol
	// with at least one bar, in a single pass over the store.
	LatestTimestamps(ctx context.Context, gran domain.Granularity) (map[string]time.Time, error)

	// StoredDates returns, per symbol, the set of dates ("YYYY-MM-DD") with
	// at least one stored bar, in a single pass over the store.
	StoredDates(ctx context.Context, gran domain.Granularity) (map[string]map[string]struct{}, error)

	// ReadBars returns bars for symbol within [start, end], ascending.
	ReadBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error)
}

// Store is a complete backend: registry plus bar mirror.
type Store interface {
	SecurityStore
	BarStore

	// Migrate creates the backend's tables or directories when missing.
	Migrate(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string // sqlite, postgres or parquet
	SQLitePath  string
	PostgresURL string
	DataDir     string
	Market      domain.Market
}

// Open connects the configured backend and runs its migrations.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Backend {
	case "", "sqlite":
		s, err = NewSQLiteStore(opts.SQLitePath)
	case "postgres":
		s, err = NewPostgresStore(ctx, opts.PostgresURL)
	case "parquet":
		s = NewParquetStore(opts.DataDir, opts.Market)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrating %s store: %w", opts.Backend, err)
	}
	return s, nil
}

// addDate records date for symbol in a StoredDates result.
func addDate(out map[string]map[string]struct{}, symbol string, ts time.Time) {
	set, ok := out[symbol]
	if !ok {
		set = make(map[string]struct{})
		out[symbol] = set
	}
	set[domain.DateOf(ts).Format(domain.DateLayout)] = struct{}{}
}
