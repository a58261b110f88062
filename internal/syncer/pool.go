package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"barmirror/internal/domain"
)

// unit is one fetch-then-append piece of work.
type unit struct {
	Symbol      string
	Granularity domain.Granularity
	Start       time.Time
	End         time.Time
}

// forEach runs fn for every item on at most workers goroutines. fn records
// its own outcome; only cancellation of ctx stops the remaining items.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, i int, item T)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		i, item := i, item
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fn(gctx, i, item)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// runner executes units through a Fetcher and a Writer.
type runner struct {
	fetcher *Fetcher
	writer  *Writer
	workers int
	log     *slog.Logger
}

// run executes units on the worker pool and records every outcome on rep.
func (r *runner) run(ctx context.Context, rep *Report, units []unit) error {
	total := len(units)
	return forEach(ctx, r.workers, units, func(ctx context.Context, i int, u unit) {
		r.runUnit(ctx, rep, u, fmt.Sprintf("%d/%d", i+1, total))
	})
}

func (r *runner) runUnit(ctx context.Context, rep *Report, u unit, progress string) {
	failure := Failure{
		Symbol: u.Symbol,
		Start:  formatBound(u.Start, u.Granularity),
		End:    formatBound(u.End, u.Granularity),
	}

	bars, err := r.fetcher.Fetch(ctx, FetchRequest{
		Symbol:      u.Symbol,
		Granularity: u.Granularity,
		Start:       u.Start,
		End:         u.End,
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			failure.Attempts = fe.Attempts
		}
		failure.Stage = StageFetch
		rep.recordFailure(failure, err)
		r.log.Error("fetch failed, skipping unit",
			"unit", progress,
			"symbol", u.Symbol,
			"attempts", failure.Attempts,
			"err", err,
		)
		return
	}

	if len(bars) == 0 {
		rep.recordEmpty()
		r.log.Info("no data", "unit", progress, "symbol", u.Symbol, "start", failure.Start)
		return
	}

	attempted, inserted, err := r.writer.Append(ctx, u.Granularity, bars)
	if err != nil {
		failure.Stage = StageWrite
		rep.recordFailure(failure, err)
		r.log.Error("write failed, unit aborted",
			"unit", progress,
			"symbol", u.Symbol,
			"rows", len(bars),
			"err", err,
		)
		return
	}

	rep.recordSuccess(attempted, inserted)
	r.log.Info("synced",
		"unit", progress,
		"symbol", u.Symbol,
		"start", failure.Start,
		"rows", attempted,
		"inserted", inserted,
	)
}

func formatBound(t time.Time, gran domain.Granularity) string {
	if t.IsZero() {
		return ""
	}
	if gran.IsIntraday() && !t.Equal(domain.DateOf(t)) {
		return t.Format(domain.DateTimeLayout)
	}
	return t.Format(domain.DateLayout)
}
