package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"barmirror/internal/domain"
	"barmirror/internal/gather"
	"barmirror/internal/util"
)

// FetchRequest names one upstream bar query. A zero End means "through the
// latest available bar".
type FetchRequest struct {
	Symbol      string
	Granularity domain.Granularity
	Start       time.Time
	End         time.Time
}

// FetchError is returned when an upstream call failed on every attempt or
// with a permanent error.
type FetchError struct {
	Symbol      string
	Granularity domain.Granularity
	Attempts    int
	Err         error
}

func (e *FetchError) Error() string {
	target := e.Symbol
	if e.Granularity != "" {
		target += "/" + string(e.Granularity)
	}
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", target, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher wraps a provider with the shared rate limiter, the retry policy
// and row normalization.
type Fetcher struct {
	provider gather.Provider
	limiter  *util.RateLimiter
	policy   util.RetryPolicy
	log      *slog.Logger
}

// NewFetcher creates a Fetcher. A nil limiter means unlimited.
func NewFetcher(p gather.Provider, limiter *util.RateLimiter, policy util.RetryPolicy, log *slog.Logger) *Fetcher {
	return &Fetcher{
		provider: p,
		limiter:  limiter,
		policy:   policy,
		log:      log.With("component", "fetcher", "provider", p.Name()),
	}
}

// Fetch returns normalized bars for req, ascending by timestamp. An empty
// upstream result is (nil, nil) and is never retried.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) ([]domain.Bar, error) {
	var rows []domain.Bar
	err := f.do(ctx, req.Symbol, req.Granularity, func() error {
		var err error
		rows, err = f.provider.FetchBars(ctx, req.Symbol, req.Granularity, req.Start, req.End)
		return err
	})
	if err != nil {
		return nil, err
	}
	return normalizeBars(req, rows), nil
}

// Calendar fetches the trading calendar of exchange for [from, to].
func (f *Fetcher) Calendar(ctx context.Context, exchange string, from, to time.Time) ([]domain.CalendarDay, error) {
	var days []domain.CalendarDay
	err := f.do(ctx, "calendar:"+exchange, "", func() error {
		var err error
		days, err = f.provider.FetchCalendar(ctx, exchange, from, to)
		return err
	})
	return days, err
}

// Securities fetches the provider's security master.
func (f *Fetcher) Securities(ctx context.Context) ([]domain.Security, error) {
	var secs []domain.Security
	err := f.do(ctx, "securities", "", func() error {
		var err error
		secs, err = f.provider.ListSecurities(ctx)
		return err
	})
	return secs, err
}

// do runs call under the rate limiter and retry policy and converts the
// final failure into a *FetchError.
func (f *Fetcher) do(ctx context.Context, target string, gran domain.Granularity, call func() error) error {
	attempts, err := f.policy.Do(ctx, func(attempt int) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		err := call()
		if err != nil {
			f.log.Warn("fetch attempt failed",
				"symbol", target,
				"granularity", gran,
				"attempt", fmt.Sprintf("%d/%d", attempt, max(f.policy.Attempts, 1)),
				"err", err,
			)
		}
		return err
	})
	if err != nil {
		return &FetchError{Symbol: target, Granularity: gran, Attempts: attempts, Err: err}
	}
	return nil
}

// normalizeBars keeps rows of req.Symbol with a timestamp, stamps the
// granularity, drops duplicate timestamps (first wins) and sorts ascending.
// Daily-only columns are cleared on intraday rows.
func normalizeBars(req FetchRequest, rows []domain.Bar) []domain.Bar {
	if len(rows) == 0 {
		return nil
	}

	seen := make(map[time.Time]struct{}, len(rows))
	out := make([]domain.Bar, 0, len(rows))
	for _, b := range rows {
		if b.Symbol == "" {
			b.Symbol = req.Symbol
		}
		if !strings.EqualFold(b.Symbol, req.Symbol) || b.Timestamp.IsZero() {
			continue
		}
		b.Symbol = req.Symbol
		b.Granularity = req.Granularity
		if req.Granularity.IsIntraday() {
			b.PreClose, b.Change, b.PctChg = 0, 0, 0
		} else {
			b.Timestamp = b.Date()
		}
		if _, dup := seen[b.Timestamp]; dup {
			continue
		}
		seen[b.Timestamp] = struct{}{}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) == 0 {
		return nil
	}
	return out
}
