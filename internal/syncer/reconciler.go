package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"barmirror/internal/domain"
	"barmirror/internal/store"
	"barmirror/internal/util"
)

// ErrIntradayGaps is returned for intraday granularities: a missing intraday
// bar does not map to a missing calendar date, so such gaps are not
// reconciled.
var ErrIntradayGaps = errors.New("gap reconciliation supports daily bars only")

// Reconciler finds daily bars missing against the exchange calendar and
// fetches them one date at a time.
type Reconciler struct {
	registry *Registry
	store    store.BarStore
	fetcher  *Fetcher
	runner   *runner
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

// Gaps returns, per active security, the open dates in [from, to] on or
// after its listing date that have no stored bar. Stored dates come from a
// single bulk query.
func (r *Reconciler) Gaps(ctx context.Context, gran domain.Granularity, exchange string, from, to time.Time) (map[string][]time.Time, error) {
	if gran.IsIntraday() {
		return nil, ErrIntradayGaps
	}

	from, to = domain.DateOf(from), domain.DateOf(to)
	if today := domain.DateOf(domain.WallClock(r.now(), r.loc)); to.After(today) {
		to = today
	}
	if to.Before(from) {
		return map[string][]time.Time{}, nil
	}

	days, err := r.fetcher.Calendar(ctx, exchange, from, to)
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}
	cal := util.NewTradingCalendar(exchange, days)
	if cal.Len() == 0 {
		r.log.Warn("no open sessions in window", "exchange", exchange,
			"from", from.Format(domain.DateLayout), "to", to.Format(domain.DateLayout))
		return map[string][]time.Time{}, nil
	}
	// Narrow the window to the first and last open sessions.
	first, _ := cal.NextOpen(from)
	last, ok := cal.LatestOpen(to)
	if !ok || last.Before(first) {
		return map[string][]time.Time{}, nil
	}
	expected := cal.OpenDates(first, last)

	stored, err := r.store.StoredDates(ctx, gran)
	if err != nil {
		return nil, fmt.Errorf("load stored dates: %w", err)
	}

	secs, err := r.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	gaps := make(map[string][]time.Time)
	for _, sec := range secs {
		if g := FindGaps(expected, sec.ListDate, stored[sec.Symbol]); len(g) > 0 {
			gaps[sec.Symbol] = g
		}
	}
	return gaps, nil
}

// Reconcile fills daily gaps of every active security over [from, to]
// using the calendar of exchange.
func (r *Reconciler) Reconcile(ctx context.Context, exchange string, from, to time.Time) (*Report, error) {
	rep := NewReport(KindReconcile, domain.Daily)
	defer rep.finish()

	gaps, err := r.Gaps(ctx, domain.Daily, exchange, from, to)
	if err != nil {
		return rep, err
	}

	var units []unit
	for sym, dates := range gaps {
		for _, d := range dates {
			units = append(units, unit{Symbol: sym, Granularity: domain.Daily, Start: d, End: d})
		}
	}
	rep.addGaps(len(units))
	rep.addUnits(len(units))

	r.log.Info("gaps found",
		"exchange", exchange,
		"from", from.Format(domain.DateLayout),
		"to", to.Format(domain.DateLayout),
		"securities", len(gaps),
		"gaps", len(units),
	)

	err = r.runner.run(ctx, rep, units)
	return rep, err
}

// FindGaps returns the dates of expected on or after listed that are not in
// stored (keyed "YYYY-MM-DD"), in the order of expected.
func FindGaps(expected []time.Time, listed time.Time, stored map[string]struct{}) []time.Time {
	var gaps []time.Time
	listed = domain.DateOf(listed)
	for _, d := range expected {
		if !listed.IsZero() && d.Before(listed) {
			continue
		}
		if _, ok := stored[d.Format(domain.DateLayout)]; ok {
			continue
		}
		gaps = append(gaps, d)
	}
	return gaps
}

// LookbackWindow returns the date range covering the days before now,
// ending on now's date.
func LookbackWindow(now time.Time, days int) (from, to time.Time) {
	to = domain.DateOf(now)
	return to.AddDate(0, 0, -max(days, 0)), to
}
