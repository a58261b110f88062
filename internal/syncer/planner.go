package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"barmirror/internal/domain"
	"barmirror/internal/store"
)

// ErrNoStartBoundary is returned when a security has no stored bars and
// neither a global start date nor a listing date is known.
var ErrNoStartBoundary = errors.New("no start boundary: global start date unset and listing date unknown")

// Planner computes where each security's sync resumes and drives the
// incremental and full runs.
type Planner struct {
	registry    *Registry
	store       store.BarStore
	runner      *runner
	globalStart time.Time
	loc         *time.Location
	now         func() time.Time
	log         *slog.Logger
}

// StartFor applies the resume policy to a cursor. With no stored bars
// (hasLatest false) the global start date wins over the listing date.
// Intraday series resume at the start of the latest stored day, since that
// session may have been captured only partially. Daily series resume the
// day after the latest stored date.
func (p *Planner) StartFor(sec domain.Security, gran domain.Granularity, latest time.Time, hasLatest bool) (time.Time, error) {
	if !hasLatest {
		switch {
		case !p.globalStart.IsZero():
			return domain.DateOf(p.globalStart), nil
		case !sec.ListDate.IsZero():
			return domain.DateOf(sec.ListDate), nil
		default:
			return time.Time{}, ErrNoStartBoundary
		}
	}

	day := domain.DateOf(latest)
	if gran.IsIntraday() {
		return day, nil
	}
	return day.AddDate(0, 0, 1), nil
}

// PlanStart reads the cursor of sec and returns where its sync resumes.
func (p *Planner) PlanStart(ctx context.Context, sec domain.Security, gran domain.Granularity) (time.Time, error) {
	latest, ok, err := p.store.MaxTimestamp(ctx, sec.Symbol, gran)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor for %s: %w", sec.Symbol, err)
	}
	return p.StartFor(sec, gran, latest, ok)
}

// Run performs an incremental sync of every active security. All cursors
// are loaded with one query. Per-unit failures are recorded on the report
// and never abort the run.
func (p *Planner) Run(ctx context.Context, gran domain.Granularity) (*Report, error) {
	cursors, err := p.store.LatestTimestamps(ctx, gran)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	return p.sync(ctx, NewReport(KindUpdate, gran), gran, func(sec domain.Security) (time.Time, error) {
		latest, ok := cursors[sec.Symbol]
		return p.StartFor(sec, gran, latest, ok)
	})
}

// Full re-syncs every active security from its initial boundary, ignoring
// stored cursors. Rows already present are dropped by the store.
func (p *Planner) Full(ctx context.Context, gran domain.Granularity) (*Report, error) {
	return p.sync(ctx, NewReport(KindFull, gran), gran, func(sec domain.Security) (time.Time, error) {
		return p.StartFor(sec, gran, time.Time{}, false)
	})
}

func (p *Planner) sync(ctx context.Context, rep *Report, gran domain.Granularity, plan func(domain.Security) (time.Time, error)) (*Report, error) {
	defer rep.finish()

	secs, err := p.registry.Active(ctx)
	if err != nil {
		return rep, err
	}

	today := p.today()
	var units []unit
	for _, sec := range secs {
		start, err := plan(sec)
		if err != nil {
			rep.recordFailure(Failure{Symbol: sec.Symbol, Stage: StagePlan}, err)
			p.log.Warn("cannot plan unit", "symbol", sec.Symbol, "granularity", gran, "err", err)
			continue
		}
		if start.After(today) {
			rep.recordSkip()
			continue
		}
		units = append(units, unit{Symbol: sec.Symbol, Granularity: gran, Start: start})
	}

	rep.addUnits(len(units))
	p.log.Info("sync planned",
		"kind", rep.Kind,
		"granularity", gran,
		"securities", len(secs),
		"units", len(units),
	)

	err = p.runner.run(ctx, rep, units)
	return rep, err
}

// today returns the current exchange-local date.
func (p *Planner) today() time.Time {
	return domain.DateOf(domain.WallClock(p.now(), p.loc))
}
