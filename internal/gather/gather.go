// Package gather defines the upstream market-data provider contract.
// Concrete providers live in the cn and us subpackages.
package gather

import (
	"context"
	"time"

	"barmirror/internal/domain"
)

// Provider is an upstream market-data source.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// ListSecurities returns the provider's security master.
	ListSecurities(ctx context.Context) ([]domain.Security, error)

	// FetchBars returns bars of symbol at granularity gran within
	// [start, end]. A zero end means "through the latest available bar".
	// Timestamps are exchange-local wall-clock times in the UTC location.
	FetchBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error)

	// FetchCalendar returns the trading calendar of exchange for
	// [start, end].
	FetchCalendar(ctx context.Context, exchange string, start, end time.Time) ([]domain.CalendarDay, error)
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SplitRange splits [start, end] into consecutive windows of at most days
// calendar days each. A non-positive days returns the range unsplit.
func SplitRange(start, end time.Time, days int) []DateRange {
	if days <= 0 || !end.After(start) {
		return []DateRange{{Start: start, End: end}}
	}

	var out []DateRange
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, days) {
		// Window ends just before the next window starts.
		wEnd := cur.AddDate(0, 0, days).Add(-time.Second)
		if wEnd.After(end) {
			wEnd = end
		}
		out = append(out, DateRange{Start: cur, End: wEnd})
	}
	return out
}
