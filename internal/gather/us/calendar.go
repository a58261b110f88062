package us

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"barmirror/internal/domain"
)

// settleHour and settleMinute mark when a session's daily bar is final
// (20:05 ET, after extended hours).
const (
	settleHour   = 20
	settleMinute = 5
)

// LatestFinishedDay returns the most recent trading day whose daily bar has
// settled, as a date in the UTC location. It uses the Alpaca trading
// calendar for the past week.
func (p *AlpacaProvider) LatestFinishedDay(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	now := p.now().In(p.loc)
	days, err := p.trading.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("GetCalendar: %w", err))
	}

	day, ok := latestFinishedSession(days, now)
	if !ok {
		return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
	}
	return day, nil
}

// latestFinishedSession picks the last calendar day before now, counting
// today only once its bar has settled. now must be in exchange time.
func latestFinishedSession(days []alpaca.CalendarDay, now time.Time) (time.Time, bool) {
	today := now.Format(domain.DateLayout)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), settleHour, settleMinute, 0, 0, now.Location())

	for i := len(days) - 1; i >= 0; i-- {
		d := days[i]
		if d.Date > today {
			continue
		}
		if d.Date == today && now.Before(cutoff) {
			continue
		}
		t, err := time.ParseInLocation(domain.DateLayout, d.Date, time.UTC)
		if err != nil {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}
