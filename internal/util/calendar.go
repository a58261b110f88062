package util

import (
	"sort"
	"time"

	"barmirror/internal/domain"
)

// TradingCalendar answers open-session questions for one exchange from the
// calendar entries fetched upstream.
type TradingCalendar struct {
	open   map[time.Time]struct{}
	sorted []time.Time // open dates, ascending
}

// NewTradingCalendar builds a TradingCalendar from calendar entries. Closed
// days are ignored, as are entries of other exchanges when exchange is set.
func NewTradingCalendar(exchange string, days []domain.CalendarDay) *TradingCalendar {
	tc := &TradingCalendar{
		open: make(map[time.Time]struct{}, len(days)),
	}
	for _, d := range days {
		if !d.IsOpen {
			continue
		}
		if exchange != "" && d.Exchange != "" && d.Exchange != exchange {
			continue
		}
		date := domain.DateOf(d.Date)
		if _, dup := tc.open[date]; dup {
			continue
		}
		tc.open[date] = struct{}{}
		tc.sorted = append(tc.sorted, date)
	}
	sort.Slice(tc.sorted, func(i, j int) bool { return tc.sorted[i].Before(tc.sorted[j]) })
	return tc
}

// OpenDates returns the open dates within [from, to], ascending.
func (tc *TradingCalendar) OpenDates(from, to time.Time) []time.Time {
	from, to = domain.DateOf(from), domain.DateOf(to)
	i := sort.Search(len(tc.sorted), func(i int) bool { return !tc.sorted[i].Before(from) })

	var out []time.Time
	for ; i < len(tc.sorted) && !tc.sorted[i].After(to); i++ {
		out = append(out, tc.sorted[i])
	}
	return out
}

// NextOpen returns the first open date at or after t, or false when the
// calendar ends before t.
func (tc *TradingCalendar) NextOpen(t time.Time) (time.Time, bool) {
	d := domain.DateOf(t)
	i := sort.Search(len(tc.sorted), func(i int) bool { return !tc.sorted[i].Before(d) })
	if i == len(tc.sorted) {
		return time.Time{}, false
	}
	return tc.sorted[i], true
}

// LatestOpen returns the last open date at or before t, or false when the
// calendar starts after t.
func (tc *TradingCalendar) LatestOpen(t time.Time) (time.Time, bool) {
	d := domain.DateOf(t)
	i := sort.Search(len(tc.sorted), func(i int) bool { return tc.sorted[i].After(d) })
	if i == 0 {
		return time.Time{}, false
	}
	return tc.sorted[i-1], true
}

// Len returns the number of open dates.
func (tc *TradingCalendar) Len() int {
	return len(tc.sorted)
}
