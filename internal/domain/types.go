// Package domain defines the core types shared by the providers, the stores
// and the synchronization engine.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the canonical textual form of a trading date.
const DateLayout = "2006-01-02"

// DateTimeLayout is the canonical textual form of an intraday timestamp.
const DateTimeLayout = "2006-01-02 15:04:05"

// ---------------------------------------------------------------------------
// Market
// ---------------------------------------------------------------------------

// Market identifies the market a mirror is built for.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// DefaultExchange returns the exchange whose calendar drives reconciliation
// for the market.
func (m Market) DefaultExchange() string {
	switch m {
	case MarketUS:
		return "NYSE"
	default:
		return "SSE"
	}
}

// Location returns the exchange-local time zone of the market.
func (m Market) Location() *time.Location {
	name := "Asia/Shanghai"
	if m == MarketUS {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ---------------------------------------------------------------------------
// Granularity
// ---------------------------------------------------------------------------

// Granularity is the time resolution of a bar series.
type Granularity string

const (
	Daily Granularity = "daily"
	Min1  Granularity = "1min"
	Min5  Granularity = "5min"
	Min15 Granularity = "15min"
	Min30 Granularity = "30min"
	Min60 Granularity = "60min"
)

var granularityMinutes = map[Granularity]int{
	Min1:  1,
	Min5:  5,
	Min15: 15,
	Min30: 30,
	Min60: 60,
}

// ParseGranularity validates s and returns the matching Granularity.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	if g == Daily {
		return g, nil
	}
	if _, ok := granularityMinutes[g]; ok {
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// IsIntraday reports whether bars of this granularity cover less than a
// full session.
func (g Granularity) IsIntraday() bool {
	_, ok := granularityMinutes[g]
	return ok
}

// Minutes returns the bar width in minutes, or 0 for daily bars.
func (g Granularity) Minutes() int {
	return granularityMinutes[g]
}

// BarsPerSession returns the number of bars one regular trading session
// produces for the market. Daily granularity always yields 1.
func (g Granularity) BarsPerSession(m Market) int {
	if !g.IsIntraday() {
		return 1
	}
	sessionMinutes := 240 // SSE/SZSE: 09:30-11:30, 13:00-15:00
	if m == MarketUS {
		sessionMinutes = 390 // 09:30-16:00
	}
	n := sessionMinutes / g.Minutes()
	if sessionMinutes%g.Minutes() != 0 {
		n++
	}
	return n
}

// ---------------------------------------------------------------------------
// Security
// ---------------------------------------------------------------------------

// Security is a tradable instrument identified by an exchange-qualified
// symbol such as "000001.SZ" or "AAPL".
type Security struct {
	Symbol     string
	Name       string
	Industry   string // "" when the provider has no classification
	Market     Market
	ListDate   time.Time
	DelistDate time.Time // zero while listed
}

// Active reports whether the security is still listed.
func (s Security) Active() bool {
	return s.DelistDate.IsZero()
}

// ---------------------------------------------------------------------------
// Bar
// ---------------------------------------------------------------------------

// Bar is one OHLCV record. Timestamps are exchange-local wall-clock times
// carried in the UTC location; daily bars sit at midnight.
type Bar struct {
	Symbol      string
	Granularity Granularity
	Timestamp   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	Amount      float64

	// Daily bars only.
	PreClose float64
	Change   float64
	PctChg   float64
}

// Date returns the trading date the bar belongs to.
func (b Bar) Date() time.Time {
	return DateOf(b.Timestamp)
}

// Validate reports the first missing or malformed field of b.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar has no symbol")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s has no timestamp", b.Symbol)
	}
	if b.Granularity == "" {
		return fmt.Errorf("bar %s@%s has no granularity", b.Symbol, b.Timestamp.Format(DateTimeLayout))
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount, b.PreClose, b.Change, b.PctChg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar %s@%s has a non-finite value", b.Symbol, b.Timestamp.Format(DateTimeLayout))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Trading calendar
// ---------------------------------------------------------------------------

// CalendarDay is one entry of an exchange trading calendar.
type CalendarDay struct {
	Exchange string
	Date     time.Time
	IsOpen   bool
}

// ---------------------------------------------------------------------------
// Date helpers
// ---------------------------------------------------------------------------

// DateOf strips the clock from t, keeping its wall-clock date, and returns
// it as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WallClock re-labels t's wall-clock reading in loc as a UTC time.
func WallClock(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), 0, time.UTC)
}

// ParseDate parses "YYYY-MM-DD" or the compact "YYYYMMDD" form.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layout := DateLayout
	if len(s) == 8 && !strings.Contains(s, "-") {
		layout = "20060102"
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}
