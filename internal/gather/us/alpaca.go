// Package us implements the US equity provider on the Alpaca trading and
// market-data APIs.
package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"barmirror/internal/domain"
	"barmirror/internal/gather"
	"barmirror/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Provider = (*AlpacaProvider)(nil)
var _ tradingAPI = (*alpaca.Client)(nil)
var _ barsAPI = (*marketdata.Client)(nil)

// tradingAPI is the subset of the Alpaca trading client the provider uses.
type tradingAPI interface {
	GetAssets(req alpaca.GetAssetsRequest) ([]alpaca.Asset, error)
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// barsAPI is the subset of the Alpaca market-data client the provider uses.
type barsAPI interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// ---------------------------------------------------------------------------
// AlpacaProvider
// ---------------------------------------------------------------------------

// AlpacaProvider is a gather.Provider for US equities. The asset list and
// trading calendar come from the trading API, bars from the market-data API.
// Bar timestamps are converted from UTC instants to New York wall clock.
type AlpacaProvider struct {
	trading tradingAPI
	data    barsAPI
	feed    string
	loc     *time.Location
	now     func() time.Time
	log     *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials.
// Empty URLs select the SDK defaults; feed is "iex" or "sip".
func NewAlpacaProvider(apiKey, apiSecret, baseURL, dataURL, feed string) *AlpacaProvider {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}

	return newAlpacaProvider(
		alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		marketdata.NewClient(dataOpts),
		feed,
	)
}

func newAlpacaProvider(trading tradingAPI, data barsAPI, feed string) *AlpacaProvider {
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaProvider{
		trading: trading,
		data:    data,
		feed:    feed,
		loc:     domain.MarketUS.Location(),
		now:     time.Now,
		log:     slog.Default().With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// ListSecurities returns active, tradable US equities. Alpaca has no listing
// date, so ListDate stays zero and a global start date is required.
func (p *AlpacaProvider) ListSecurities(ctx context.Context) ([]domain.Security, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	assets, err := p.trading.GetAssets(alpaca.GetAssetsRequest{
		Status:     "active",
		AssetClass: "us_equity",
	})
	if err != nil {
		return nil, classify(fmt.Errorf("GetAssets: %w", err))
	}

	out := make([]domain.Security, 0, len(assets))
	for _, a := range assets {
		if !a.Tradable {
			continue
		}
		out = append(out, domain.Security{
			Symbol:   strings.ToUpper(a.Symbol),
			Name:     a.Name,
			Industry: "",
			Market:   domain.MarketUS,
		})
	}
	return out, nil
}

// FetchBars returns bars of symbol within [start, end]. An open-ended daily
// request stops at the latest finished session so a partial bar for today
// is never mirrored.
func (p *AlpacaProvider) FetchBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tf, err := timeFrame(gran)
	if err != nil {
		return nil, util.Permanent(err)
	}

	if end.IsZero() && !gran.IsIntraday() {
		last, err := p.LatestFinishedDay(ctx)
		if err != nil {
			return nil, err
		}
		end = last
	}

	req := marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), start.Second(), 0, p.loc),
		Feed:      marketdata.Feed(p.feed),
	}
	if !end.IsZero() {
		if !gran.IsIntraday() || (end.Hour() == 0 && end.Minute() == 0) {
			// Date-only ends cover the whole day.
			end = domain.DateOf(end).Add(24*time.Hour - time.Second)
		}
		req.End = time.Date(end.Year(), end.Month(), end.Day(), end.Hour(), end.Minute(), end.Second(), 0, p.loc)
		if req.End.Before(req.Start) {
			return nil, nil
		}
	}

	raw, err := p.data.GetBars(symbol, req)
	if err != nil {
		return nil, classify(fmt.Errorf("GetBars %s: %w", symbol, err))
	}
	return convertBars(symbol, gran, raw, p.loc), nil
}

// FetchCalendar returns the open sessions in [start, end]. Alpaca's
// calendar lists trading days only, so every entry is open.
func (p *AlpacaProvider) FetchCalendar(ctx context.Context, exchange string, start, end time.Time) ([]domain.CalendarDay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	days, err := p.trading.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("GetCalendar: %w", err))
	}
	return convertCalendar(exchange, days), nil
}

// ---------------------------------------------------------------------------
// Conversion helpers
// ---------------------------------------------------------------------------

func timeFrame(gran domain.Granularity) (marketdata.TimeFrame, error) {
	if gran == domain.Daily {
		return marketdata.OneDay, nil
	}
	if gran.IsIntraday() {
		return marketdata.NewTimeFrame(gran.Minutes(), marketdata.Min), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("alpaca: unsupported granularity %q", gran)
}

// convertBars maps SDK bars to domain bars. Amount is approximated as
// VWAP * volume since Alpaca reports no turnover.
func convertBars(symbol string, gran domain.Granularity, raw []marketdata.Bar, loc *time.Location) []domain.Bar {
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		ts := domain.WallClock(ab.Timestamp, loc)
		if !gran.IsIntraday() {
			ts = domain.DateOf(ts)
		}
		bars = append(bars, domain.Bar{
			Symbol:      strings.ToUpper(symbol),
			Granularity: gran,
			Timestamp:   ts,
			Open:        ab.Open,
			High:        ab.High,
			Low:         ab.Low,
			Close:       ab.Close,
			Volume:      float64(ab.Volume),
			Amount:      ab.VWAP * float64(ab.Volume),
		})
	}
	return bars
}

func convertCalendar(exchange string, days []alpaca.CalendarDay) []domain.CalendarDay {
	out := make([]domain.CalendarDay, 0, len(days))
	for _, d := range days {
		date, err := time.ParseInLocation(domain.DateLayout, d.Date, time.UTC)
		if err != nil {
			continue
		}
		out = append(out, domain.CalendarDay{Exchange: exchange, Date: date, IsOpen: true})
	}
	return out
}

// classify marks 4xx API errors other than 429 as permanent so the fetcher
// stops retrying them. Transport errors and 5xx stay retryable.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) &&
		apiErr.StatusCode >= http.StatusBadRequest &&
		apiErr.StatusCode < http.StatusInternalServerError &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return util.Permanent(err)
	}
	return err
}
