// Package cn implements the China A-share provider on the Tushare Pro API.
package cn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"barmirror/internal/domain"
	"barmirror/internal/gather"
	"barmirror/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface check
// ---------------------------------------------------------------------------

var _ gather.Provider = (*TushareClient)(nil)

// DefaultURL is the Tushare Pro HTTP endpoint.
const DefaultURL = "http://api.tushare.pro"

// DefaultRowCap is the per-call row limit of the bar endpoints.
const DefaultRowCap = 5000

const compactDate = "20060102"

// Tushare response codes.
const (
	codeOK         = 0
	codeBadToken   = 40001
	codeNoAuth     = 40101
	codeRateLimit  = 40203
	codeServerBusy = 50101
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// APIError is a non-zero response code from Tushare.
type APIError struct {
	API  string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tushare %s: code %d: %s", e.API, e.Code, e.Msg)
}

// IsRetryable reports whether the call may succeed when repeated.
func (e *APIError) IsRetryable() bool {
	switch e.Code {
	case codeBadToken, codeNoAuth:
		return false
	case codeRateLimit, codeServerBusy:
		return true
	}
	return e.Code >= 50000
}

// ---------------------------------------------------------------------------
// TushareClient
// ---------------------------------------------------------------------------

// TushareClient is a gather.Provider for SSE/SZSE securities backed by the
// Tushare Pro API.
type TushareClient struct {
	url        string
	token      string
	rowCap     int
	httpClient *http.Client
	now        func() time.Time
	log        *slog.Logger
}

// Option configures a TushareClient.
type Option func(*TushareClient)

// WithURL overrides the API endpoint.
func WithURL(u string) Option {
	return func(c *TushareClient) {
		if u != "" {
			c.url = u
		}
	}
}

// WithRowCap sets the per-call row cap used to page bar requests.
func WithRowCap(n int) Option {
	return func(c *TushareClient) {
		if n > 0 {
			c.rowCap = n
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *TushareClient) {
		c.httpClient = hc
	}
}

// WithClock replaces the wall clock used to resolve open-ended ranges.
func WithClock(now func() time.Time) Option {
	return func(c *TushareClient) {
		c.now = now
	}
}

// NewTushareClient creates a client authenticating with token.
func NewTushareClient(token string, opts ...Option) *TushareClient {
	c := &TushareClient{
		url:        DefaultURL,
		token:      token,
		rowCap:     DefaultRowCap,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
		log:        slog.Default().With("provider", "tushare"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *TushareClient) Name() string { return "tushare" }

// ListSecurities returns listed and delisted A-shares from stock_basic.
func (c *TushareClient) ListSecurities(ctx context.Context) ([]domain.Security, error) {
	var out []domain.Security
	for _, status := range []string{"L", "D"} {
		tbl, err := c.call(ctx, "stock_basic",
			map[string]string{"exchange": "", "list_status": status},
			"ts_code,symbol,name,industry,list_date,delist_date",
		)
		if err != nil {
			return nil, err
		}
		for _, row := range tbl.rows() {
			sec := domain.Security{
				Symbol:   row.str("ts_code"),
				Name:     row.str("name"),
				Industry: row.str("industry"),
				Market:   domain.MarketCN,
			}
			sec.ListDate, _ = parseCompact(row.str("list_date"))
			sec.DelistDate, _ = parseCompact(row.str("delist_date"))
			if status == "D" && sec.DelistDate.IsZero() {
				// Delisted rows occasionally lack a date; keep them out of
				// the active set anyway.
				sec.DelistDate = domain.DateOf(c.now())
			}
			out = append(out, sec)
		}
	}
	return out, nil
}

// FetchBars returns daily bars from "daily" or intraday bars from "stk_mins".
// Ranges longer than the row cap allows are split into windows and fetched
// one after another.
func (c *TushareClient) FetchBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	if end.IsZero() {
		end = domain.WallClock(c.now(), domain.MarketCN.Location())
	}
	if gran.IsIntraday() {
		// Intraday queries need the whole end day.
		end = domain.DateOf(end).Add(24*time.Hour - time.Second)
	}
	if end.Before(start) {
		return nil, nil
	}

	windowDays := max(c.rowCap/gran.BarsPerSession(domain.MarketCN), 1)

	var bars []domain.Bar
	for _, w := range gather.SplitRange(start, end, windowDays) {
		var (
			chunk []domain.Bar
			err   error
		)
		if gran.IsIntraday() {
			chunk, err = c.fetchMinutes(ctx, symbol, gran, w.Start, w.End)
		} else {
			chunk, err = c.fetchDaily(ctx, symbol, w.Start, w.End)
		}
		if err != nil {
			return nil, err
		}
		bars = append(bars, chunk...)
	}
	return bars, nil
}

// FetchCalendar returns trade_cal entries of exchange for [start, end].
func (c *TushareClient) FetchCalendar(ctx context.Context, exchange string, start, end time.Time) ([]domain.CalendarDay, error) {
	tbl, err := c.call(ctx, "trade_cal",
		map[string]string{
			"exchange":   exchange,
			"start_date": start.Format(compactDate),
			"end_date":   end.Format(compactDate),
		},
		"exchange,cal_date,is_open",
	)
	if err != nil {
		return nil, err
	}

	var out []domain.CalendarDay
	for _, row := range tbl.rows() {
		d, err := parseCompact(row.str("cal_date"))
		if err != nil || d.IsZero() {
			continue
		}
		ex := row.str("exchange")
		if ex == "" {
			ex = exchange
		}
		out = append(out, domain.CalendarDay{
			Exchange: ex,
			Date:     d,
			IsOpen:   row.num("is_open") == 1,
		})
	}
	return out, nil
}

func (c *TushareClient) fetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	tbl, err := c.call(ctx, "daily",
		map[string]string{
			"ts_code":    symbol,
			"start_date": start.Format(compactDate),
			"end_date":   end.Format(compactDate),
		},
		"ts_code,trade_date,open,high,low,close,pre_close,change,pct_chg,vol,amount",
	)
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(tbl.Items))
	for _, row := range tbl.rows() {
		ts, err := parseCompact(row.str("trade_date"))
		if err != nil || ts.IsZero() {
			c.log.Warn("skipping row with bad trade_date", "symbol", symbol, "value", row.str("trade_date"))
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:      row.str("ts_code"),
			Granularity: domain.Daily,
			Timestamp:   ts,
			Open:        row.num("open"),
			High:        row.num("high"),
			Low:         row.num("low"),
			Close:       row.num("close"),
			Volume:      row.num("vol"),
			Amount:      row.num("amount"),
			PreClose:    row.num("pre_close"),
			Change:      row.num("change"),
			PctChg:      row.num("pct_chg"),
		})
	}
	return bars, nil
}

func (c *TushareClient) fetchMinutes(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	tbl, err := c.call(ctx, "stk_mins",
		map[string]string{
			"ts_code":    symbol,
			"freq":       string(gran),
			"start_date": start.Format(domain.DateTimeLayout),
			"end_date":   end.Format(domain.DateTimeLayout),
		},
		"ts_code,trade_time,open,close,high,low,vol,amount",
	)
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(tbl.Items))
	for _, row := range tbl.rows() {
		ts, err := time.ParseInLocation(domain.DateTimeLayout, row.str("trade_time"), time.UTC)
		if err != nil {
			c.log.Warn("skipping row with bad trade_time", "symbol", symbol, "value", row.str("trade_time"))
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:      row.str("ts_code"),
			Granularity: gran,
			Timestamp:   ts,
			Open:        row.num("open"),
			High:        row.num("high"),
			Low:         row.num("low"),
			Close:       row.num("close"),
			Volume:      row.num("vol"),
			Amount:      row.num("amount"),
		})
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

type request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *table `json:"data"`
}

// table is Tushare's columnar payload: field names plus positional rows.
type table struct {
	Fields  []string `json:"fields"`
	Items   [][]any  `json:"items"`
	HasMore bool     `json:"has_more"`
}

type row struct {
	idx  map[string]int
	vals []any
}

func (t *table) rows() []row {
	if t == nil {
		return nil
	}
	idx := make(map[string]int, len(t.Fields))
	for i, f := range t.Fields {
		idx[f] = i
	}
	out := make([]row, len(t.Items))
	for i, item := range t.Items {
		out[i] = row{idx: idx, vals: item}
	}
	return out
}

func (r row) get(field string) any {
	i, ok := r.idx[field]
	if !ok || i >= len(r.vals) {
		return nil
	}
	return r.vals[i]
}

// str returns field as a trimmed string; null reads as "".
func (r row) str(field string) string {
	switch v := r.get(field).(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// num returns field as a float; null and unparsable values read as 0.
func (r row) num(field string) float64 {
	switch v := r.get(field).(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// call performs one API request. Permanent failures (bad token, malformed
// request) are wrapped with util.Permanent so callers stop retrying.
func (c *TushareClient) call(ctx context.Context, api string, params map[string]string, fields string) (*table, error) {
	payload, err := json.Marshal(request{APIName: api, Token: c.token, Params: params, Fields: fields})
	if err != nil {
		return nil, util.Permanent(fmt.Errorf("marshal %s request: %w", api, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, util.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tushare %s: %w", api, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tushare %s: read response: %w", api, err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("tushare %s: http %d: %s", api, resp.StatusCode, http.StatusText(resp.StatusCode))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, util.Permanent(err)
		}
		return nil, err
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("tushare %s: unmarshal response: %w", api, err)
	}
	if out.Code != codeOK {
		apiErr := &APIError{API: api, Code: out.Code, Msg: out.Msg}
		if !apiErr.IsRetryable() {
			return nil, util.Permanent(apiErr)
		}
		return nil, apiErr
	}
	if out.Data != nil && out.Data.HasMore {
		c.log.Warn("response truncated at row cap", "api", api, "rows", len(out.Data.Items))
	}
	return out.Data, nil
}

// parseCompact parses Tushare's YYYYMMDD dates; "" yields the zero time.
func parseCompact(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return domain.ParseDate(s)
}
