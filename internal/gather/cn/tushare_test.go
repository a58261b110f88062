package cn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"barmirror/internal/domain"
	"barmirror/internal/util"
)

// fakeTushare serves canned responses keyed by api_name and records every
// request it receives.
type fakeTushare struct {
	mu       sync.Mutex
	requests []request
	handler  func(req request) response
}

func (f *fakeTushare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.handler(req))
}

func newTestClient(t *testing.T, f *fakeTushare, opts ...Option) *TushareClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewTushareClient("test-token", append([]Option{WithURL(srv.URL)}, opts...)...)
}

func TestTushareClientName(t *testing.T) {
	c := NewTushareClient("tok")
	if got := c.Name(); got != "tushare" {
		t.Errorf("Name() = %q, want %q", got, "tushare")
	}
	if c.url != DefaultURL || c.rowCap != DefaultRowCap {
		t.Errorf("defaults = (%q, %d)", c.url, c.rowCap)
	}
}

func TestListSecurities(t *testing.T) {
	f := &fakeTushare{handler: func(req request) response {
		fields := []string{"ts_code", "symbol", "name", "industry", "list_date", "delist_date"}
		if req.Params["list_status"] == "D" {
			return response{Data: &table{Fields: fields, Items: [][]any{
				{"600001.SH", "600001", "Old Steel", "Steel", "19980101", "20090101"},
			}}}
		}
		return response{Data: &table{Fields: fields, Items: [][]any{
			{"000001.SZ", "000001", "Ping An Bank", "Bank", "19910403", nil},
			{"X.SH", "X", "No Industry", nil, "20200101", nil},
		}}}
	}}
	c := newTestClient(t, f)

	secs, err := c.ListSecurities(context.Background())
	if err != nil {
		t.Fatalf("ListSecurities: %v", err)
	}
	if len(secs) != 3 {
		t.Fatalf("got %d securities, want 3", len(secs))
	}
	if secs[0].Symbol != "000001.SZ" || secs[0].Market != domain.MarketCN || !secs[0].Active() {
		t.Errorf("secs[0] = %+v", secs[0])
	}
	if want := time.Date(1991, 4, 3, 0, 0, 0, 0, time.UTC); !secs[0].ListDate.Equal(want) {
		t.Errorf("ListDate = %v, want %v", secs[0].ListDate, want)
	}
	if secs[1].Industry != "" {
		t.Errorf("null industry = %q, want empty", secs[1].Industry)
	}
	if secs[2].Active() {
		t.Error("delisted security should not be active")
	}

	if f.requests[0].APIName != "stock_basic" || f.requests[0].Token != "test-token" {
		t.Errorf("request = %+v", f.requests[0])
	}
}

func TestFetchDailyBars(t *testing.T) {
	f := &fakeTushare{handler: func(req request) response {
		return response{Data: &table{
			Fields: []string{"ts_code", "trade_date", "open", "high", "low", "close", "pre_close", "change", "pct_chg", "vol", "amount"},
			Items: [][]any{
				{"X.SH", "20200106", 10.1, 10.5, 10.0, 10.4, 10.0, 0.4, 4.0, 1200.0, 12345.6},
				{"X.SH", "20200103", 9.9, 10.1, 9.8, 10.0, 9.9, 0.1, 1.01, 1000.0, 10000.0},
			},
		}}
	}}
	c := newTestClient(t, f)

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 1, 6, 0, 0, 0, 0, time.UTC)
	bars, err := c.FetchBars(context.Background(), "X.SH", domain.Daily, start, end)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	b := bars[0]
	if !b.Timestamp.Equal(end) || b.Close != 10.4 || b.PreClose != 10.0 || b.Volume != 1200 {
		t.Errorf("bar = %+v", b)
	}
	if b.Granularity != domain.Daily {
		t.Errorf("Granularity = %q", b.Granularity)
	}

	req := f.requests[0]
	if req.APIName != "daily" || req.Params["start_date"] != "20200101" || req.Params["end_date"] != "20200106" {
		t.Errorf("request = %+v", req)
	}
}

func TestFetchMinuteBarsPaged(t *testing.T) {
	f := &fakeTushare{handler: func(req request) response {
		return response{Data: &table{
			Fields: []string{"ts_code", "trade_time", "open", "close", "high", "low", "vol", "amount"},
			Items: [][]any{
				{"X.SH", req.Params["start_date"][:10] + " 10:00:00", 1.0, 1.1, 1.2, 0.9, 100.0, 110.0},
			},
		}}
	}}
	// 40 rows per call at 8 bars per day gives 5-day windows.
	c := newTestClient(t, f, WithRowCap(40))

	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2021, 1, 12, 0, 0, 0, 0, time.UTC)
	bars, err := c.FetchBars(context.Background(), "X.SH", domain.Min30, start, end)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}

	if len(f.requests) != 3 {
		t.Fatalf("made %d calls, want 3", len(f.requests))
	}
	wantStarts := []string{"2021-01-01 00:00:00", "2021-01-06 00:00:00", "2021-01-11 00:00:00"}
	for i, req := range f.requests {
		if req.APIName != "stk_mins" || req.Params["freq"] != "30min" {
			t.Errorf("request %d = %+v", i, req)
		}
		if req.Params["start_date"] != wantStarts[i] {
			t.Errorf("window %d start = %q, want %q", i, req.Params["start_date"], wantStarts[i])
		}
	}
	if last := f.requests[2].Params["end_date"]; last != "2021-01-12 23:59:59" {
		t.Errorf("last window end = %q, want whole end day", last)
	}

	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}
	if want := time.Date(2021, 1, 1, 10, 0, 0, 0, time.UTC); !bars[0].Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", bars[0].Timestamp, want)
	}
	if bars[0].Granularity != domain.Min30 || bars[0].High != 1.2 {
		t.Errorf("bar = %+v", bars[0])
	}
}

func TestFetchBarsOpenEnded(t *testing.T) {
	f := &fakeTushare{handler: func(request) response { return response{Data: &table{}} }}
	now := time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC) // 16:00 in Shanghai
	c := newTestClient(t, f, WithClock(func() time.Time { return now }))

	bars, err := c.FetchBars(context.Background(), "X.SH", domain.Daily, time.Date(2021, 2, 20, 0, 0, 0, 0, time.UTC), time.Time{})
	if err != nil || len(bars) != 0 {
		t.Fatalf("FetchBars = (%v, %v), want empty", bars, err)
	}
	if got := f.requests[0].Params["end_date"]; got != "20210301" {
		t.Errorf("end_date = %q, want today", got)
	}
}

func TestFetchCalendar(t *testing.T) {
	f := &fakeTushare{handler: func(request) response {
		return response{Data: &table{
			Fields: []string{"exchange", "cal_date", "is_open"},
			Items: [][]any{
				{"SSE", "20210104", 1.0},
				{"SSE", "20210109", 0.0},
				{"SSE", "20210105", "1"},
			},
		}}
	}}
	c := newTestClient(t, f)

	days, err := c.FetchCalendar(context.Background(), "SSE",
		time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchCalendar: %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("got %d days, want 3", len(days))
	}
	if !days[0].IsOpen || days[1].IsOpen || !days[2].IsOpen {
		t.Errorf("IsOpen flags = %v %v %v", days[0].IsOpen, days[1].IsOpen, days[2].IsOpen)
	}
	if days[0].Exchange != "SSE" {
		t.Errorf("Exchange = %q", days[0].Exchange)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		permanent bool
	}{
		{"rate limit", codeRateLimit, false},
		{"server busy", codeServerBusy, false},
		{"bad token", codeBadToken, true},
		{"no permission", codeNoAuth, true},
		{"unknown client error", 40300, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeTushare{handler: func(request) response {
				return response{Code: tt.code, Msg: "nope"}
			}}
			c := newTestClient(t, f)

			_, err := c.FetchCalendar(context.Background(), "SSE", time.Now(), time.Now())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := util.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (err %v)", got, tt.permanent, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.code {
				t.Errorf("err = %v, want APIError code %d", err, tt.code)
			}
		})
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	c := NewTushareClient("tok", WithURL(srv.URL))

	_, err := c.ListSecurities(context.Background())
	if err == nil || util.IsPermanent(err) {
		t.Errorf("502 should be retryable, got %v", err)
	}

	status.Store(http.StatusForbidden)
	_, err = c.ListSecurities(context.Background())
	if !util.IsPermanent(err) {
		t.Errorf("403 should be permanent, got %v", err)
	}
}
