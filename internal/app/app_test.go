package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"barmirror/internal/config"
	"barmirror/internal/domain"
	"barmirror/internal/util"
)

func testConfig(t *testing.T, market string) *config.Config {
	t.Helper()
	t.Setenv("MARKET", market)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "mirror.db")
	return cfg
}

func TestNewProviderByMarket(t *testing.T) {
	tests := []struct {
		market string
		want   string
	}{
		{"cn", "tushare"},
		{"us", "alpaca"},
	}
	for _, tt := range tests {
		p, err := NewProvider(testConfig(t, tt.market))
		if err != nil {
			t.Fatalf("NewProvider(%s): %v", tt.market, err)
		}
		if p.Name() != tt.want {
			t.Errorf("NewProvider(%s).Name() = %q, want %q", tt.market, p.Name(), tt.want)
		}
	}

	cfg := testConfig(t, "cn")
	cfg.Market = "jp"
	if _, err := NewProvider(cfg); err == nil {
		t.Error("NewProvider accepted an unknown market")
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := testConfig(t, "cn")
	cfg.Sync.StartDate = "20150105"
	cfg.Sync.RetryCount = 4
	cfg.Sync.RetryDelaySeconds = 2
	cfg.Sync.MaxWorkers = 3

	opts := EngineOptions(cfg, nil)
	if opts.Market != domain.MarketCN || opts.Workers != 3 {
		t.Errorf("opts = %+v", opts)
	}
	if !opts.GlobalStart.Equal(time.Date(2015, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("GlobalStart = %v", opts.GlobalStart)
	}
	if opts.Retry.Attempts != 4 || opts.Retry.Delay != 2*time.Second {
		t.Errorf("Retry = %+v", opts.Retry)
	}
}

func TestOpenSQLite(t *testing.T) {
	cfg := testConfig(t, "cn")
	log := util.NewLoggerTo(&bytes.Buffer{}, "info", "text")

	e, s, err := Open(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if e.Planner == nil || e.Reconciler == nil {
		t.Error("engine not fully wired")
	}
}
