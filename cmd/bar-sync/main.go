package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"barmirror/internal/app"
	"barmirror/internal/config"
	"barmirror/internal/domain"
	"barmirror/internal/syncer"
	"barmirror/internal/util"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: bar-sync <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  initdb     Create the schema and load the security registry\n")
	fmt.Fprintf(os.Stderr, "  full       Re-sync one granularity from the start boundary\n")
	fmt.Fprintf(os.Stderr, "  update     Incremental sync of the configured granularities\n")
	fmt.Fprintf(os.Stderr, "  fix        Fill missing daily bars against the trading calendar\n")
	fmt.Fprintf(os.Stderr, "  gaps       List missing daily bars without fetching\n")
	fmt.Fprintf(os.Stderr, "  version    Print the version\n")
	fmt.Fprintf(os.Stderr, "\nThe config file is %s unless BARMIRROR_CONFIG is set.\n", app.DefaultConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "version":
		fmt.Printf("bar-sync %s\n", version)
		return
	case "initdb", "full", "update", "fix", "gaps":
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	gran := fs.String("gran", "", "granularity (daily, 1min, 5min, 15min, 30min, 60min); update defaults to sync.granularities")
	from := fs.String("from", "", "first date of the fix/gaps window (YYYY-MM-DD); defaults to the lookback window")
	to := fs.String("to", "", "last date of the fix/gaps window (YYYY-MM-DD); defaults to today")
	exchange := fs.String("exchange", "", "calendar exchange for fix/gaps; defaults to sync.exchange")
	_ = fs.Parse(args)

	cfgPath := app.DefaultConfigPath
	if p := os.Getenv("BARMIRROR_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config %s: %v", cfgPath, err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, st, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer st.Close()

	if *exchange == "" {
		*exchange = cfg.Sync.Exchange
	}

	var reports []*syncer.Report
	switch cmd {
	case "initdb":
		var secs []domain.Security
		secs, err = engine.Registry.Refresh(ctx)
		if err == nil {
			slog.Info("database initialized", "active", len(secs), "backend", cfg.Storage.Backend)
		}

	case "full":
		var g domain.Granularity
		if g, err = domain.ParseGranularity(orDefault(*gran, string(domain.Daily))); err != nil {
			break
		}
		var rep *syncer.Report
		rep, err = engine.FullSync(ctx, g)
		reports = appendReport(reports, rep)

	case "update":
		var grans []domain.Granularity
		if grans, err = cfg.Granularities(); err != nil {
			break
		}
		if *gran != "" {
			var g domain.Granularity
			if g, err = domain.ParseGranularity(*gran); err != nil {
				break
			}
			grans = []domain.Granularity{g}
		}
		reports, err = engine.Update(ctx, grans...)

	case "fix", "gaps":
		var start, end time.Time
		if start, end, err = window(cfg, *from, *to); err != nil {
			break
		}
		if cmd == "gaps" {
			err = printGaps(ctx, engine, *exchange, start, end)
			break
		}
		var rep *syncer.Report
		rep, err = engine.Reconcile(ctx, *exchange, start, end)
		reports = appendReport(reports, rep)
	}

	for _, rep := range reports {
		if cfg.Sync.ReportDir != "" {
			if _, serr := rep.Save(cfg.Sync.ReportDir); serr != nil {
				slog.Warn("cannot save report", "err", serr)
			}
		}
		err = errors.Join(err, rep.Err())
	}
	if err != nil {
		slog.Error(cmd+" failed", "err", err)
		st.Close()
		os.Exit(1)
	}
}

func appendReport(reports []*syncer.Report, rep *syncer.Report) []*syncer.Report {
	if rep == nil {
		return reports
	}
	return append(reports, rep)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// window resolves the fix/gaps date range. Unset bounds fall back to the
// configured lookback ending today in the market's time zone.
func window(cfg *config.Config, from, to string) (time.Time, time.Time, error) {
	now := domain.WallClock(time.Now(), domain.Market(cfg.Market).Location())
	start, end := syncer.LookbackWindow(now, cfg.Sync.ReconcileLookbackDays)

	var err error
	if from != "" {
		if start, err = domain.ParseDate(from); err != nil {
			return start, end, fmt.Errorf("-from: %w", err)
		}
	}
	if to != "" {
		if end, err = domain.ParseDate(to); err != nil {
			return start, end, fmt.Errorf("-to: %w", err)
		}
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("empty window %s..%s", start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	}
	return start, end, nil
}

func printGaps(ctx context.Context, engine *syncer.Engine, exchange string, from, to time.Time) error {
	gaps, err := engine.Gaps(ctx, exchange, from, to)
	if err != nil {
		return err
	}

	symbols := make([]string, 0, len(gaps))
	total := 0
	for sym, dates := range gaps {
		symbols = append(symbols, sym)
		total += len(dates)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		fmt.Printf("%-12s %d", sym, len(gaps[sym]))
		for _, d := range gaps[sym] {
			fmt.Printf(" %s", d.Format(domain.DateLayout))
		}
		fmt.Println()
	}
	fmt.Printf("%d securities, %d missing bars\n", len(symbols), total)
	return nil
}
