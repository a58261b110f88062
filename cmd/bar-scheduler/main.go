package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barmirror/internal/app"
	"barmirror/internal/config"
	"barmirror/internal/scheduler"
	"barmirror/internal/util"
)

func main() {
	runOnStart := flag.Bool("run-on-start", false, "run the update job once before waiting for the schedule")
	flag.Parse()

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

	grans, err := cfg.Granularities()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sched, err := scheduler.New(ctx, engine, scheduler.Options{
		Location:      loc,
		UpdateSpec:    cfg.Schedule.UpdateCron,
		FixSpec:       cfg.Schedule.FixCron,
		Granularities: grans,
		Exchange:      cfg.Sync.Exchange,
		LookbackDays:  cfg.Sync.ReconcileLookbackDays,
		ReportDir:     cfg.Sync.ReportDir,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	if *runOnStart {
		if err := sched.RunUpdate(ctx); err != nil {
			slog.Error("initial update failed", "err", err)
		}
	}

	sched.Start()
	<-ctx.Done()

	slog.Info("shutting down, waiting for running jobs")
	<-sched.Stop().Done()
}
