// Package scheduler runs the periodic update and gap-fix jobs of the mirror.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"barmirror/internal/domain"
	"barmirror/internal/syncer"
)

// Runner is the part of syncer.Engine the jobs drive.
type Runner interface {
	Update(ctx context.Context, grans ...domain.Granularity) ([]*syncer.Report, error)
	Reconcile(ctx context.Context, exchange string, from, to time.Time) (*syncer.Report, error)
}

var _ Runner = (*syncer.Engine)(nil)

// Options configures a Scheduler. Cron expressions use the standard
// five-field syntax and are evaluated in Location.
type Options struct {
	Location      *time.Location
	UpdateSpec    string
	FixSpec       string
	Granularities []domain.Granularity
	Exchange      string
	LookbackDays  int
	ReportDir     string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Scheduler owns the cron instance and the two registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	opts   Options
	ctx    context.Context
	log    *slog.Logger
}

// New registers the update and fix jobs. Jobs run with ctx and are skipped
// while a previous run of the same job is still in progress.
func New(ctx context.Context, r Runner, opts Options) (*Scheduler, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: r,
		opts:   opts,
		ctx:    ctx,
		log:    log,
	}

	if _, err := s.cron.AddFunc(opts.UpdateSpec, s.updateJob); err != nil {
		return nil, fmt.Errorf("register update job %q: %w", opts.UpdateSpec, err)
	}
	if _, err := s.cron.AddFunc(opts.FixSpec, s.fixJob); err != nil {
		return nil, fmt.Errorf("register fix job %q: %w", opts.FixSpec, err)
	}
	return s, nil
}

// Start starts the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started",
		"update", s.opts.UpdateSpec,
		"fix", s.opts.FixSpec,
		"timezone", s.opts.Location.String(),
	)
}

// Stop stops scheduling and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.log.Info("scheduler stopping")
	return done
}

// Next returns the next activation of each job.
func (s *Scheduler) Next() []time.Time {
	var out []time.Time
	for _, e := range s.cron.Entries() {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) updateJob() {
	if err := s.RunUpdate(s.ctx); err != nil {
		s.log.Error("update job failed", "err", err)
	}
}

func (s *Scheduler) fixJob() {
	if err := s.RunFix(s.ctx); err != nil {
		s.log.Error("fix job failed", "err", err)
	}
}

// RunUpdate runs an incremental sync of every configured granularity and
// saves the reports.
func (s *Scheduler) RunUpdate(ctx context.Context) error {
	s.log.Info("running update job", "granularities", len(s.opts.Granularities))
	reports, err := s.runner.Update(ctx, s.opts.Granularities...)
	return errors.Join(err, s.save(reports...))
}

// RunFix reconciles daily gaps over the lookback window ending today.
func (s *Scheduler) RunFix(ctx context.Context) error {
	now := domain.WallClock(s.opts.Now(), s.opts.Location)
	from, to := syncer.LookbackWindow(now, s.opts.LookbackDays)
	s.log.Info("running fix job",
		"exchange", s.opts.Exchange,
		"from", from.Format(domain.DateLayout),
		"to", to.Format(domain.DateLayout),
	)
	rep, err := s.runner.Reconcile(ctx, s.opts.Exchange, from, to)
	if rep == nil {
		return err
	}
	return errors.Join(err, s.save(rep))
}

// save writes each report to ReportDir and collects their write failures.
func (s *Scheduler) save(reports ...*syncer.Report) error {
	var errs []error
	for _, rep := range reports {
		if s.opts.ReportDir != "" {
			if _, err := rep.Save(s.opts.ReportDir); err != nil {
				s.log.Warn("cannot save report", "id", rep.ID.String(), "err", err)
			}
		}
		if err := rep.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", rep.Kind, rep.Granularity, err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// cron.Logger adapter
// ---------------------------------------------------------------------------

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	log *slog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
