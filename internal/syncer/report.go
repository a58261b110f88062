package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"barmirror/internal/domain"
)

// Kind names the entry point that produced a Report.
type Kind string

const (
	KindUpdate    Kind = "update"
	KindFull      Kind = "full"
	KindReconcile Kind = "reconcile"
)

// Stage is where a unit failed.
type Stage string

const (
	StagePlan  Stage = "plan"
	StageFetch Stage = "fetch"
	StageWrite Stage = "write"
)

// Failure describes one unit that did not complete.
type Failure struct {
	Symbol   string `json:"symbol"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Stage    Stage  `json:"stage"`
	Error    string `json:"error"`

	err error
}

// Report summarizes one run. It is safe for concurrent recording.
type Report struct {
	ID            uuid.UUID          `json:"id"`
	Kind          Kind               `json:"kind"`
	Granularity   domain.Granularity `json:"granularity"`
	Started       time.Time          `json:"started"`
	Finished      time.Time          `json:"finished"`
	Units         int                `json:"units"`
	Succeeded     int                `json:"succeeded"`
	Empty         int                `json:"empty"`
	Skipped       int                `json:"skipped"`
	GapsFound     int                `json:"gaps_found"`
	RowsAttempted int                `json:"rows_attempted"`
	RowsInserted  int                `json:"rows_inserted"`
	Failures      []Failure          `json:"failures"`

	mu sync.Mutex
}

// NewReport starts a report for kind and gran.
func NewReport(kind Kind, gran domain.Granularity) *Report {
	return &Report{
		ID:          uuid.New(),
		Kind:        kind,
		Granularity: gran,
		Started:     time.Now(),
		Failures:    []Failure{},
	}
}

func (r *Report) addUnits(n int) {
	r.mu.Lock()
	r.Units += n
	r.mu.Unlock()
}

func (r *Report) addGaps(n int) {
	r.mu.Lock()
	r.GapsFound += n
	r.mu.Unlock()
}

func (r *Report) recordSuccess(attempted, inserted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Succeeded++
	r.RowsAttempted += attempted
	r.RowsInserted += inserted
}

// recordEmpty counts a unit whose upstream returned no rows. It still
// succeeded.
func (r *Report) recordEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Succeeded++
	r.Empty++
}

func (r *Report) recordSkip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped++
}

func (r *Report) recordFailure(f Failure, err error) {
	f.err = err
	if err != nil {
		f.Error = err.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

func (r *Report) finish() {
	r.mu.Lock()
	r.Finished = time.Now()
	r.mu.Unlock()
}

// Err joins the write failures of the run. Fetch and plan failures are
// skipped units and do not make a run fail.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, f := range r.Failures {
		if f.Stage == StageWrite {
			errs = append(errs, fmt.Errorf("%s: %w", f.Symbol, f.err))
		}
	}
	return errors.Join(errs...)
}

// FailureCount returns the number of failed units, optionally only those of
// the given stages.
func (r *Report) FailureCount(stages ...Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(stages) == 0 {
		return len(r.Failures)
	}
	n := 0
	for _, f := range r.Failures {
		for _, s := range stages {
			if f.Stage == s {
				n++
				break
			}
		}
	}
	return n
}

// LogAttrs returns the summary as slog attributes.
func (r *Report) LogAttrs() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []any{
		"id", r.ID.String(),
		"kind", r.Kind,
		"granularity", r.Granularity,
		"units", r.Units,
		"succeeded", r.Succeeded,
		"empty", r.Empty,
		"skipped", r.Skipped,
		"gaps", r.GapsFound,
		"attempted", r.RowsAttempted,
		"inserted", r.RowsInserted,
		"failed", len(r.Failures),
		"elapsed", r.Finished.Sub(r.Started).Round(time.Second),
	}
}

// Save writes the report as indented JSON to
// <dir>/<kind>-<granularity>-<YYYYMMDD-HHMMSS>.json and returns the path.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	r.mu.Lock()
	name := fmt.Sprintf("%s-%s-%s.json", r.Kind, r.Granularity, r.Started.Format("20060102-150405"))
	data, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	slog.Info("report written", "path", p, "failures", r.FailureCount())
	return p, nil
}
