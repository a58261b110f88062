package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"barmirror/internal/domain"
)

// Compile-time interface check.
var _ Store = (*ParquetStore)(nil)

// ParquetStore implements Store using Parquet files on disk. Bars live in
// one file per symbol and year:
//
//	<DataDir>/<market>/<granularity>/<SYMBOL>/<YYYY>.parquet
//
// and the registry in <DataDir>/<market>/securities.parquet.
type ParquetStore struct {
	DataDir string
	Market  domain.Market

	mu sync.RWMutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string, market domain.Market) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: market}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms of the exchange wall clock
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	Amount    float64 `parquet:"amount"`
	PreClose  float64 `parquet:"pre_close"`
	Change    float64 `parquet:"change"`
	PctChg    float64 `parquet:"pct_chg"`
}

// SecurityRecord is the Parquet schema for the security registry.
type SecurityRecord struct {
	Symbol     string `parquet:"symbol"`
	Name       string `parquet:"name"`
	Industry   string `parquet:"industry"`
	Market     string `parquet:"market"`
	ListDate   string `parquet:"list_date"`   // YYYY-MM-DD or empty
	DelistDate string `parquet:"delist_date"` // YYYY-MM-DD or empty
}

// Close is a no-op; ParquetStore holds no open handles.
func (s *ParquetStore) Close() error { return nil }

// Migrate creates the market directory.
func (s *ParquetStore) Migrate(_ context.Context) error {
	return os.MkdirAll(s.marketDir(), 0o755)
}

// ---------------------------------------------------------------------------
// SecurityStore implementation
// ---------------------------------------------------------------------------

// UpsertSecurities merges secs into the registry file by symbol. Records
// already delisted are left as stored.
func (s *ParquetStore) UpsertSecurities(_ context.Context, secs []domain.Security) error {
	if len(secs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.securitiesPath()
	existing, err := readParquetFile[SecurityRecord](path)
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	bySymbol := make(map[string]SecurityRecord, len(existing)+len(secs))
	for _, r := range existing {
		bySymbol[r.Symbol] = r
	}
	for _, sec := range secs {
		if old, ok := bySymbol[sec.Symbol]; ok && old.DelistDate != "" {
			continue
		}
		bySymbol[sec.Symbol] = SecurityRecord{
			Symbol:     sec.Symbol,
			Name:       sec.Name,
			Industry:   sec.Industry,
			Market:     string(sec.Market),
			ListDate:   formatDate(sec.ListDate),
			DelistDate: formatDate(sec.DelistDate),
		}
	}

	merged := make([]SecurityRecord, 0, len(bySymbol))
	for _, r := range bySymbol {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Symbol < merged[j].Symbol })

	tmp, err := stageParquetFile(path, merged)
	if err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return os.Rename(tmp, path)
}

// ListSecurities returns the stored registry ordered by symbol.
func (s *ParquetStore) ListSecurities(_ context.Context, activeOnly bool) ([]domain.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := readParquetFile[SecurityRecord](s.securitiesPath())
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	out := make([]domain.Security, 0, len(records))
	for _, r := range records {
		sec := domain.Security{
			Symbol:     r.Symbol,
			Name:       r.Name,
			Industry:   r.Industry,
			Market:     domain.Market(r.Market),
			ListDate:   parseDateOrZero(r.ListDate),
			DelistDate: parseDateOrZero(r.DelistDate),
		}
		if activeOnly && !sec.Active() {
			continue
		}
		out = append(out, sec)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// AppendBars merges bars into their symbol/year files. Existing rows win on
// (symbol, timestamp) collisions. Every affected file is staged to a temp
// file first and only then renamed into place, so a failed batch leaves the
// mirror untouched.
func (s *ParquetStore) AppendBars(_ context.Context, gran domain.Granularity, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], toBarRecord(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		pending  []staged
		inserted int
	)
	cleanup := func() {
		for _, p := range pending {
			os.Remove(p.tmp)
		}
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, gran, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil {
			cleanup()
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		merged, added := mergeBarRecords(existing, records)
		if added == 0 {
			continue
		}

		tmp, err := stageParquetFile(path, merged)
		if err != nil {
			cleanup()
			return 0, fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
		pending = append(pending, staged{tmp: tmp, path: path})
		inserted += added
	}

	if err := commitStaged(pending); err != nil {
		return 0, err
	}
	return inserted, nil
}

// MaxTimestamp returns the latest stored timestamp for symbol.
func (s *ParquetStore) MaxTimestamp(_ context.Context, symbol string, gran domain.Granularity) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTimestamp(symbol, gran)
}

// LatestTimestamps returns the latest timestamp of every symbol directory
// under gran. Only each symbol's newest year file is read.
func (s *ParquetStore) LatestTimestamps(_ context.Context, gran domain.Granularity) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols, err := s.listSymbols(gran)
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time, len(symbols))
	for _, sym := range symbols {
		ts, ok, err := s.maxTimestamp(sym, gran)
		if err != nil {
			return nil, err
		}
		if ok {
			out[sym] = ts
		}
	}
	return out, nil
}

// StoredDates scans every file under gran once and collects the dates with
// at least one bar.
func (s *ParquetStore) StoredDates(_ context.Context, gran domain.Granularity) (map[string]map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols, err := s.listSymbols(gran)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		years, err := s.listYears(sym, gran)
		if err != nil {
			return nil, err
		}
		for _, year := range years {
			records, err := readParquetFile[BarRecord](s.barPath(sym, gran, year))
			if err != nil {
				return nil, err
			}
			for _, r := range records {
				addDate(out, sym, time.UnixMilli(r.Timestamp).UTC())
			}
		}
	}
	return out, nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, gran, year))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, fromBarRecord(r, gran))
		}
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) marketDir() string {
	return filepath.Join(s.DataDir, string(s.Market))
}

func (s *ParquetStore) securitiesPath() string {
	return filepath.Join(s.marketDir(), "securities.parquet")
}

// barPath returns the filesystem path for a bar Parquet file.
func (s *ParquetStore) barPath(symbol string, gran domain.Granularity, year int) string {
	return filepath.Join(s.marketDir(), string(gran), strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

// listSymbols lists symbol directories under gran.
func (s *ParquetStore) listSymbols(gran domain.Granularity) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.marketDir(), string(gran)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// listYears returns the years with a bar file for symbol, ascending.
func (s *ParquetStore) listYears(symbol string, gran domain.Granularity) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.marketDir(), string(gran), strings.ToUpper(symbol)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var years []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".parquet")
		if !ok || e.IsDir() {
			continue
		}
		if y, err := strconv.Atoi(name); err == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years, nil
}

func (s *ParquetStore) maxTimestamp(symbol string, gran domain.Granularity) (time.Time, bool, error) {
	years, err := s.listYears(symbol, gran)
	if err != nil {
		return time.Time{}, false, err
	}
	for i := len(years) - 1; i >= 0; i-- {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, gran, years[i]))
		if err != nil {
			return time.Time{}, false, err
		}
		if len(records) == 0 {
			continue
		}
		var max int64
		for _, r := range records {
			if r.Timestamp > max {
				max = r.Timestamp
			}
		}
		return time.UnixMilli(max).UTC(), true, nil
	}
	return time.Time{}, false, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// staged is a parquet file written next to its target and not yet renamed.
type staged struct{ tmp, path string }

// commitStaged renames every staged file over its target. Replaced targets
// are moved aside first; if a later rename fails they are restored and the
// files committed so far are rolled back.
func commitStaged(pending []staged) error {
	type committed struct{ path, backup string }
	var done []committed

	rollback := func(from int) {
		for i := len(done) - 1; i >= 0; i-- {
			if done[i].backup != "" {
				os.Rename(done[i].backup, done[i].path)
			} else {
				os.Remove(done[i].path)
			}
		}
		for _, p := range pending[from:] {
			os.Remove(p.tmp)
		}
	}

	for i, p := range pending {
		backup := ""
		if _, err := os.Stat(p.path); err == nil {
			backup = p.path + ".bak"
			if err := os.Rename(p.path, backup); err != nil {
				rollback(i)
				return fmt.Errorf("committing %s: %w", p.path, err)
			}
		}
		if err := os.Rename(p.tmp, p.path); err != nil {
			if backup != "" {
				os.Rename(backup, p.path)
			}
			rollback(i)
			return fmt.Errorf("committing %s: %w", p.path, err)
		}
		done = append(done, committed{path: p.path, backup: backup})
	}

	for _, d := range done {
		if d.backup != "" {
			os.Remove(d.backup)
		}
	}
	return nil
}

// stageParquetFile writes records to a temp file beside path and returns its
// name. The caller renames it into place.
func stageParquetFile[T any](path string, records []T) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	f.Close()

	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// readParquetFile reads every row of path. A missing file reads as empty.
func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords adds incoming records whose timestamp is not already
// present. Existing rows are never replaced. It returns the merged set sorted
// by timestamp and the number of rows added.
func mergeBarRecords(existing, incoming []BarRecord) ([]BarRecord, int) {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	merged := make([]BarRecord, 0, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = struct{}{}
		merged = append(merged, r)
	}

	added := 0
	for _, r := range incoming {
		if _, dup := seen[r.Timestamp]; dup {
			continue
		}
		seen[r.Timestamp] = struct{}{}
		merged = append(merged, r)
		added++
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged, added
}

func toBarRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		Amount:    b.Amount,
		PreClose:  b.PreClose,
		Change:    b.Change,
		PctChg:    b.PctChg,
	}
}

func fromBarRecord(r BarRecord, gran domain.Granularity) domain.Bar {
	return domain.Bar{
		Symbol:      r.Symbol,
		Granularity: gran,
		Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		Amount:      r.Amount,
		PreClose:    r.PreClose,
		Change:      r.Change,
		PctChg:      r.PctChg,
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(domain.DateLayout)
}

func parseDateOrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := domain.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
