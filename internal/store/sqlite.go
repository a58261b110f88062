package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"barmirror/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a single SQLite database file.
// Timestamps are stored as Unix seconds of the exchange-local wall clock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers; concurrent appends queue here
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the securities and bars tables when missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{"securities table", `CREATE TABLE IF NOT EXISTS securities (
			symbol      TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			industry    TEXT NOT NULL DEFAULT '',
			market      TEXT NOT NULL DEFAULT '',
			list_date   TEXT,
			delist_date TEXT,
			updated_at  INTEGER NOT NULL
		)`},
		{"bars table", `CREATE TABLE IF NOT EXISTS bars (
			symbol      TEXT    NOT NULL,
			granularity TEXT    NOT NULL,
			ts          INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL    NOT NULL,
			amount      REAL    NOT NULL,
			pre_close   REAL,
			change      REAL,
			pct_chg     REAL,
			UNIQUE (symbol, granularity, ts)
		)`},
		{"bars index", `CREATE INDEX IF NOT EXISTS idx_bars_gran_ts ON bars(granularity, ts)`},
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("create %s: %w", m.name, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SecurityStore implementation
// ---------------------------------------------------------------------------

// UpsertSecurities inserts or updates securities by symbol in one transaction.
// Rows already delisted are left as stored.
func (s *SQLiteStore) UpsertSecurities(ctx context.Context, secs []domain.Security) error {
	if len(secs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO securities
		(symbol, name, industry, market, list_date, delist_date, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			industry = excluded.industry,
			market = excluded.market,
			list_date = excluded.list_date,
			delist_date = excluded.delist_date,
			updated_at = excluded.updated_at
		WHERE securities.delist_date IS NULL`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, sec := range secs {
		if _, err := stmt.ExecContext(ctx,
			sec.Symbol, sec.Name, sec.Industry, string(sec.Market),
			nullDate(sec.ListDate), nullDate(sec.DelistDate), now,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", sec.Symbol, err)
		}
	}
	return tx.Commit()
}

// ListSecurities returns the stored registry ordered by symbol.
func (s *SQLiteStore) ListSecurities(ctx context.Context, activeOnly bool) ([]domain.Security, error) {
	q := `SELECT symbol, name, industry, market, list_date, delist_date FROM securities`
	if activeOnly {
		q += ` WHERE delist_date IS NULL`
	}
	q += ` ORDER BY symbol`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query securities: %w", err)
	}
	defer rows.Close()

	var out []domain.Security
	for rows.Next() {
		var (
			sec            domain.Security
			market         string
			listed, delist sql.NullString
		)
		if err := rows.Scan(&sec.Symbol, &sec.Name, &sec.Industry, &market, &listed, &delist); err != nil {
			return nil, err
		}
		sec.Market = domain.Market(market)
		sec.ListDate = parseNullDate(listed)
		sec.DelistDate = parseNullDate(delist)
		out = append(out, sec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// AppendBars inserts bars in one transaction with INSERT OR IGNORE, so rows
// colliding on (symbol, granularity, ts) are dropped and a failure leaves
// nothing behind.
func (s *SQLiteStore) AppendBars(ctx context.Context, gran domain.Granularity, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO bars
		(symbol, granularity, ts, open, high, low, close, volume, amount, pre_close, change, pct_chg)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bars {
		preClose, change, pctChg := dailyColumns(gran, b)
		res, err := stmt.ExecContext(ctx,
			b.Symbol, string(gran), b.Timestamp.Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount,
			preClose, change, pctChg,
		)
		if err != nil {
			return 0, fmt.Errorf("insert %s@%s: %w", b.Symbol, b.Timestamp.Format(domain.DateTimeLayout), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// MaxTimestamp returns the latest stored timestamp for symbol.
func (s *SQLiteStore) MaxTimestamp(ctx context.Context, symbol string, gran domain.Granularity) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND granularity = ?`,
		symbol, string(gran),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("max ts for %s: %w", symbol, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// LatestTimestamps returns MAX(ts) of every symbol with one GROUP BY query.
func (s *SQLiteStore) LatestTimestamps(ctx context.Context, gran domain.Granularity) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, MAX(ts) FROM bars WHERE granularity = ? GROUP BY symbol`,
		string(gran),
	)
	if err != nil {
		return nil, fmt.Errorf("query latest timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			symbol string
			ts     int64
		)
		if err := rows.Scan(&symbol, &ts); err != nil {
			return nil, err
		}
		out[symbol] = time.Unix(ts, 0).UTC()
	}
	return out, rows.Err()
}

// StoredDates loads every (symbol, date) pair of gran in one query.
func (s *SQLiteStore) StoredDates(ctx context.Context, gran domain.Granularity) (map[string]map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, ts FROM bars WHERE granularity = ?`,
		string(gran),
	)
	if err != nil {
		return nil, fmt.Errorf("query stored dates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]struct{})
	for rows.Next() {
		var (
			symbol string
			ts     int64
		)
		if err := rows.Scan(&symbol, &ts); err != nil {
			return nil, err
		}
		addDate(out, symbol, time.Unix(ts, 0).UTC())
	}
	return out, rows.Err()
}

// ReadBars returns bars for symbol within [start, end], ascending.
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, open, high, low, close, volume, amount, pre_close, change, pct_chg
		FROM bars WHERE symbol = ? AND granularity = ? AND ts BETWEEN ? AND ?
		ORDER BY ts`,
		symbol, string(gran), start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var (
			b                        = domain.Bar{Symbol: symbol, Granularity: gran}
			ts                       int64
			preClose, change, pctChg sql.NullFloat64
		)
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount, &preClose, &change, &pctChg); err != nil {
			return nil, err
		}
		b.Timestamp = time.Unix(ts, 0).UTC()
		b.PreClose, b.Change, b.PctChg = preClose.Float64, change.Float64, pctChg.Float64
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

// dailyColumns returns the daily-only columns of b, or NULLs for intraday
// granularities.
func dailyColumns(gran domain.Granularity, b domain.Bar) (any, any, any) {
	if gran.IsIntraday() {
		return nil, nil, nil
	}
	return b.PreClose, b.Change, b.PctChg
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func parseNullDate(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(domain.DateLayout, s.String, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
