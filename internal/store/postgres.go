package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"barmirror/internal/domain"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL. Prices are NUMERIC(10,2),
// volumes NUMERIC(20,2) and amounts NUMERIC(20,4); values are rounded with
// shopspring/decimal before they are sent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool for connString and verifies it
// with a ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string %s: %w", RedactConnString(connString), err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the securities and bars tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{"securities table", `CREATE TABLE IF NOT EXISTS securities (
			symbol      VARCHAR(16) PRIMARY KEY,
			name        VARCHAR(64) NOT NULL DEFAULT '',
			industry    VARCHAR(64) NOT NULL DEFAULT '',
			market      VARCHAR(8)  NOT NULL DEFAULT '',
			list_date   DATE,
			delist_date DATE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
		{"bars table", `CREATE TABLE IF NOT EXISTS bars (
			id          BIGSERIAL PRIMARY KEY,
			symbol      VARCHAR(16)    NOT NULL,
			granularity VARCHAR(8)     NOT NULL,
			ts          TIMESTAMP      NOT NULL,
			open        NUMERIC(10, 2) NOT NULL,
			high        NUMERIC(10, 2) NOT NULL,
			low         NUMERIC(10, 2) NOT NULL,
			close       NUMERIC(10, 2) NOT NULL,
			volume      NUMERIC(20, 2) NOT NULL,
			amount      NUMERIC(20, 4) NOT NULL,
			pre_close   NUMERIC(10, 2),
			change      NUMERIC(10, 2),
			pct_chg     NUMERIC(10, 4),
			CONSTRAINT bars_symbol_gran_ts_uc UNIQUE (symbol, granularity, ts)
		)`},
		{"bars index", `CREATE INDEX IF NOT EXISTS idx_bars_gran_ts ON bars(granularity, ts)`},
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("create %s: %w", m.name, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SecurityStore implementation
// ---------------------------------------------------------------------------

// pgUpsertSecurity leaves delisted rows untouched.
const pgUpsertSecurity = `INSERT INTO securities
	(symbol, name, industry, market, list_date, delist_date, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (symbol) DO UPDATE SET
		name = EXCLUDED.name,
		industry = EXCLUDED.industry,
		market = EXCLUDED.market,
		list_date = EXCLUDED.list_date,
		delist_date = EXCLUDED.delist_date,
		updated_at = EXCLUDED.updated_at
	WHERE securities.delist_date IS NULL`

// UpsertSecurities inserts or updates securities by symbol in one transaction.
// Rows already delisted are left as stored.
func (s *PostgresStore) UpsertSecurities(ctx context.Context, secs []domain.Security) error {
	if len(secs) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, sec := range secs {
			batch.Queue(pgUpsertSecurity,
				sec.Symbol, sec.Name, sec.Industry, string(sec.Market),
				pgDate(sec.ListDate), pgDate(sec.DelistDate),
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ListSecurities returns the stored registry ordered by symbol.
func (s *PostgresStore) ListSecurities(ctx context.Context, activeOnly bool) ([]domain.Security, error) {
	q := `SELECT symbol, name, industry, market, list_date, delist_date FROM securities`
	if activeOnly {
		q += ` WHERE delist_date IS NULL`
	}
	q += ` ORDER BY symbol`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query securities: %w", err)
	}
	defer rows.Close()

	var out []domain.Security
	for rows.Next() {
		var (
			sec            domain.Security
			market         string
			listed, delist *time.Time
		)
		if err := rows.Scan(&sec.Symbol, &sec.Name, &sec.Industry, &market, &listed, &delist); err != nil {
			return nil, err
		}
		sec.Market = domain.Market(market)
		if listed != nil {
			sec.ListDate = domain.DateOf(*listed)
		}
		if delist != nil {
			sec.DelistDate = domain.DateOf(*delist)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// AppendBars sends the batch inside one transaction with ON CONFLICT DO
// NOTHING on (symbol, granularity, ts).
func (s *PostgresStore) AppendBars(ctx context.Context, gran domain.Granularity, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range bars {
			preClose, change, pctChg := pgDailyColumns(gran, b)
			batch.Queue(`INSERT INTO bars
				(symbol, granularity, ts, open, high, low, close, volume, amount, pre_close, change, pct_chg)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT ON CONSTRAINT bars_symbol_gran_ts_uc DO NOTHING`,
				b.Symbol, string(gran), b.Timestamp,
				price(b.Open), price(b.High), price(b.Low), price(b.Close),
				decimal.NewFromFloat(b.Volume).Round(2), decimal.NewFromFloat(b.Amount).Round(4),
				preClose, change, pctChg,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range bars {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("append %d bars: %w", len(bars), err)
	}
	return inserted, nil
}

// MaxTimestamp returns the latest stored timestamp for symbol.
func (s *PostgresStore) MaxTimestamp(ctx context.Context, symbol string, gran domain.Granularity) (time.Time, bool, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = $1 AND granularity = $2`,
		symbol, string(gran),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("max ts for %s: %w", symbol, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// LatestTimestamps returns MAX(ts) of every symbol with one GROUP BY query.
func (s *PostgresStore) LatestTimestamps(ctx context.Context, gran domain.Granularity) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, MAX(ts) FROM bars WHERE granularity = $1 GROUP BY symbol`,
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
			ts     time.Time
		)
		if err := rows.Scan(&symbol, &ts); err != nil {
			return nil, err
		}
		out[symbol] = ts.UTC()
	}
	return out, rows.Err()
}

// StoredDates loads every distinct (symbol, date) pair of gran in one query.
func (s *PostgresStore) StoredDates(ctx context.Context, gran domain.Granularity) (map[string]map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT symbol, ts::date FROM bars WHERE granularity = $1`,
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
			day    time.Time
		)
		if err := rows.Scan(&symbol, &day); err != nil {
			return nil, err
		}
		addDate(out, symbol, day)
	}
	return out, rows.Err()
}

// ReadBars returns bars for symbol within [start, end], ascending.
func (s *PostgresStore) ReadBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.pool.Query(ctx, `SELECT ts, open, high, low, close, volume, amount,
			COALESCE(pre_close, 0), COALESCE(change, 0), COALESCE(pct_chg, 0)
		FROM bars WHERE symbol = $1 AND granularity = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts`,
		symbol, string(gran), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var (
			ts   time.Time
			cols [9]decimal.Decimal
		)
		if err := rows.Scan(&ts, &cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5], &cols[6], &cols[7], &cols[8]); err != nil {
			return nil, err
		}
		out = append(out, domain.Bar{
			Symbol:      symbol,
			Granularity: gran,
			Timestamp:   ts.UTC(),
			Open:        cols[0].InexactFloat64(),
			High:        cols[1].InexactFloat64(),
			Low:         cols[2].InexactFloat64(),
			Close:       cols[3].InexactFloat64(),
			Volume:      cols[4].InexactFloat64(),
			Amount:      cols[5].InexactFloat64(),
			PreClose:    cols[6].InexactFloat64(),
			Change:      cols[7].InexactFloat64(),
			PctChg:      cols[8].InexactFloat64(),
		})
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func price(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

func pgDailyColumns(gran domain.Granularity, b domain.Bar) (any, any, any) {
	if gran.IsIntraday() {
		return nil, nil, nil
	}
	return price(b.PreClose), price(b.Change), decimal.NewFromFloat(b.PctChg).Round(4)
}

func pgDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// RedactConnString returns connString with any password replaced, for use
// in logs and error messages.
func RedactConnString(connString string) string {
	u, err := url.Parse(connString)
	if err != nil || u.User == nil {
		return connString
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
