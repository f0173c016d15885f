package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

const (
	_createCandles = `CREATE TABLE IF NOT EXISTS candles (
							series TEXT NOT NULL,
							ts BIGINT NOT NULL,
							open DOUBLE PRECISION,
							high DOUBLE PRECISION,
							low DOUBLE PRECISION,
							close DOUBLE PRECISION,
							volume DOUBLE PRECISION,
							source TEXT NOT NULL DEFAULT '',
							PRIMARY KEY (series, ts)
						)`
	_queryCandles = "SELECT ts, open, high, low, close, volume, source FROM candles WHERE series = ? ORDER BY ts"
	_deleteSeries = "DELETE FROM candles WHERE series = ?"
	_insertCandle = `INSERT INTO candles (
							series, ts, open, high, low, close, volume, source
						) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

type candleRow struct {
	Ts     int64           `db:"ts"`
	Open   sql.NullFloat64 `db:"open"`
	High   sql.NullFloat64 `db:"high"`
	Low    sql.NullFloat64 `db:"low"`
	Close  sql.NullFloat64 `db:"close"`
	Volume sql.NullFloat64 `db:"volume"`
	Source string          `db:"source"`
}

// SQLStore keeps all series in one candles table keyed by (series, ts).
// Timestamps are stored as unix seconds.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLite opens (creating if needed) an embedded database file.
func OpenSQLite(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: can't open sqlite %s", err, path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, _createCandles); err != nil {
		return fmt.Errorf("%w: can't create candles table", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key string) ([]model.Candle, error) {
	var rows []candleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(_queryCandles), key); err != nil {
		return nil, fmt.Errorf("%w: can't query series %s", err, key)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSeries, key)
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, model.Candle{
			Ts:     time.Unix(r.Ts, 0).UTC(),
			Open:   fromNull(r.Open),
			High:   fromNull(r.High),
			Low:    fromNull(r.Low),
			Close:  fromNull(r.Close),
			Volume: fromNull(r.Volume),
			Source: r.Source,
		})
	}
	return candles, nil
}

// Save replaces the series in one transaction.
func (s *SQLStore) Save(ctx context.Context, key string, candles []model.Candle) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin tx", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	if _, err := tx.ExecContext(ctx, tx.Rebind(_deleteSeries), key); err != nil {
		return fmt.Errorf("%w: can't clear series %s", err, key)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(_insertCandle))
	if err != nil {
		return fmt.Errorf("%w: can't prepare insert", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			key,
			c.Ts.Unix(),
			toNull(c.Open),
			toNull(c.High),
			toNull(c.Low),
			toNull(c.Close),
			toNull(c.Volume),
			c.Source,
		); err != nil {
			return fmt.Errorf("%w: can't insert candle %s", err, c.Ts.Format(time.RFC3339))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: can't commit series %s", err, key)
	}
	return nil
}

func toNull(f float64) sql.NullFloat64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func fromNull(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}
