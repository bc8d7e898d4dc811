package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable store. A single connection serialises writers.
type SQLiteStore struct {
	db   *sql.DB
	base model.Currency
	log  *logger.Logger
}

// NewSQLiteStore opens (or creates) the database at path. base is reported
// for empty historical series.
func NewSQLiteStore(path string, base model.Currency, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite open: %v", model.ErrStorage, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: sqlite schema: %v", model.ErrStorage, err)
	}

	log.Info("Opened rate store", "path", path)
	return &SQLiteStore{db: db, base: base, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_snapshots (
			date   TEXT NOT NULL PRIMARY KEY,
			base   TEXT NOT NULL,
			rates  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS historical_rates (
			date     TEXT NOT NULL,
			base     TEXT NOT NULL,
			currency TEXT NOT NULL,
			rate     REAL NOT NULL,
			PRIMARY KEY (date, currency)
		);

		CREATE TABLE IF NOT EXISTS trend_records (
			currency       TEXT NOT NULL PRIMARY KEY,
			change_percent REAL NOT NULL,
			direction      TEXT NOT NULL,
			start_date     TEXT NOT NULL,
			end_date       TEXT NOT NULL,
			start_rate     REAL NOT NULL,
			end_rate       REAL NOT NULL
		);
	`)
	return err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStorage, op, err)
}

func (s *SQLiteStore) GetRateSnapshot(ctx context.Context, date time.Time) (*model.RateSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT date, base, rates FROM rate_snapshots WHERE date = ?`,
		utils.FormatDate(utils.NormalizeDate(date)),
	)
	return scanSnapshot(row)
}

func (s *SQLiteStore) GetLatestRateSnapshot(ctx context.Context) (*model.RateSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT date, base, rates FROM rate_snapshots ORDER BY date DESC LIMIT 1`,
	)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*model.RateSnapshot, error) {
	var dateStr, base, data string
	if err := row.Scan(&dateStr, &base, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("sqlite read snapshot", err)
	}

	date, err := utils.ParseDate(dateStr)
	if err != nil {
		return nil, storageErr("parse snapshot date", err)
	}
	var rates map[model.Currency]float64
	if err := json.Unmarshal([]byte(data), &rates); err != nil {
		return nil, storageErr("unmarshal snapshot", err)
	}

	snap, err := model.NewRateSnapshot(model.Currency(base), date, rates)
	if err != nil {
		return nil, storageErr("corrupt snapshot", err)
	}
	return snap, nil
}

// PutRateSnapshot keeps one snapshot per day; the last write for a day wins.
func (s *SQLiteStore) PutRateSnapshot(ctx context.Context, snapshot *model.RateSnapshot) error {
	data, err := json.Marshal(snapshot.Rates())
	if err != nil {
		return storageErr("marshal snapshot", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rate_snapshots (date, base, rates) VALUES (?, ?, ?)`,
		utils.FormatDate(snapshot.Date()), string(snapshot.Base()), string(data),
	)
	if err != nil {
		return storageErr("sqlite insert snapshot", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistoricalSeries(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, base, currency, rate
		FROM historical_rates
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC
	`, utils.FormatDate(utils.NormalizeDate(start)), utils.FormatDate(utils.NormalizeDate(end)))
	if err != nil {
		return nil, storageErr("sqlite query historical_rates", err)
	}
	defer rows.Close()

	base := s.base
	var days []model.DailyRates
	for rows.Next() {
		var dateStr, rowBase, currency string
		var rate float64
		if err := rows.Scan(&dateStr, &rowBase, &currency, &rate); err != nil {
			return nil, storageErr("sqlite scan historical_rates", err)
		}
		date, err := utils.ParseDate(dateStr)
		if err != nil {
			return nil, storageErr("parse historical date", err)
		}
		base = model.Currency(rowBase)

		if n := len(days); n == 0 || !days[n-1].Date.Equal(date) {
			days = append(days, model.DailyRates{Date: date, Rates: make(map[model.Currency]float64)})
		}
		days[len(days)-1].Rates[model.Currency(currency)] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sqlite iterate historical_rates", err)
	}

	series, err := model.NewHistoricalSeries(base, days)
	if err != nil {
		return nil, storageErr("corrupt history", err)
	}
	return series, nil
}

// PutHistoricalSeries inserts whole days that are not stored yet, in one
// transaction. A day already present is left untouched.
func (s *SQLiteStore) PutHistoricalSeries(ctx context.Context, series *model.HistoricalSeries) error {
	if series.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("sqlite begin", err)
	}

	exists, err := tx.PrepareContext(ctx, `SELECT 1 FROM historical_rates WHERE date = ? LIMIT 1`)
	if err != nil {
		tx.Rollback()
		return storageErr("sqlite prepare", err)
	}
	defer exists.Close()

	insert, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO historical_rates (date, base, currency, rate)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return storageErr("sqlite prepare", err)
	}
	defer insert.Close()

	inserted := 0
	for _, d := range series.Days() {
		key := utils.FormatDate(d.Date)

		var one int
		err := exists.QueryRowContext(ctx, key).Scan(&one)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return storageErr("sqlite check day", err)
		}

		for c, r := range d.Rates {
			if _, err := insert.ExecContext(ctx, key, string(series.Base()), string(c), r); err != nil {
				tx.Rollback()
				return storageErr("sqlite insert historical rate", err)
			}
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return storageErr("sqlite commit", err)
	}
	s.log.Debug("Stored historical days", "inserted", inserted, "offered", series.Len())
	return nil
}

func (s *SQLiteStore) GetTrendRecords(ctx context.Context) (model.TrendSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, change_percent, direction, start_date, end_date, start_rate, end_rate
		FROM trend_records
	`)
	if err != nil {
		return nil, storageErr("sqlite query trend_records", err)
	}
	defer rows.Close()

	trends := make(model.TrendSet)
	for rows.Next() {
		var rec model.TrendRecord
		var currency, direction, startStr, endStr string
		if err := rows.Scan(&currency, &rec.ChangePercent, &direction, &startStr, &endStr, &rec.StartRate, &rec.EndRate); err != nil {
			return nil, storageErr("sqlite scan trend_records", err)
		}
		if rec.StartDate, err = utils.ParseDate(startStr); err != nil {
			return nil, storageErr("parse trend start", err)
		}
		if rec.EndDate, err = utils.ParseDate(endStr); err != nil {
			return nil, storageErr("parse trend end", err)
		}
		rec.Currency = model.Currency(currency)
		rec.Direction = model.Direction(direction)
		trends[rec.Currency] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sqlite iterate trend_records", err)
	}
	return trends, nil
}

// PutTrendRecords swaps the stored set for trends atomically.
func (s *SQLiteStore) PutTrendRecords(ctx context.Context, trends model.TrendSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("sqlite begin", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trend_records`); err != nil {
		tx.Rollback()
		return storageErr("sqlite delete trend_records", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trend_records (currency, change_percent, direction, start_date, end_date, start_rate, end_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return storageErr("sqlite prepare", err)
	}
	defer stmt.Close()

	for _, rec := range trends {
		_, err := stmt.ExecContext(ctx,
			string(rec.Currency), rec.ChangePercent, string(rec.Direction),
			utils.FormatDate(rec.StartDate), utils.FormatDate(rec.EndDate),
			rec.StartRate, rec.EndRate,
		)
		if err != nil {
			tx.Rollback()
			return storageErr("sqlite insert trend record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("sqlite commit", err)
	}
	return nil
}

func (s *SQLiteStore) EarliestDate(ctx context.Context) (*time.Time, error) {
	return s.boundaryDate(ctx, `SELECT MIN(date) FROM historical_rates`)
}

func (s *SQLiteStore) LatestDate(ctx context.Context) (*time.Time, error) {
	return s.boundaryDate(ctx, `SELECT MAX(date) FROM historical_rates`)
}

func (s *SQLiteStore) boundaryDate(ctx context.Context, query string) (*time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return nil, storageErr("sqlite query date bound", err)
	}
	if !v.Valid {
		return nil, nil
	}
	date, err := utils.ParseDate(v.String)
	if err != nil {
		return nil, storageErr("parse date bound", err)
	}
	return &date, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("sqlite begin", err)
	}
	for _, table := range []string{"rate_snapshots", "historical_rates", "trend_records"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return storageErr("sqlite clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("sqlite commit", err)
	}
	s.log.Info("Cleared rate store")
	return nil
}

// Health pings the database.
func (s *SQLiteStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
