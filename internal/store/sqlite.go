package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			payment_hash TEXT NOT NULL,
			amount_sat INTEGER NOT NULL,
			fiat_amount REAL NOT NULL,
			fiat_currency TEXT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			settled_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) SaveReceipt(ctx context.Context, r *Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, payment_hash, amount_sat, fiat_amount, fiat_currency, memo, method, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PaymentHash, r.AmountSat, r.FiatAmount, r.FiatCurrency, r.Memo, r.Method, r.CreatedAt, r.SettledAt)
	return err
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payment_hash, amount_sat, fiat_amount, fiat_currency, memo, method, created_at, settled_at
		FROM receipts WHERE id = ?
	`, id)

	var r Receipt
	err := row.Scan(&r.ID, &r.PaymentHash, &r.AmountSat, &r.FiatAmount, &r.FiatCurrency, &r.Memo, &r.Method, &r.CreatedAt, &r.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_hash, amount_sat, fiat_amount, fiat_currency, memo, method, created_at, settled_at
		FROM receipts ORDER BY settled_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []*Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.PaymentHash, &r.AmountSat, &r.FiatAmount, &r.FiatCurrency, &r.Memo, &r.Method, &r.CreatedAt, &r.SettledAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, &r)
	}
	return receipts, rows.Err()
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(amount_sat), 0) as total_sats,
			COALESCE(MIN(settled_at), '') as first,
			COALESCE(MAX(settled_at), '') as last
		FROM receipts
	`)

	var first, last string
	if err := row.Scan(&stats.TotalReceipts, &stats.TotalSats, &first, &last); err != nil {
		return nil, err
	}
	stats.FirstSettled = parseStoredTime(first)
	stats.LastSettled = parseStoredTime(last)

	rows, err := s.db.QueryContext(ctx, `
		SELECT date(settled_at) as day, COUNT(*), COALESCE(SUM(amount_sat), 0)
		FROM receipts
		WHERE settled_at >= datetime('now', '-14 days')
		GROUP BY day ORDER BY day DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ds DailyStat
		if err := rows.Scan(&ds.Date, &ds.Receipts, &ds.Sats); err != nil {
			return nil, err
		}
		stats.DailyStats = append(stats.DailyStats, ds)
	}
	return stats, rows.Err()
}

func parseStoredTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
