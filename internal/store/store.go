package store

import (
	"context"
	"time"
)

// Receipt records one settled payment. The engine itself never writes
// these; the server's completion callback does.
type Receipt struct {
	ID           string
	PaymentHash  string
	AmountSat    int64
	FiatAmount   float64
	FiatCurrency string
	Memo         string
	Method       string // "lud21" or "card"
	CreatedAt    time.Time
	SettledAt    time.Time
}

// Stats contains aggregate statistics over settled payments.
type Stats struct {
	TotalReceipts int
	TotalSats     int64
	FirstSettled  time.Time
	LastSettled   time.Time
	DailyStats    []DailyStat
}

// DailyStat is one day's settled totals.
type DailyStat struct {
	Date     string
	Receipts int
	Sats     int64
}

// Store defines the interface for receipt persistence.
type Store interface {
	SaveReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, id string) (*Receipt, error)
	ListReceipts(ctx context.Context, limit int) ([]*Receipt, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
