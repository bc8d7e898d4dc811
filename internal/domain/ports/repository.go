package ports

import (
	"context"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
)

// RemoteRateSource is the remote source of truth. Failures are reported as
// model.ErrNetwork or model.ErrValidation.
type RemoteRateSource interface {
	FetchCurrent(ctx context.Context) (*model.RateSnapshot, error)
	FetchRange(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error)
}

// DurableStore persists the data shapes. Lookups that find nothing return a
// nil value and a nil error; I/O failures wrap model.ErrStorage.
type DurableStore interface {
	GetRateSnapshot(ctx context.Context, date time.Time) (*model.RateSnapshot, error)
	GetLatestRateSnapshot(ctx context.Context) (*model.RateSnapshot, error)
	PutRateSnapshot(ctx context.Context, snapshot *model.RateSnapshot) error

	// GetHistoricalSeries returns the stored days in [start, end]; an empty
	// series when none are stored.
	GetHistoricalSeries(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error)
	// PutHistoricalSeries stores days not already present. Stored days are
	// never overwritten.
	PutHistoricalSeries(ctx context.Context, series *model.HistoricalSeries) error

	GetTrendRecords(ctx context.Context) (model.TrendSet, error)
	// PutTrendRecords replaces the whole stored set.
	PutTrendRecords(ctx context.Context, trends model.TrendSet) error

	// EarliestDate and LatestDate bound the stored history; nil when none
	// is stored.
	EarliestDate(ctx context.Context) (*time.Time, error)
	LatestDate(ctx context.Context) (*time.Time, error)

	Clear(ctx context.Context) error
}

// FetchCursorStore is the small key-value slot holding the last successful
// full-rate fetch time. Load returns nil when no fetch was recorded.
type FetchCursorStore interface {
	Load(ctx context.Context) (*time.Time, error)
	Save(ctx context.Context, ts time.Time) error
	Clear(ctx context.Context) error
}

type ConnectivityMonitor interface {
	IsConnected() bool
}
