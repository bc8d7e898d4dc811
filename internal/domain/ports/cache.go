package ports

import (
	"context"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
)

// HistoricalKey identifies one cached historical query.
type HistoricalKey struct {
	Currency  model.Currency
	StartDate time.Time
	EndDate   time.Time
}

// RateCache holds hot copies of the three data shapes. Entries never expire on
// their own; they are replaced by writes or dropped by Clear.
type RateCache interface {
	GetCurrent(ctx context.Context) (model.CacheEntry[*model.RateSnapshot], bool)
	SetCurrent(ctx context.Context, entry model.CacheEntry[*model.RateSnapshot])

	// GetHistorical serves a query from an exact key or from any cached
	// superset range of the same currency.
	GetHistorical(ctx context.Context, key HistoricalKey) (model.CacheEntry[[]model.RatePoint], bool)
	SetHistorical(ctx context.Context, key HistoricalKey, entry model.CacheEntry[[]model.RatePoint])
	InvalidateHistorical(ctx context.Context)

	GetTrends(ctx context.Context) (model.CacheEntry[model.TrendSet], bool)
	SetTrends(ctx context.Context, entry model.CacheEntry[model.TrendSet])

	Clear(ctx context.Context)
}
