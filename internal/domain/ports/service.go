package ports

import (
	"context"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
)

type SyncService interface {
	LoadCurrentRates(ctx context.Context) (model.CacheEntry[*model.RateSnapshot], error)
	LoadHistoricalRange(ctx context.Context, currency model.Currency, start, end time.Time) (model.CacheEntry[[]model.RatePoint], error)
	TriggerRefresh(ctx context.Context) (*model.RateSnapshot, error)
	RefreshIfDue(ctx context.Context) (bool, error)
	FetchAndSaveHistorical(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error)
	HistoryCoverage(ctx context.Context) (model.HistoryCoverage, error)
	LoadTrends(ctx context.Context) (model.CacheEntry[model.TrendSet], error)
	RecomputeTrends(ctx context.Context) (model.TrendSet, error)
	ConvertAmount(ctx context.Context, request model.ConversionRequest) (*model.ConversionResult, error)
	ClearAll(ctx context.Context) error
	GetLastFetchTimestamp(ctx context.Context) (*time.Time, error)
	UpdateLastFetchTimestamp(ctx context.Context, ts time.Time) error
}
