package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/ports"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/metrics"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/trend"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout   = 10 * time.Second
	defaultMaxHistoryDays = 365
	conversionPlaces      = 6
)

// Dependencies are the collaborators a SyncService coordinates.
// Connectivity and Trends may be nil.
type Dependencies struct {
	Remote       ports.RemoteRateSource
	Store        ports.DurableStore
	Cursor       ports.FetchCursorStore
	Cache        ports.RateCache
	Connectivity ports.ConnectivityMonitor
	Policy       ports.ClockPolicy
	Trends       *trend.Engine
	Metrics      *metrics.Metrics
	Log          *logger.Logger
}

type Options struct {
	// FetchTimeout bounds every remote call.
	FetchTimeout   time.Duration
	MaxHistoryDays int
	Now            func() time.Time
}

// SyncService is the only writer of the cache, the store and the fetch
// cursor. Reads go cache, then store, then the remote source.
type SyncService struct {
	remote       ports.RemoteRateSource
	store        ports.DurableStore
	cursor       ports.FetchCursorStore
	cache        ports.RateCache
	connectivity ports.ConnectivityMonitor
	policy       ports.ClockPolicy
	trends       *trend.Engine
	metrics      *metrics.Metrics
	log          *logger.Logger

	fetchTimeout   time.Duration
	maxHistoryDays int
	now            func() time.Time

	group singleflight.Group

	// One writer per data shape; ClearAll takes them all in this order.
	currentMu sync.Mutex
	historyMu sync.Mutex
	trendMu   sync.Mutex
	cursorMu  sync.Mutex
}

func NewSyncService(deps Dependencies, opts Options) *SyncService {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.MaxHistoryDays <= 0 {
		opts.MaxHistoryDays = defaultMaxHistoryDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Trends == nil {
		deps.Trends = trend.NewEngine(deps.Store, deps.Policy, opts.Now)
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}

	return &SyncService{
		remote:         deps.Remote,
		store:          deps.Store,
		cursor:         deps.Cursor,
		cache:          deps.Cache,
		connectivity:   deps.Connectivity,
		policy:         deps.Policy,
		trends:         deps.Trends,
		metrics:        deps.Metrics,
		log:            deps.Log,
		fetchTimeout:   opts.FetchTimeout,
		maxHistoryDays: opts.MaxHistoryDays,
		now:            opts.Now,
	}
}

// LoadCurrentRates serves the latest rate table. A stale stored table is
// preferred over an error whenever the remote source cannot answer.
func (s *SyncService) LoadCurrentRates(ctx context.Context) (model.CacheEntry[*model.RateSnapshot], error) {
	if entry, found := s.cache.GetCurrent(ctx); found {
		s.cacheLookup("current", true)
		return entry, nil
	}
	s.cacheLookup("current", false)

	return shared(ctx, &s.group, "current", s.loadCurrent)
}

func (s *SyncService) loadCurrent(ctx context.Context) (model.CacheEntry[*model.RateSnapshot], error) {
	log := s.log.WithContext(ctx)
	now := s.now()

	if entry, found, err := s.storedCurrent(ctx, now); err != nil || found {
		return entry, err
	}

	lastFetch, err := s.GetLastFetchTimestamp(ctx)
	if err != nil {
		log.Warn("Failed to read fetch cursor, assuming a fetch is due", "error", err)
		lastFetch = nil
	}

	due := s.policy.ShouldFetch(lastFetch, now)
	var fetchErr error
	if due {
		if !s.isConnected() {
			fetchErr = fmt.Errorf("%w: offline", model.ErrNetwork)
		} else {
			snapshot, err := s.refreshCurrent(ctx)
			if err == nil {
				return s.currentEntry(snapshot, model.FreshnessCurrent), nil
			}
			if errors.Is(err, model.ErrStorage) {
				return model.CacheEntry[*model.RateSnapshot]{}, err
			}
			fetchErr = err
		}
		log.Warn("Falling back to stored rates", "error", fetchErr)
	}

	return s.latestCurrent(ctx, lastFetch, now, fetchErr)
}

// storedCurrent serves the table of the latest publication when the store
// has it. The read and the cache set share currentMu with writeCurrent, so a
// refresh committing in between cannot be overwritten by this older read.
func (s *SyncService) storedCurrent(ctx context.Context, now time.Time) (model.CacheEntry[*model.RateSnapshot], bool, error) {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	stored, err := s.store.GetRateSnapshot(ctx, s.policy.LatestPublishedDate(now))
	if err != nil || stored == nil {
		return model.CacheEntry[*model.RateSnapshot]{}, false, err
	}
	entry := s.currentEntry(stored, model.FreshnessCurrent)
	s.cache.SetCurrent(ctx, entry)
	return entry, true, nil
}

// latestCurrent falls back to the newest stored table, under currentMu for
// the same reason as storedCurrent.
func (s *SyncService) latestCurrent(ctx context.Context, lastFetch *time.Time, now time.Time, fetchErr error) (model.CacheEntry[*model.RateSnapshot], error) {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	latest, err := s.store.GetLatestRateSnapshot(ctx)
	if err != nil {
		return model.CacheEntry[*model.RateSnapshot]{}, err
	}
	if latest == nil {
		if fetchErr != nil {
			return model.CacheEntry[*model.RateSnapshot]{}, fmt.Errorf("%w: no stored rates and fetch failed: %w", model.ErrDataUnavailable, fetchErr)
		}
		return model.CacheEntry[*model.RateSnapshot]{}, fmt.Errorf("%w: no stored rates", model.ErrDataUnavailable)
	}

	if fetchErr != nil {
		// Not cached, so the next caller retries the fetch.
		s.staleFallback("current")
		return s.currentEntry(latest, model.FreshnessStale), nil
	}

	entry := s.currentEntry(latest, s.freshness(latest.Date(), lastFetch, now))
	s.cache.SetCurrent(ctx, entry)
	return entry, nil
}

// TriggerRefresh fetches the current table regardless of the clock policy.
func (s *SyncService) TriggerRefresh(ctx context.Context) (*model.RateSnapshot, error) {
	if !s.isConnected() {
		return nil, fmt.Errorf("%w: offline", model.ErrNetwork)
	}
	return s.refreshCurrent(ctx)
}

// RefreshIfDue refreshes only when the clock policy says the source has
// published since the last fetch.
func (s *SyncService) RefreshIfDue(ctx context.Context) (bool, error) {
	lastFetch, err := s.GetLastFetchTimestamp(ctx)
	if err != nil {
		s.log.WithContext(ctx).Warn("Failed to read fetch cursor, assuming a fetch is due", "error", err)
		lastFetch = nil
	}
	if !s.policy.ShouldFetch(lastFetch, s.now()) {
		return false, nil
	}
	if !s.isConnected() {
		s.log.WithContext(ctx).Info("Refresh due but offline, skipping")
		return false, nil
	}

	if _, err := s.refreshCurrent(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// refreshCurrent is the single fetch path for the current table. Concurrent
// callers share one remote call.
func (s *SyncService) refreshCurrent(ctx context.Context) (*model.RateSnapshot, error) {
	return shared(ctx, &s.group, "fetch:current", func(ctx context.Context) (*model.RateSnapshot, error) {
		log := s.log.WithContext(ctx)

		fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()

		began := time.Now()
		snapshot, err := s.remote.FetchCurrent(fetchCtx)
		s.observeFetch("current", began, err)
		if err != nil {
			log.Error("Failed to fetch current rates", "error", err)
			return nil, err
		}

		if err := s.writeCurrent(ctx, snapshot); err != nil {
			log.Error("Failed to store current rates", "error", err, "date", utils.FormatDate(snapshot.Date()))
			return nil, err
		}

		if err := s.UpdateLastFetchTimestamp(ctx, s.now()); err != nil {
			log.Error("Failed to advance fetch cursor", "error", err)
		}

		s.extendHistory(ctx, snapshot)

		log.Info("Refreshed current rates", "date", utils.FormatDate(snapshot.Date()), "currencies", len(snapshot.Currencies()))
		return snapshot, nil
	})
}

func (s *SyncService) writeCurrent(ctx context.Context, snapshot *model.RateSnapshot) error {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	if err := s.store.PutRateSnapshot(ctx, snapshot); err != nil {
		return err
	}
	s.cache.SetCurrent(ctx, s.currentEntry(snapshot, model.FreshnessCurrent))
	return nil
}

// extendHistory records the fetched table as one day of history.
func (s *SyncService) extendHistory(ctx context.Context, snapshot *model.RateSnapshot) {
	rates := snapshot.Rates()
	delete(rates, snapshot.Base())

	day, err := model.NewHistoricalSeries(snapshot.Base(), []model.DailyRates{{Date: snapshot.Date(), Rates: rates}})
	if err != nil {
		s.log.WithContext(ctx).Warn("Current rates not added to history", "error", err)
		return
	}
	if _, err := s.writeHistory(ctx, day); err != nil {
		s.log.WithContext(ctx).Warn("Current rates not added to history", "error", err)
	}
}

// ConvertAmount converts through the base currency of the current table.
func (s *SyncService) ConvertAmount(ctx context.Context, request model.ConversionRequest) (*model.ConversionResult, error) {
	if s.metrics != nil {
		s.metrics.ConversionRequestsTotal.Inc()
	}
	if !request.FromCurrency.IsSupported() || !request.ToCurrency.IsSupported() {
		return nil, ErrInvalidCurrency
	}
	if request.Amount <= 0 || math.IsNaN(request.Amount) || math.IsInf(request.Amount, 0) {
		return nil, ErrInvalidAmount
	}

	entry, err := s.LoadCurrentRates(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := entry.Value

	fromRate, okFrom := snapshot.Rate(request.FromCurrency)
	toRate, okTo := snapshot.Rate(request.ToCurrency)
	if !okFrom || !okTo {
		return nil, fmt.Errorf("%w: no rate for %s/%s on %s", model.ErrDataUnavailable,
			request.FromCurrency, request.ToCurrency, utils.FormatDate(snapshot.Date()))
	}

	rate := decimal.NewFromFloat(toRate).Div(decimal.NewFromFloat(fromRate))
	amount := decimal.NewFromFloat(request.Amount).Mul(rate).Round(conversionPlaces)

	return &model.ConversionResult{
		FromCurrency: request.FromCurrency,
		ToCurrency:   request.ToCurrency,
		FromAmount:   request.Amount,
		ToAmount:     amount.InexactFloat64(),
		Rate:         rate.InexactFloat64(),
		Date:         snapshot.Date(),
	}, nil
}

// ClearAll wipes the store, the cursor and the cache, in that order, so the
// cache is never ahead of the store. Calling it twice is harmless.
func (s *SyncService) ClearAll(ctx context.Context) error {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.trendMu.Lock()
	defer s.trendMu.Unlock()
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()

	var errs []error
	if err := s.store.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.cursor.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cache.Clear(ctx)

	if err := errors.Join(errs...); err != nil {
		s.log.WithContext(ctx).Error("Clear incomplete", "error", err)
		return err
	}
	s.log.WithContext(ctx).Info("Cleared all rate data")
	return nil
}

func (s *SyncService) GetLastFetchTimestamp(ctx context.Context) (*time.Time, error) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	return s.cursor.Load(ctx)
}

// UpdateLastFetchTimestamp is also used by out-of-band fetchers such as the
// demo seeder.
func (s *SyncService) UpdateLastFetchTimestamp(ctx context.Context, ts time.Time) error {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	return s.cursor.Save(ctx, ts)
}

func (s *SyncService) currentEntry(snapshot *model.RateSnapshot, freshness model.Freshness) model.CacheEntry[*model.RateSnapshot] {
	return model.CacheEntry[*model.RateSnapshot]{
		Value:     snapshot,
		AsOf:      snapshot.Date(),
		Freshness: freshness,
		CachedAt:  s.now(),
	}
}

// freshness is current when asOf is the latest publication, or when the
// cursor says nothing newer can exist yet.
func (s *SyncService) freshness(asOf time.Time, lastFetch *time.Time, now time.Time) model.Freshness {
	if !utils.NormalizeDate(asOf).Before(s.policy.LatestPublishedDate(now)) {
		return model.FreshnessCurrent
	}
	if lastFetch != nil && !s.policy.ShouldFetch(lastFetch, now) {
		return model.FreshnessCurrent
	}
	return model.FreshnessStale
}

func (s *SyncService) isConnected() bool {
	return s.connectivity == nil || s.connectivity.IsConnected()
}

func (s *SyncService) cacheLookup(shape string, hit bool) {
	if s.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	s.metrics.CacheLookupsTotal.WithLabelValues(shape, result).Inc()
}

func (s *SyncService) staleFallback(shape string) {
	if s.metrics != nil {
		s.metrics.StaleFallbacksTotal.WithLabelValues(shape).Inc()
	}
}

func (s *SyncService) observeFetch(kind string, began time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RemoteFetchDuration.WithLabelValues(kind).Observe(time.Since(began).Seconds())
	s.metrics.RemoteFetchesTotal.WithLabelValues(kind, metrics.Result(err)).Inc()
}

// shared runs fn once per key across concurrent callers. The work runs on a
// context detached from the caller's cancellation so it can finish and keep
// the store consistent; a caller that gives up gets ctx.Err().
func shared[T any](ctx context.Context, group *singleflight.Group, key string, fn func(context.Context) (T, error)) (T, error) {
	work := context.WithoutCancel(ctx)
	ch := group.DoChan(key, func() (interface{}, error) {
		return fn(work)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
