package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/ports"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"

	"golang.org/x/sync/errgroup"
)

const (
	// maxGapFetches caps parallel sub-range requests; beyond it the gaps are
	// covered by one request spanning all of them.
	maxGapFetches   = 8
	gapFetchWorkers = 4
)

type dateRange struct {
	start, end time.Time
}

func (r dateRange) key() string {
	return utils.FormatDate(r.start) + ".." + utils.FormatDate(r.end)
}

// historyResult is the stored view of a range after any gap filling.
type historyResult struct {
	series   *model.HistoricalSeries
	complete bool
	fetchErr error
}

// LoadHistoricalRange returns the daily rates of currency within [start, end].
// Only days missing from the store are fetched; stored days are never
// refetched or overwritten.
func (s *SyncService) LoadHistoricalRange(ctx context.Context, currency model.Currency, start, end time.Time) (model.CacheEntry[[]model.RatePoint], error) {
	if !currency.IsSupported() {
		return model.CacheEntry[[]model.RatePoint]{}, ErrInvalidCurrency
	}
	start, end, err := s.validateRange(start, end)
	if err != nil {
		return model.CacheEntry[[]model.RatePoint]{}, err
	}

	key := ports.HistoricalKey{Currency: currency, StartDate: start, EndDate: end}
	if entry, found := s.cache.GetHistorical(ctx, key); found {
		s.cacheLookup("historical", true)
		return entry, nil
	}
	s.cacheLookup("historical", false)

	r := dateRange{start: start, end: end}
	res, err := shared(ctx, &s.group, "history:"+r.key(), func(ctx context.Context) (historyResult, error) {
		return s.ensureHistory(ctx, r)
	})
	if err != nil {
		return model.CacheEntry[[]model.RatePoint]{}, err
	}

	points := res.series.Points(currency)
	if !res.complete && len(points) == 0 {
		return model.CacheEntry[[]model.RatePoint]{}, fmt.Errorf("%w: no %s history for %s and fetch failed: %w",
			model.ErrDataUnavailable, currency, r.key(), res.fetchErr)
	}

	entry := model.CacheEntry[[]model.RatePoint]{
		Value:     points,
		AsOf:      end,
		Freshness: model.FreshnessCurrent,
		CachedAt:  s.now(),
	}
	if last, ok := res.series.Last(); ok {
		entry.AsOf = last
	}

	if !res.complete {
		s.staleFallback("historical")
		entry.Freshness = model.FreshnessStale
		return entry, nil
	}

	s.cache.SetHistorical(ctx, key, entry)
	return entry, nil
}

// FetchAndSaveHistorical fetches the whole range unconditionally and merges
// it into the store. Trends are recomputed when the range touches the
// trailing window.
func (s *SyncService) FetchAndSaveHistorical(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
	start, end, err := s.validateRange(start, end)
	if err != nil {
		return nil, err
	}
	if !s.isConnected() {
		return nil, fmt.Errorf("%w: offline", model.ErrNetwork)
	}

	r := dateRange{start: start, end: end}
	return shared(ctx, &s.group, "fetch:history:"+r.key(), func(ctx context.Context) (*model.HistoricalSeries, error) {
		fetched, err := s.fetchRange(ctx, r)
		if err != nil {
			return nil, err
		}
		if _, err := s.writeHistory(ctx, fetched); err != nil {
			return nil, err
		}
		return s.store.GetHistoricalSeries(ctx, start, end)
	})
}

// HistoryCoverage reports the first and last stored days of history.
func (s *SyncService) HistoryCoverage(ctx context.Context) (model.HistoryCoverage, error) {
	earliest, err := s.store.EarliestDate(ctx)
	if err != nil {
		return model.HistoryCoverage{}, err
	}
	latest, err := s.store.LatestDate(ctx)
	if err != nil {
		return model.HistoryCoverage{}, err
	}
	return model.HistoryCoverage{Earliest: earliest, Latest: latest}, nil
}

// ensureHistory fills the gaps of r from the remote source. A failed fetch
// is not an error here: the stored days are returned marked incomplete.
func (s *SyncService) ensureHistory(ctx context.Context, r dateRange) (historyResult, error) {
	log := s.log.WithContext(ctx)

	stored, err := s.store.GetHistoricalSeries(ctx, r.start, r.end)
	if err != nil {
		return historyResult{}, err
	}

	gaps := s.missingRanges(stored, r)
	if len(gaps) == 0 {
		return historyResult{series: stored, complete: true}, nil
	}
	if !s.isConnected() {
		return historyResult{series: stored, fetchErr: fmt.Errorf("%w: offline", model.ErrNetwork)}, nil
	}

	fetched, err := s.fetchGaps(ctx, gaps)
	if err != nil {
		if errors.Is(err, model.ErrStorage) {
			return historyResult{}, err
		}
		log.Warn("Failed to fill history gaps", "error", err, "range", r.key(), "gaps", len(gaps))
		return historyResult{series: stored, fetchErr: err}, nil
	}

	if _, err := s.writeHistory(ctx, fetched); err != nil {
		return historyResult{}, err
	}

	merged, _, err := stored.Merge(fetched)
	if err != nil {
		return historyResult{}, err
	}
	return historyResult{series: merged.Between(r.start, r.end), complete: true}, nil
}

// missingRanges lists runs of publishing days in r that the store lacks.
// Days after the latest publication are not missing yet. Non-publishing days
// never break a run.
func (s *SyncService) missingRanges(stored *model.HistoricalSeries, r dateRange) []dateRange {
	limit := s.policy.LatestPublishedDate(s.now())
	if r.end.Before(limit) {
		limit = r.end
	}

	var gaps []dateRange
	var open *dateRange
	for _, d := range utils.DateRange(r.start, limit) {
		switch {
		case stored.Has(d):
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
		case !s.policy.IsPublishingDay(d):
		case open == nil:
			open = &dateRange{start: d, end: d}
		default:
			open.end = d
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}

	if len(gaps) > maxGapFetches {
		gaps = []dateRange{{start: gaps[0].start, end: gaps[len(gaps)-1].end}}
	}
	return gaps
}

func (s *SyncService) fetchGaps(ctx context.Context, gaps []dateRange) (*model.HistoricalSeries, error) {
	results := make([]*model.HistoricalSeries, len(gaps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gapFetchWorkers)
	for i, gap := range gaps {
		g.Go(func() error {
			series, err := s.fetchRange(gctx, gap)
			if err != nil {
				return err
			}
			results[i] = series
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	combined := model.EmptySeries(results[0].Base())
	for _, series := range results {
		merged, _, err := combined.Merge(series)
		if err != nil {
			return nil, err
		}
		combined = merged
	}
	return combined, nil
}

func (s *SyncService) fetchRange(ctx context.Context, r dateRange) (*model.HistoricalSeries, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	began := time.Now()
	series, err := s.remote.FetchRange(fetchCtx, r.start, r.end)
	s.observeFetch("range", began, err)
	if err != nil {
		s.log.WithContext(ctx).Error("Failed to fetch historical rates", "error", err, "range", r.key())
		return nil, err
	}
	return series, nil
}

// writeHistory stores the days of series the store does not have yet and
// returns them. The historical cache is dropped after a write, and trends
// are recomputed when the new days touch the trailing window.
func (s *SyncService) writeHistory(ctx context.Context, series *model.HistoricalSeries) (*model.HistoricalSeries, error) {
	first, ok := series.First()
	if !ok {
		return series, nil
	}
	last, _ := series.Last()

	s.historyMu.Lock()
	existing, err := s.store.GetHistoricalSeries(ctx, first, last)
	if err != nil {
		s.historyMu.Unlock()
		return nil, err
	}
	_, added, err := existing.Merge(series)
	if err != nil {
		s.historyMu.Unlock()
		return nil, err
	}
	if added.Len() == 0 {
		s.historyMu.Unlock()
		return added, nil
	}
	if err := s.store.PutHistoricalSeries(ctx, added); err != nil {
		s.historyMu.Unlock()
		return nil, err
	}
	s.cache.InvalidateHistorical(ctx)
	s.historyMu.Unlock()

	addedFirst, _ := added.First()
	addedLast, _ := added.Last()
	s.log.WithContext(ctx).Info("Stored historical rates",
		"days", added.Len(),
		"start", utils.FormatDate(addedFirst),
		"end", utils.FormatDate(addedLast),
	)

	if s.trends.AffectsTrendWindow(addedFirst, addedLast) {
		s.recomputeOpportunistically(ctx)
	}
	return added, nil
}

// validateRange normalizes the bounds and clamps end to today.
func (s *SyncService) validateRange(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end are required", ErrInvalidDateRange)
	}
	start, end = utils.NormalizeDate(start), utils.NormalizeDate(end)
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidDateRange, utils.FormatDate(start), utils.FormatDate(end))
	}

	today := s.policy.Today(s.now())
	if start.After(today) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is in the future", ErrInvalidDateRange, utils.FormatDate(start))
	}
	if end.After(today) {
		end = today
	}
	if !utils.ValidateDate(start, today, s.maxHistoryDays) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s is more than %d days ago", ErrDateOutOfRange, utils.FormatDate(start), s.maxHistoryDays)
	}
	return start, end, nil
}
