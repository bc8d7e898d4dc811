package service

import (
	"context"
	"errors"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/trend"
)

// LoadTrends reads trends from the cache, then the store. With nothing
// stored it fills the trailing window from the remote source and computes
// them; model.ErrInsufficientData means trends are not available yet.
func (s *SyncService) LoadTrends(ctx context.Context) (model.CacheEntry[model.TrendSet], error) {
	if entry, found := s.cache.GetTrends(ctx); found {
		s.cacheLookup("trends", true)
		return entry, nil
	}
	s.cacheLookup("trends", false)

	return shared(ctx, &s.group, "trends", s.loadTrends)
}

func (s *SyncService) loadTrends(ctx context.Context) (model.CacheEntry[model.TrendSet], error) {
	if entry, found, err := s.storedTrends(ctx); err != nil || found {
		return entry, err
	}

	sufficient, err := s.hasTrendHistory(ctx)
	if err != nil {
		return model.CacheEntry[model.TrendSet]{}, err
	}
	if !sufficient {
		s.fillTrendWindow(ctx)
	}

	set, err := s.RecomputeTrends(ctx)
	if err != nil {
		return model.CacheEntry[model.TrendSet]{}, err
	}
	return s.trendEntry(set), nil
}

// storedTrends caches the stored trend set. Holding trendMu across the read
// and the cache set keeps a concurrent RecomputeTrends from being replaced
// by the older set.
func (s *SyncService) storedTrends(ctx context.Context) (model.CacheEntry[model.TrendSet], bool, error) {
	s.trendMu.Lock()
	defer s.trendMu.Unlock()

	stored, err := s.store.GetTrendRecords(ctx)
	if err != nil || len(stored) == 0 {
		return model.CacheEntry[model.TrendSet]{}, false, err
	}
	entry := s.trendEntry(stored)
	s.cache.SetTrends(ctx, entry)
	return entry, true, nil
}

// hasTrendHistory checks the newest stored day first; history ending before
// the latest publication can never cover the window.
func (s *SyncService) hasTrendHistory(ctx context.Context) (bool, error) {
	latest, err := s.store.LatestDate(ctx)
	if err != nil {
		return false, err
	}
	if latest == nil || latest.Before(s.policy.LatestPublishedDate(s.now())) {
		return false, nil
	}
	return s.trends.HasSufficientData(ctx)
}

// fillTrendWindow fetches missing days of the trailing window plus the
// weekend slack before it. Failures only leave trends unavailable.
func (s *SyncService) fillTrendWindow(ctx context.Context) {
	start, end := s.trends.Window()
	r := dateRange{start: start.AddDate(0, 0, -trend.WindowDays), end: end}

	res, err := shared(ctx, &s.group, "history:"+r.key(), func(ctx context.Context) (historyResult, error) {
		return s.ensureHistory(ctx, r)
	})
	if err != nil {
		s.log.WithContext(ctx).Warn("Failed to fill trend window", "error", err)
		return
	}
	if !res.complete {
		s.log.WithContext(ctx).Warn("Trend window still has gaps", "error", res.fetchErr)
	}
}

// RecomputeTrends rebuilds the whole trend set from stored history and
// writes it through store and cache.
func (s *SyncService) RecomputeTrends(ctx context.Context) (model.TrendSet, error) {
	s.trendMu.Lock()
	defer s.trendMu.Unlock()

	set, err := s.trends.RecomputeTrends(ctx)
	s.observeRecompute(err)
	if err != nil {
		return nil, err
	}

	if err := s.store.PutTrendRecords(ctx, set); err != nil {
		s.log.WithContext(ctx).Error("Failed to store trends", "error", err)
		return nil, err
	}
	s.cache.SetTrends(ctx, s.trendEntry(set))

	s.log.WithContext(ctx).Info("Recomputed trends", "currencies", len(set))
	return set, nil
}

func (s *SyncService) recomputeOpportunistically(ctx context.Context) {
	if _, err := s.RecomputeTrends(ctx); err != nil {
		if errors.Is(err, model.ErrInsufficientData) {
			s.log.WithContext(ctx).Debug("Trends not recomputed yet", "reason", err)
			return
		}
		s.log.WithContext(ctx).Warn("Trend recomputation failed", "error", err)
	}
}

func (s *SyncService) trendEntry(set model.TrendSet) model.CacheEntry[model.TrendSet] {
	var asOf time.Time
	for _, rec := range set {
		if rec.EndDate.After(asOf) {
			asOf = rec.EndDate
		}
	}

	freshness := model.FreshnessCurrent
	if asOf.Before(s.policy.LatestPublishedDate(s.now())) {
		freshness = model.FreshnessStale
	}

	return model.CacheEntry[model.TrendSet]{
		Value:     set,
		AsOf:      asOf,
		Freshness: freshness,
		CachedAt:  s.now(),
	}
}

func (s *SyncService) observeRecompute(err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, model.ErrInsufficientData):
		result = "insufficient"
	case err != nil:
		result = "error"
	}
	s.metrics.TrendRecomputesTotal.WithLabelValues(result).Inc()
}
