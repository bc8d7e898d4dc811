package store

import (
	"context"
	"sync"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

// MemoryStore is an in-process DurableStore with the same semantics as
// SQLiteStore. It backs demo mode and tests.
type MemoryStore struct {
	mutex     sync.RWMutex
	base      model.Currency
	snapshots map[string]*model.RateSnapshot
	days      map[string]model.DailyRates
	trends    model.TrendSet
}

func NewMemoryStore(base model.Currency) *MemoryStore {
	return &MemoryStore{
		base:      base,
		snapshots: make(map[string]*model.RateSnapshot),
		days:      make(map[string]model.DailyRates),
		trends:    make(model.TrendSet),
	}
}

func (m *MemoryStore) GetRateSnapshot(ctx context.Context, date time.Time) (*model.RateSnapshot, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.snapshots[utils.FormatDate(utils.NormalizeDate(date))], nil
}

func (m *MemoryStore) GetLatestRateSnapshot(ctx context.Context) (*model.RateSnapshot, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var latest *model.RateSnapshot
	for _, s := range m.snapshots {
		if latest == nil || s.Date().After(latest.Date()) {
			latest = s
		}
	}
	return latest, nil
}

func (m *MemoryStore) PutRateSnapshot(ctx context.Context, snapshot *model.RateSnapshot) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.snapshots[utils.FormatDate(snapshot.Date())] = snapshot
	return nil
}

func (m *MemoryStore) GetHistoricalSeries(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	start, end = utils.NormalizeDate(start), utils.NormalizeDate(end)
	var days []model.DailyRates
	for _, d := range m.days {
		if d.Date.Before(start) || d.Date.After(end) {
			continue
		}
		days = append(days, d)
	}
	return model.NewHistoricalSeries(m.base, days)
}

func (m *MemoryStore) PutHistoricalSeries(ctx context.Context, series *model.HistoricalSeries) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, d := range series.Days() {
		key := utils.FormatDate(d.Date)
		if _, ok := m.days[key]; ok {
			continue
		}
		m.days[key] = d
	}
	return nil
}

func (m *MemoryStore) GetTrendRecords(ctx context.Context) (model.TrendSet, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make(model.TrendSet, len(m.trends))
	for k, v := range m.trends {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) PutTrendRecords(ctx context.Context, trends model.TrendSet) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.trends = make(model.TrendSet, len(trends))
	for k, v := range trends {
		m.trends[k] = v
	}
	return nil
}

func (m *MemoryStore) EarliestDate(ctx context.Context) (*time.Time, error) {
	return m.boundaryDate(func(a, b time.Time) bool { return a.Before(b) }), nil
}

func (m *MemoryStore) LatestDate(ctx context.Context) (*time.Time, error) {
	return m.boundaryDate(func(a, b time.Time) bool { return a.After(b) }), nil
}

// boundaryDate returns the stored day that beats every other under better.
func (m *MemoryStore) boundaryDate(better func(a, b time.Time) bool) *time.Time {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var bound *time.Time
	for _, d := range m.days {
		if bound == nil || better(d.Date, *bound) {
			date := d.Date
			bound = &date
		}
	}
	return bound
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.snapshots = make(map[string]*model.RateSnapshot)
	m.days = make(map[string]model.DailyRates)
	m.trends = make(model.TrendSet)
	return nil
}
