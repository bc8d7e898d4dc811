package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/cache"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/cursor"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/store"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/clock"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/metrics"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Wednesday 2024-03-13 18:00 in Berlin, after the 16:00 cutover.
var wednesdayEvening = time.Date(2024, 3, 13, 17, 0, 0, 0, time.UTC)

type MockRemoteRateSource struct {
	FetchCurrentFunc func(ctx context.Context) (*model.RateSnapshot, error)
	FetchRangeFunc   func(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error)

	currentCalls atomic.Int32
	rangeCalls   atomic.Int32

	mutex  sync.Mutex
	ranges []string
}

func (m *MockRemoteRateSource) FetchCurrent(ctx context.Context) (*model.RateSnapshot, error) {
	m.currentCalls.Add(1)
	return m.FetchCurrentFunc(ctx)
}

func (m *MockRemoteRateSource) FetchRange(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
	m.rangeCalls.Add(1)
	m.mutex.Lock()
	m.ranges = append(m.ranges, utils.FormatDate(start)+".."+utils.FormatDate(end))
	m.mutex.Unlock()
	return m.FetchRangeFunc(ctx, start, end)
}

func (m *MockRemoteRateSource) requestedRanges() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.ranges...)
}

type MockConnectivity struct {
	offline atomic.Bool
}

func (m *MockConnectivity) IsConnected() bool { return !m.offline.Load() }

// failingStore lets a test break individual store operations.
type failingStore struct {
	*store.MemoryStore
	PutRateSnapshotFunc func(ctx context.Context, snapshot *model.RateSnapshot) error
}

func (f *failingStore) PutRateSnapshot(ctx context.Context, snapshot *model.RateSnapshot) error {
	if f.PutRateSnapshotFunc != nil {
		return f.PutRateSnapshotFunc(ctx, snapshot)
	}
	return f.MemoryStore.PutRateSnapshot(ctx, snapshot)
}

// pausingStore runs a hook right after a read, leaving a window for a
// concurrent writer.
type pausingStore struct {
	*store.MemoryStore
	afterLatest func()
	afterTrends func()
}

func (p *pausingStore) GetLatestRateSnapshot(ctx context.Context) (*model.RateSnapshot, error) {
	snapshot, err := p.MemoryStore.GetLatestRateSnapshot(ctx)
	if p.afterLatest != nil {
		p.afterLatest()
	}
	return snapshot, err
}

func (p *pausingStore) GetTrendRecords(ctx context.Context) (model.TrendSet, error) {
	trends, err := p.MemoryStore.GetTrendRecords(ctx)
	if p.afterTrends != nil {
		p.afterTrends()
	}
	return trends, err
}

// pauseOnce blocks the first call until release is closed and reports it
// on read.
func pauseOnce(read, release chan struct{}) func() {
	var first atomic.Bool
	return func() {
		if first.CompareAndSwap(false, true) {
			close(read)
			<-release
		}
	}
}

type fixture struct {
	svc          *SyncService
	remote       *MockRemoteRateSource
	store        *store.MemoryStore
	cache        *cache.MemoryCache
	cursor       *cursor.MemoryCursor
	connectivity *MockConnectivity
	metrics      *metrics.Metrics
}

func newFixture(t *testing.T, now time.Time, opts ...func(*Dependencies, *Options)) *fixture {
	t.Helper()

	policy, err := clock.NewPolicy(clock.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		remote: &MockRemoteRateSource{
			FetchCurrentFunc: func(ctx context.Context) (*model.RateSnapshot, error) {
				return mustSnapshot(t, utils.NormalizeDate(now), 0.91), nil
			},
			FetchRangeFunc: func(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
				return weekdaySeries(t, start, end, defaultRate), nil
			},
		},
		store:        store.NewMemoryStore(model.USD),
		cache:        cache.NewMemoryCache(logger.Discard()),
		cursor:       cursor.NewMemoryCursor(),
		connectivity: &MockConnectivity{},
		metrics:      metrics.NewMetrics(prometheus.NewRegistry()),
	}

	deps := Dependencies{
		Remote:       f.remote,
		Store:        f.store,
		Cursor:       f.cursor,
		Cache:        f.cache,
		Connectivity: f.connectivity,
		Policy:       policy,
		Metrics:      f.metrics,
		Log:          logger.Discard(),
	}
	options := Options{
		FetchTimeout:   time.Second,
		MaxHistoryDays: 365,
		Now:            func() time.Time { return now },
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	f.svc = NewSyncService(deps, options)
	return f
}

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func mustSnapshot(t *testing.T, date time.Time, eur float64) *model.RateSnapshot {
	t.Helper()
	snap, err := model.NewRateSnapshot(model.USD, date, map[model.Currency]float64{
		model.USD: 1,
		model.EUR: eur,
		model.GBP: 0.78,
		model.JPY: 149.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func defaultRate(d time.Time) float64 {
	return 0.90 + float64(d.Day())/1000
}

func weekdaySeries(t *testing.T, start, end time.Time, rate func(time.Time) float64) *model.HistoricalSeries {
	t.Helper()
	var days []model.DailyRates
	for _, d := range utils.DateRange(start, end) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, model.DailyRates{Date: d, Rates: map[model.Currency]float64{
			model.EUR: rate(d),
			model.GBP: 0.78,
		}})
	}
	series, err := model.NewHistoricalSeries(model.USD, days)
	if err != nil {
		t.Fatal(err)
	}
	return series
}

func TestSyncService_LoadCurrentRates_CacheFirst(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	first, err := f.svc.LoadCurrentRates(ctx)
	if err != nil {
		t.Fatalf("LoadCurrentRates: %v", err)
	}
	if first.Freshness != model.FreshnessCurrent {
		t.Errorf("Expected current freshness, got %s", first.Freshness)
	}

	second, err := f.svc.LoadCurrentRates(ctx)
	if err != nil {
		t.Fatalf("LoadCurrentRates: %v", err)
	}
	if !second.Value.Equal(first.Value) {
		t.Error("Expected the cached snapshot on the second call")
	}
	if got := f.remote.currentCalls.Load(); got != 1 {
		t.Errorf("Expected 1 remote call, got %d", got)
	}

	ts, _ := f.cursor.Load(ctx)
	if ts == nil || !ts.Equal(wednesdayEvening) {
		t.Errorf("Expected cursor at %s, got %v", wednesdayEvening, ts)
	}
	if got := testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("current", "hit")); got != 1 {
		t.Errorf("Expected 1 cache hit recorded, got %v", got)
	}
}

func TestSyncService_LoadCurrentRates_StoreHit(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()
	f.store.PutRateSnapshot(ctx, mustSnapshot(t, day(3, 13), 0.92))

	entry, err := f.svc.LoadCurrentRates(ctx)
	if err != nil {
		t.Fatalf("LoadCurrentRates: %v", err)
	}
	if r, _ := entry.Value.Rate(model.EUR); r != 0.92 {
		t.Errorf("Expected stored EUR 0.92, got %v", r)
	}
	if got := f.remote.currentCalls.Load(); got != 0 {
		t.Errorf("Expected no remote call, got %d", got)
	}
	if _, found := f.cache.GetCurrent(ctx); !found {
		t.Error("Expected the store hit to populate the cache")
	}
}

func TestSyncService_LoadCurrentRates_StaleFallback(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()
	f.store.PutRateSnapshot(ctx, mustSnapshot(t, day(3, 12), 0.93))
	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		return nil, fmt.Errorf("%w: connection refused", model.ErrNetwork)
	}

	for i := 1; i <= 2; i++ {
		entry, err := f.svc.LoadCurrentRates(ctx)
		if err != nil {
			t.Fatalf("call %d: expected stale data instead of %v", i, err)
		}
		if entry.Freshness != model.FreshnessStale || !entry.AsOf.Equal(day(3, 12)) {
			t.Errorf("call %d: expected stale 2024-03-12, got %s %s", i, entry.Freshness, entry.AsOf)
		}
	}

	if got := f.remote.currentCalls.Load(); got != 2 {
		t.Errorf("Expected the fetch to be retried on the next call, got %d calls", got)
	}
	if _, found := f.cache.GetCurrent(ctx); found {
		t.Error("Expected a stale fallback not to be cached")
	}
	if got := testutil.ToFloat64(f.metrics.StaleFallbacksTotal.WithLabelValues("current")); got != 2 {
		t.Errorf("Expected 2 stale fallbacks recorded, got %v", got)
	}
}

func TestSyncService_LoadCurrentRates_NotDueServesLatest(t *testing.T) {
	// Saturday, with the cursor set after Friday's cutover.
	now := time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()
	f.cursor.Save(ctx, time.Date(2024, 3, 15, 16, 30, 0, 0, time.UTC))
	f.store.PutRateSnapshot(ctx, mustSnapshot(t, day(3, 14), 0.94))

	entry, err := f.svc.LoadCurrentRates(ctx)
	if err != nil {
		t.Fatalf("LoadCurrentRates: %v", err)
	}
	if !entry.AsOf.Equal(day(3, 14)) || entry.Freshness != model.FreshnessCurrent {
		t.Errorf("Expected current 2024-03-14, got %s %s", entry.Freshness, entry.AsOf)
	}
	if got := f.remote.currentCalls.Load(); got != 0 {
		t.Errorf("Expected no remote call while nothing new is published, got %d", got)
	}
}

func TestSyncService_LoadCurrentRates_RefreshDuringStoreRead(t *testing.T) {
	// Saturday, nothing new due; a manual refresh commits while the load is
	// between reading the store and filling the cache.
	now := time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC)
	read := make(chan struct{})
	release := make(chan struct{})
	paused := &pausingStore{MemoryStore: store.NewMemoryStore(model.USD), afterLatest: pauseOnce(read, release)}
	f := newFixture(t, now, func(d *Dependencies, o *Options) {
		d.Store = paused
	})
	ctx := context.Background()
	f.cursor.Save(ctx, time.Date(2024, 3, 15, 16, 30, 0, 0, time.UTC))
	paused.PutRateSnapshot(ctx, mustSnapshot(t, day(3, 14), 0.94))
	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		return mustSnapshot(t, day(3, 15), 0.95), nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := f.svc.LoadCurrentRates(ctx); err != nil {
			t.Errorf("LoadCurrentRates: %v", err)
		}
	}()
	<-read
	go func() {
		defer wg.Done()
		if _, err := f.svc.TriggerRefresh(ctx); err != nil {
			t.Errorf("TriggerRefresh: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	cached, found := f.cache.GetCurrent(ctx)
	if !found || !cached.AsOf.Equal(day(3, 15)) {
		t.Fatalf("Expected the refreshed 2024-03-15 table in cache, got %s (found=%v)", cached.AsOf, found)
	}
	entry, err := f.svc.LoadCurrentRates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.AsOf.Equal(day(3, 15)) {
		t.Errorf("Expected later loads to serve 2024-03-15, got %s", entry.AsOf)
	}
}

func TestSyncService_LoadTrends_RecomputeDuringStoreRead(t *testing.T) {
	read := make(chan struct{})
	release := make(chan struct{})
	paused := &pausingStore{MemoryStore: store.NewMemoryStore(model.USD), afterTrends: pauseOnce(read, release)}
	f := newFixture(t, wednesdayEvening, func(d *Dependencies, o *Options) {
		d.Store = paused
	})
	ctx := context.Background()
	paused.PutHistoricalSeries(ctx, weekdaySeries(t, day(2, 26), day(3, 13), defaultRate))
	paused.PutTrendRecords(ctx, model.TrendSet{
		model.EUR: {Currency: model.EUR, Direction: model.DirectionDown, StartDate: day(3, 5), EndDate: day(3, 11)},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := f.svc.LoadTrends(ctx); err != nil {
			t.Errorf("LoadTrends: %v", err)
		}
	}()
	<-read
	go func() {
		defer wg.Done()
		if _, err := f.svc.RecomputeTrends(ctx); err != nil {
			t.Errorf("RecomputeTrends: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	cached, found := f.cache.GetTrends(ctx)
	if !found {
		t.Fatal("Expected trends in cache")
	}
	if rec := cached.Value[model.EUR]; rec.Direction != model.DirectionUp || !rec.EndDate.Equal(day(3, 13)) {
		t.Errorf("Expected the recomputed EUR trend to stay cached, got %+v", rec)
	}
}

func TestSyncService_ClearAllThenUnavailable(t *testing.T) {
	testCases := []struct {
		name    string
		offline bool
	}{
		{"Network Error", false},
		{"Offline", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, wednesdayEvening)
			ctx := context.Background()

			if _, err := f.svc.LoadCurrentRates(ctx); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 2; i++ {
				if err := f.svc.ClearAll(ctx); err != nil {
					t.Fatalf("ClearAll #%d: %v", i+1, err)
				}
			}
			if ts, _ := f.svc.GetLastFetchTimestamp(ctx); ts != nil {
				t.Errorf("Expected cursor to be cleared, got %v", ts)
			}

			f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
				return nil, fmt.Errorf("%w: no route to host", model.ErrNetwork)
			}
			f.connectivity.offline.Store(tc.offline)

			_, err := f.svc.LoadCurrentRates(ctx)
			if !errors.Is(err, model.ErrDataUnavailable) {
				t.Errorf("Expected ErrDataUnavailable, got %v", err)
			}
		})
	}
}

func TestSyncService_ConcurrentLoadsShareOneFetch(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		once.Do(func() { close(started) })
		<-release
		return mustSnapshot(t, day(3, 13), 0.91), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.LoadCurrentRates(context.Background())
			errs <- err
		}()
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if got := f.remote.currentCalls.Load(); got != 1 {
		t.Errorf("Expected a single shared fetch, got %d", got)
	}
}

func TestSyncService_TimeoutKeepsCursor(t *testing.T) {
	lastFetch := time.Date(2024, 3, 12, 16, 0, 0, 0, time.UTC)
	f := newFixture(t, wednesdayEvening, func(d *Dependencies, o *Options) {
		o.FetchTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()
	f.cursor.Save(ctx, lastFetch)
	f.store.PutRateSnapshot(ctx, mustSnapshot(t, day(3, 12), 0.93))
	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", model.ErrNetwork, ctx.Err())
	}

	entry, err := f.svc.LoadCurrentRates(ctx)
	if err != nil {
		t.Fatalf("Expected fallback after timeout, got %v", err)
	}
	if entry.Freshness != model.FreshnessStale {
		t.Errorf("Expected stale entry, got %s", entry.Freshness)
	}

	ts, _ := f.svc.GetLastFetchTimestamp(ctx)
	if ts == nil || !ts.Equal(lastFetch) {
		t.Errorf("Expected cursor to stay at %s, got %v", lastFetch, ts)
	}
}

func TestSyncService_CancelledCallerLetsWorkFinish(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	release := make(chan struct{})
	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		<-release
		return mustSnapshot(t, day(3, 13), 0.91), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.TriggerRefresh(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled for the abandoning caller, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected the cancelled caller to return promptly")
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		latest, _ := f.store.GetLatestRateSnapshot(context.Background())
		if latest != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the detached fetch to complete its write")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncService_TriggerRefresh(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		return nil, fmt.Errorf("%w: 503", model.ErrNetwork)
	}
	if _, err := f.svc.TriggerRefresh(ctx); !errors.Is(err, model.ErrNetwork) {
		t.Fatalf("Expected ErrNetwork, got %v", err)
	}
	if ts, _ := f.svc.GetLastFetchTimestamp(ctx); ts != nil {
		t.Errorf("Expected no cursor after a failed refresh, got %v", ts)
	}

	f.remote.FetchCurrentFunc = func(ctx context.Context) (*model.RateSnapshot, error) {
		return mustSnapshot(t, day(3, 13), 0.95), nil
	}
	for i := 0; i < 2; i++ {
		if _, err := f.svc.TriggerRefresh(ctx); err != nil {
			t.Fatalf("TriggerRefresh: %v", err)
		}
	}
	if got := f.remote.currentCalls.Load(); got != 3 {
		t.Errorf("Expected every trigger to reach the source, got %d calls", got)
	}
	if ts, _ := f.svc.GetLastFetchTimestamp(ctx); ts == nil || !ts.Equal(wednesdayEvening) {
		t.Errorf("Expected cursor at %s, got %v", wednesdayEvening, ts)
	}
	history, _ := f.store.GetHistoricalSeries(ctx, day(3, 13), day(3, 13))
	if history.Len() != 1 {
		t.Error("Expected the refreshed table to extend history")
	}
}

func TestSyncService_TriggerRefresh_StorageError(t *testing.T) {
	broken := &failingStore{
		MemoryStore: store.NewMemoryStore(model.USD),
		PutRateSnapshotFunc: func(ctx context.Context, snapshot *model.RateSnapshot) error {
			return fmt.Errorf("%w: disk full", model.ErrStorage)
		},
	}
	f := newFixture(t, wednesdayEvening, func(d *Dependencies, o *Options) {
		d.Store = broken
	})
	ctx := context.Background()

	if _, err := f.svc.TriggerRefresh(ctx); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("Expected ErrStorage, got %v", err)
	}
	if _, found := f.cache.GetCurrent(ctx); found {
		t.Error("Expected the cache not to run ahead of the store")
	}
	if ts, _ := f.svc.GetLastFetchTimestamp(ctx); ts != nil {
		t.Errorf("Expected cursor untouched, got %v", ts)
	}
}

func TestSyncService_RefreshIfDue(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	refreshed, err := f.svc.RefreshIfDue(ctx)
	if err != nil || !refreshed {
		t.Fatalf("Expected a refresh with no cursor, got %v, %v", refreshed, err)
	}

	refreshed, err = f.svc.RefreshIfDue(ctx)
	if err != nil || refreshed {
		t.Fatalf("Expected no refresh right after one, got %v, %v", refreshed, err)
	}
	if got := f.remote.currentCalls.Load(); got != 1 {
		t.Errorf("Expected 1 remote call, got %d", got)
	}

	f.svc.ClearAll(ctx)
	f.connectivity.offline.Store(true)
	refreshed, err = f.svc.RefreshIfDue(ctx)
	if err != nil || refreshed {
		t.Errorf("Expected an offline refresh to be skipped, got %v, %v", refreshed, err)
	}
}

func TestSyncService_LoadHistoricalRange_MergeIsIdempotent(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	if _, err := f.svc.LoadHistoricalRange(ctx, model.EUR, day(3, 1), day(3, 8)); err != nil {
		t.Fatalf("first load: %v", err)
	}
	entry, err := f.svc.LoadHistoricalRange(ctx, model.EUR, day(3, 5), day(3, 12))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	want := []string{"2024-03-01..2024-03-08", "2024-03-11..2024-03-12"}
	got := f.remote.requestedRanges()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected only the gap to be fetched: want %v, got %v", want, got)
	}

	if len(entry.Value) != 6 {
		t.Fatalf("Expected 6 EUR points, got %d", len(entry.Value))
	}
	for i := 1; i < len(entry.Value); i++ {
		if !entry.Value[i].Date.After(entry.Value[i-1].Date) {
			t.Fatalf("Expected strictly increasing dates, got %v", entry.Value)
		}
	}

	stored, _ := f.store.GetHistoricalSeries(ctx, day(3, 1), day(3, 31))
	if stored.Len() != 8 {
		t.Errorf("Expected exactly one stored entry per publishing day (8), got %d", stored.Len())
	}
}

func TestSyncService_LoadHistoricalRange_SupersetServedFromCache(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	if _, err := f.svc.LoadHistoricalRange(ctx, model.EUR, day(3, 1), day(3, 12)); err != nil {
		t.Fatal(err)
	}
	calls := f.remote.rangeCalls.Load()

	entry, err := f.svc.LoadHistoricalRange(ctx, model.EUR, day(3, 4), day(3, 6))
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Value) != 3 {
		t.Errorf("Expected 3 points, got %d", len(entry.Value))
	}
	if got := f.remote.rangeCalls.Load(); got != calls {
		t.Errorf("Expected no new remote call, got %d more", got-calls)
	}
}

func TestSyncService_LoadHistoricalRange_Validation(t *testing.T) {
	f := newFixture(t, wednesdayEvening)

	testCases := []struct {
		name     string
		currency model.Currency
		start    time.Time
		end      time.Time
		expected error
	}{
		{"Unsupported Currency", "XYZ", day(3, 1), day(3, 5), ErrInvalidCurrency},
		{"Inverted", model.EUR, day(3, 5), day(3, 1), ErrInvalidDateRange},
		{"Future", model.EUR, day(4, 1), day(4, 5), ErrInvalidDateRange},
		{"Missing Bound", model.EUR, time.Time{}, day(3, 5), ErrInvalidDateRange},
		{"Too Old", model.EUR, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), day(3, 5), ErrDateOutOfRange},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.LoadHistoricalRange(context.Background(), tc.currency, tc.start, tc.end)
			if !errors.Is(err, tc.expected) {
				t.Errorf("Expected %v, got %v", tc.expected, err)
			}
		})
	}

	entry, err := f.svc.LoadHistoricalRange(context.Background(), model.EUR, day(3, 11), day(3, 20))
	if err != nil {
		t.Fatalf("Expected the end to be clamped to today, got %v", err)
	}
	if last := entry.Value[len(entry.Value)-1].Date; !last.Equal(day(3, 13)) {
		t.Errorf("Expected last point on 2024-03-13, got %s", last)
	}
}

func TestSyncService_LoadHistoricalRange_Offline(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()
	f.connectivity.offline.Store(true)

	if _, err := f.svc.LoadHistoricalRange(ctx, model.EUR, day(3, 4), day(3, 8)); !errors.Is(err, model.ErrDataUnavailable) {
		t.Fatalf("Expected ErrDataUnavailable with nothing stored, got %v", err)
	}

	f.store.PutHistoricalSeries(ctx, weekdaySeries(t, day(3, 4), day(3, 5), defaultRate))
	entry, err := f.svc.LoadHistoricalRange(ctx, model.EUR, day(3, 4), day(3, 8))
	if err != nil {
		t.Fatalf("Expected stored days while offline, got %v", err)
	}
	if entry.Freshness != model.FreshnessStale || len(entry.Value) != 2 {
		t.Errorf("Expected 2 stale points, got %s %d", entry.Freshness, len(entry.Value))
	}
	if got := f.remote.rangeCalls.Load(); got != 0 {
		t.Errorf("Expected no remote call while offline, got %d", got)
	}
}

func TestSyncService_FetchAndSaveHistorical_RecomputesTrends(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	eur := []float64{1.10, 1.11, 1.12, 1.09, 1.08, 1.12, 1.15}
	f.remote.FetchRangeFunc = func(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
		var days []model.DailyRates
		for i, r := range eur {
			days = append(days, model.DailyRates{Date: day(3, 7+i), Rates: map[model.Currency]float64{model.EUR: r}})
		}
		return model.NewHistoricalSeries(model.USD, days)
	}

	series, err := f.svc.FetchAndSaveHistorical(ctx, day(3, 7), day(3, 13))
	if err != nil {
		t.Fatalf("FetchAndSaveHistorical: %v", err)
	}
	if series.Len() != 7 {
		t.Errorf("Expected 7 stored days, got %d", series.Len())
	}

	trends, _ := f.store.GetTrendRecords(ctx)
	rec, ok := trends[model.EUR]
	if !ok {
		t.Fatal("Expected EUR trend to be recomputed and stored")
	}
	if math.Abs(rec.ChangePercent-4.545454) > 1e-3 || rec.Direction != model.DirectionUp {
		t.Errorf("Expected ~4.545%% up, got %.4f %s", rec.ChangePercent, rec.Direction)
	}
	if _, found := f.cache.GetTrends(ctx); !found {
		t.Error("Expected recomputed trends in the cache")
	}
}

func TestSyncService_FetchAndSaveHistorical_NeverOverwrites(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()
	f.store.PutHistoricalSeries(ctx, weekdaySeries(t, day(3, 4), day(3, 5), func(time.Time) float64 { return 0.5 }))

	if _, err := f.svc.FetchAndSaveHistorical(ctx, day(3, 4), day(3, 8)); err != nil {
		t.Fatal(err)
	}

	stored, _ := f.store.GetHistoricalSeries(ctx, day(3, 4), day(3, 8))
	points := stored.Points(model.EUR)
	if len(points) != 5 {
		t.Fatalf("Expected 5 days, got %d", len(points))
	}
	if points[0].Rate != 0.5 || points[1].Rate != 0.5 {
		t.Errorf("Expected existing days to keep their first value, got %v", points[:2])
	}
	if points[2].Rate != defaultRate(day(3, 6)) {
		t.Errorf("Expected new day to be stored, got %v", points[2].Rate)
	}
}

func TestSyncService_LoadTrends(t *testing.T) {
	t.Run("Fills Window", func(t *testing.T) {
		f := newFixture(t, wednesdayEvening)
		ctx := context.Background()

		entry, err := f.svc.LoadTrends(ctx)
		if err != nil {
			t.Fatalf("LoadTrends: %v", err)
		}
		rec, ok := entry.Value[model.EUR]
		if !ok {
			t.Fatal("Expected an EUR trend")
		}
		if !rec.StartDate.Equal(day(3, 7)) || !rec.EndDate.Equal(day(3, 13)) {
			t.Errorf("Expected window 03-07..03-13, got %s..%s", rec.StartDate, rec.EndDate)
		}
		if rec.Direction != model.DirectionUp {
			t.Errorf("Expected up, got %s", rec.Direction)
		}
		if rec, ok := entry.Value[model.GBP]; !ok || rec.Direction != model.DirectionStable {
			t.Errorf("Expected flat GBP to be stable, got %+v", rec)
		}

		calls := f.remote.rangeCalls.Load()
		if _, err := f.svc.LoadTrends(ctx); err != nil {
			t.Fatal(err)
		}
		if f.remote.rangeCalls.Load() != calls {
			t.Error("Expected the second LoadTrends to be served from cache")
		}
	})

	t.Run("Insufficient Offline", func(t *testing.T) {
		f := newFixture(t, wednesdayEvening)
		f.connectivity.offline.Store(true)

		_, err := f.svc.LoadTrends(context.Background())
		if !errors.Is(err, model.ErrInsufficientData) {
			t.Errorf("Expected ErrInsufficientData, got %v", err)
		}
		if got := testutil.ToFloat64(f.metrics.TrendRecomputesTotal.WithLabelValues("insufficient")); got != 1 {
			t.Errorf("Expected insufficient recompute recorded, got %v", got)
		}
	})

	t.Run("Outdated History", func(t *testing.T) {
		f := newFixture(t, wednesdayEvening)
		ctx := context.Background()
		f.store.PutHistoricalSeries(ctx, weekdaySeries(t, day(2, 19), day(3, 8), defaultRate))

		entry, err := f.svc.LoadTrends(ctx)
		if err != nil {
			t.Fatalf("LoadTrends: %v", err)
		}
		if rec := entry.Value[model.EUR]; !rec.EndDate.Equal(day(3, 13)) {
			t.Errorf("Expected a window ending 2024-03-13, got %s", rec.EndDate)
		}
		if f.remote.rangeCalls.Load() == 0 {
			t.Error("Expected history ending before the latest publication to be topped up")
		}
	})

	t.Run("From Store", func(t *testing.T) {
		f := newFixture(t, wednesdayEvening)
		ctx := context.Background()
		f.store.PutTrendRecords(ctx, model.TrendSet{
			model.EUR: {Currency: model.EUR, Direction: model.DirectionDown, StartDate: day(3, 5), EndDate: day(3, 11)},
		})

		entry, err := f.svc.LoadTrends(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if entry.Value[model.EUR].Direction != model.DirectionDown {
			t.Errorf("Expected stored trend, got %+v", entry.Value)
		}
		if entry.Freshness != model.FreshnessStale {
			t.Errorf("Expected trends ending before the latest publication to be stale, got %s", entry.Freshness)
		}
		if f.remote.rangeCalls.Load() != 0 {
			t.Error("Expected no remote call")
		}
	})
}

func TestSyncService_HistoryCoverage(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	empty, err := f.svc.HistoryCoverage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Earliest != nil || empty.Latest != nil {
		t.Errorf("Expected no coverage on an empty store, got %+v", empty)
	}

	if _, err := f.svc.FetchAndSaveHistorical(ctx, day(3, 4), day(3, 8)); err != nil {
		t.Fatal(err)
	}
	coverage, err := f.svc.HistoryCoverage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if coverage.Earliest == nil || !coverage.Earliest.Equal(day(3, 4)) {
		t.Errorf("Expected earliest 2024-03-04, got %v", coverage.Earliest)
	}
	if coverage.Latest == nil || !coverage.Latest.Equal(day(3, 8)) {
		t.Errorf("Expected latest 2024-03-08, got %v", coverage.Latest)
	}
}

func TestSyncService_ConvertAmount(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()
	snap, _ := model.NewRateSnapshot(model.USD, day(3, 13), map[model.Currency]float64{model.EUR: 0.9, model.GBP: 0.8})
	f.store.PutRateSnapshot(ctx, snap)

	testCases := []struct {
		name     string
		request  model.ConversionRequest
		expected float64
		err      error
	}{
		{"Base To Quote", model.ConversionRequest{FromCurrency: model.USD, ToCurrency: model.EUR, Amount: 100}, 90, nil},
		{"Cross Rate", model.ConversionRequest{FromCurrency: model.EUR, ToCurrency: model.GBP, Amount: 100}, 88.888889, nil},
		{"Quote To Base", model.ConversionRequest{FromCurrency: model.GBP, ToCurrency: model.USD, Amount: 2}, 2.5, nil},
		{"Zero Amount", model.ConversionRequest{FromCurrency: model.USD, ToCurrency: model.EUR, Amount: 0}, 0, ErrInvalidAmount},
		{"Unsupported", model.ConversionRequest{FromCurrency: "XYZ", ToCurrency: model.EUR, Amount: 1}, 0, ErrInvalidCurrency},
		{"Not Quoted", model.ConversionRequest{FromCurrency: model.USD, ToCurrency: model.JPY, Amount: 1}, 0, model.ErrDataUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.svc.ConvertAmount(ctx, tc.request)
			if !errors.Is(err, tc.err) {
				t.Fatalf("Expected error %v, got %v", tc.err, err)
			}
			if tc.err != nil {
				return
			}
			if result.ToAmount != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, result.ToAmount)
			}
			if !result.Date.Equal(day(3, 13)) {
				t.Errorf("Expected rates of 2024-03-13, got %s", result.Date)
			}
		})
	}
}

func TestSyncService_UpdateLastFetchTimestamp(t *testing.T) {
	f := newFixture(t, wednesdayEvening)
	ctx := context.Background()

	if ts, err := f.svc.GetLastFetchTimestamp(ctx); err != nil || ts != nil {
		t.Fatalf("Expected no cursor, got %v, %v", ts, err)
	}
	if err := f.svc.UpdateLastFetchTimestamp(ctx, wednesdayEvening); err != nil {
		t.Fatal(err)
	}
	ts, _ := f.svc.GetLastFetchTimestamp(ctx)
	if ts == nil || !ts.Equal(wednesdayEvening) {
		t.Errorf("Expected %s, got %v", wednesdayEvening, ts)
	}

	// A cursor after today's cutover makes a refresh not due.
	if refreshed, _ := f.svc.RefreshIfDue(ctx); refreshed {
		t.Error("Expected no refresh after an out-of-band cursor update")
	}
}
