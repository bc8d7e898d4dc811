// Package trend derives short-window change statistics from stored history.
package trend

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

const (
	// WindowDays is the length of the trailing trend window.
	WindowDays = 7
	// StableEpsilon is the absolute change, in percent, below which a
	// currency is reported as stable.
	StableEpsilon = 0.01

	// lookbackDays bounds the history read when checking coverage.
	lookbackDays = 3 * WindowDays
)

type SeriesReader interface {
	GetHistoricalSeries(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error)
}

type Calendar interface {
	Today(now time.Time) time.Time
	LatestPublishedDate(now time.Time) time.Time
	IsPublishingDay(date time.Time) bool
}

// Engine only reads history; persisting its results is the caller's job.
type Engine struct {
	store    SeriesReader
	calendar Calendar
	now      func() time.Time
}

func NewEngine(store SeriesReader, calendar Calendar, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, calendar: calendar, now: now}
}

// Window returns the trailing window [today-6, today] used for computation.
func (e *Engine) Window() (start, end time.Time) {
	today := e.calendar.Today(e.now())
	return today.AddDate(0, 0, -(WindowDays - 1)), today
}

// HasSufficientData reports whether stored history covers WindowDays
// consecutive calendar days ending no earlier than the latest publication.
// Non-publishing days count as covered because the source never has them.
func (e *Engine) HasSufficientData(ctx context.Context) (bool, error) {
	now := e.now()
	today := e.calendar.Today(now)

	series, err := e.store.GetHistoricalSeries(ctx, today.AddDate(0, 0, -lookbackDays), today)
	if err != nil {
		return false, err
	}
	return Sufficient(series, e.calendar.LatestPublishedDate(now), e.calendar.IsPublishingDay), nil
}

// AffectsTrendWindow reports whether [start, end] intersects [today-7, today].
func (e *Engine) AffectsTrendWindow(start, end time.Time) bool {
	today := e.calendar.Today(e.now())
	windowStart := today.AddDate(0, 0, -WindowDays)
	return !utils.NormalizeDate(end).Before(windowStart) && !utils.NormalizeDate(start).After(today)
}

// RecomputeTrends derives a fresh TrendSet from the stored trailing window.
// It returns model.ErrInsufficientData when coverage is too short.
func (e *Engine) RecomputeTrends(ctx context.Context) (model.TrendSet, error) {
	ok, err := e.HasSufficientData(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: need %d consecutive days of history", model.ErrInsufficientData, WindowDays)
	}

	start, end := e.Window()
	series, err := e.store.GetHistoricalSeries(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return Compute(series), nil
}

// Sufficient walks back from the newest stored day counting covered days.
func Sufficient(series *model.HistoricalSeries, anchor time.Time, isPublishingDay func(time.Time) bool) bool {
	last, ok := series.Last()
	if !ok || last.Before(utils.NormalizeDate(anchor)) {
		return false
	}

	covered := 0
	for d := last; covered < WindowDays; d = d.AddDate(0, 0, -1) {
		if !series.Has(d) && isPublishingDay(d) {
			break
		}
		covered++
	}
	return covered >= WindowDays
}

// Compute returns, for every currency quoted in series, the percentage change
// from its earliest to its latest rate.
func Compute(series *model.HistoricalSeries) model.TrendSet {
	seen := make(map[model.Currency]struct{})
	for _, d := range series.Days() {
		for c := range d.Rates {
			seen[c] = struct{}{}
		}
	}

	out := make(model.TrendSet, len(seen))
	for c := range seen {
		points := series.Points(c)
		if len(points) == 0 {
			continue
		}
		first, last := points[0], points[len(points)-1]
		change := (last.Rate - first.Rate) / first.Rate * 100

		out[c] = model.TrendRecord{
			Currency:      c,
			ChangePercent: change,
			Direction:     direction(change),
			StartDate:     first.Date,
			EndDate:       last.Date,
			StartRate:     first.Rate,
			EndRate:       last.Rate,
		}
	}
	return out
}

func direction(change float64) model.Direction {
	switch {
	case math.Abs(change) < StableEpsilon:
		return model.DirectionStable
	case change > 0:
		return model.DirectionUp
	default:
		return model.DirectionDown
	}
}
