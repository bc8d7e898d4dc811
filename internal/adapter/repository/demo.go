package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

// demoAnchors are rough USD-based levels the demo source oscillates around.
var demoAnchors = map[model.Currency]float64{
	model.AUD: 1.52, model.BGN: 1.79, model.BRL: 4.97, model.CAD: 1.35,
	model.CHF: 0.88, model.CNY: 7.19, model.CZK: 23.1, model.DKK: 6.83,
	model.EUR: 0.915, model.GBP: 0.785, model.HKD: 7.82, model.HUF: 361,
	model.IDR: 15600, model.ILS: 3.62, model.INR: 82.9, model.ISK: 137,
	model.JPY: 148.5, model.KRW: 1330, model.MXN: 16.9, model.MYR: 4.7,
	model.NOK: 10.5, model.NZD: 1.63, model.PHP: 55.9, model.PLN: 3.96,
	model.RON: 4.55, model.SEK: 10.3, model.SGD: 1.34, model.THB: 35.8,
	model.TRY: 31.9, model.USD: 1, model.ZAR: 18.9,
}

// Calendar decides which days the demo source publishes.
type Calendar interface {
	LatestPublishedDate(now time.Time) time.Time
	IsPublishingDay(date time.Time) bool
}

// DemoSource generates deterministic rates without touching the network.
// The same date always yields the same table.
type DemoSource struct {
	base     model.Currency
	calendar Calendar
	now      func() time.Time
}

func NewDemoSource(base model.Currency, calendar Calendar, now func() time.Time) *DemoSource {
	if now == nil {
		now = time.Now
	}
	return &DemoSource{base: base, calendar: calendar, now: now}
}

func (d *DemoSource) FetchCurrent(ctx context.Context) (*model.RateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNetwork, err)
	}
	date := d.calendar.LatestPublishedDate(d.now())
	return model.NewRateSnapshot(d.base, date, d.ratesFor(date))
}

func (d *DemoSource) FetchRange(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNetwork, err)
	}

	var days []model.DailyRates
	for _, date := range utils.DateRange(start, end) {
		if !d.calendar.IsPublishingDay(date) {
			continue
		}
		days = append(days, model.DailyRates{Date: date, Rates: d.ratesFor(date)})
	}
	return model.NewHistoricalSeries(d.base, days)
}

func (d *DemoSource) ratesFor(date time.Time) map[model.Currency]float64 {
	baseLevel, ok := demoAnchors[d.base]
	if !ok {
		baseLevel = 1
	}

	dayIndex := float64(date.Unix() / 86400)
	rates := make(map[model.Currency]float64, len(demoAnchors))
	for i, c := range model.SupportedCurrencies {
		level, ok := demoAnchors[c]
		if !ok {
			continue
		}
		if c == d.base {
			rates[c] = 1
			continue
		}
		wobble := 1 + 0.02*math.Sin(dayIndex/9+float64(i))
		rates[c] = round6(level / baseLevel * wobble)
	}
	return rates
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
