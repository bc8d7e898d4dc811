package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

// RateSnapshot is one day's rate table relative to a base currency.
// It is immutable once constructed; accessors return copies.
type RateSnapshot struct {
	base  Currency
	date  time.Time
	rates map[Currency]float64
}

// NewRateSnapshot validates and copies rates. The base currency, when present
// in rates, must map to exactly 1.0.
func NewRateSnapshot(base Currency, date time.Time, rates map[Currency]float64) (*RateSnapshot, error) {
	if !base.IsWellFormed() {
		return nil, fmt.Errorf("%w: base currency %q is not 3 letters", ErrValidation, base)
	}
	if date.IsZero() {
		return nil, fmt.Errorf("%w: snapshot date is missing", ErrValidation)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("%w: snapshot for %s has no rates", ErrValidation, utils.FormatDate(date))
	}
	if err := validateRates(rates); err != nil {
		return nil, err
	}
	if r, ok := rates[base]; ok && r != 1.0 {
		return nil, fmt.Errorf("%w: base currency %s maps to %v, want 1", ErrValidation, base, r)
	}

	return &RateSnapshot{
		base:  base,
		date:  utils.NormalizeDate(date),
		rates: copyRates(rates),
	}, nil
}

func (s *RateSnapshot) Base() Currency  { return s.base }
func (s *RateSnapshot) Date() time.Time { return s.date }

func (s *RateSnapshot) Rates() map[Currency]float64 {
	return copyRates(s.rates)
}

func (s *RateSnapshot) Rate(c Currency) (float64, bool) {
	if c == s.base {
		return 1.0, true
	}
	r, ok := s.rates[c]
	return r, ok
}

// CrossRate returns how many units of to one unit of from buys, going
// through the base currency when neither side is the base.
func (s *RateSnapshot) CrossRate(from, to Currency) (float64, bool) {
	fromRate, ok := s.Rate(from)
	if !ok {
		return 0, false
	}
	toRate, ok := s.Rate(to)
	if !ok {
		return 0, false
	}
	return toRate / fromRate, true
}

// Currencies lists the quoted currencies in sorted order.
func (s *RateSnapshot) Currencies() []Currency {
	out := make([]Currency, 0, len(s.rates))
	for c := range s.rates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *RateSnapshot) Equal(o *RateSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.base != o.base || !s.date.Equal(o.date) || len(s.rates) != len(o.rates) {
		return false
	}
	for c, r := range s.rates {
		if or, ok := o.rates[c]; !ok || or != r {
			return false
		}
	}
	return true
}

type snapshotJSON struct {
	Base  Currency             `json:"base"`
	Date  string               `json:"date"`
	Rates map[Currency]float64 `json:"rates"`
}

func (s *RateSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{Base: s.base, Date: utils.FormatDate(s.date), Rates: s.rates})
}

// DailyRates is one day of a historical series.
type DailyRates struct {
	Date  time.Time
	Rates map[Currency]float64
}

// HistoricalSeries holds at most one entry per calendar day, ordered by date.
type HistoricalSeries struct {
	base Currency
	days []DailyRates
}

// NewHistoricalSeries copies, sorts and validates days. Duplicate dates,
// unsupported currencies and non-positive rates are rejected.
func NewHistoricalSeries(base Currency, days []DailyRates) (*HistoricalSeries, error) {
	if !base.IsWellFormed() {
		return nil, fmt.Errorf("%w: base currency %q is not 3 letters", ErrValidation, base)
	}

	out := make([]DailyRates, 0, len(days))
	for _, d := range days {
		if d.Date.IsZero() {
			return nil, fmt.Errorf("%w: series entry without a date", ErrValidation)
		}
		if err := validateRates(d.Rates); err != nil {
			return nil, fmt.Errorf("%s: %w", utils.FormatDate(d.Date), err)
		}
		for c := range d.Rates {
			if !c.IsSupported() {
				return nil, fmt.Errorf("%w: %s: unsupported currency %s", ErrValidation, utils.FormatDate(d.Date), c)
			}
		}
		out = append(out, DailyRates{Date: utils.NormalizeDate(d.Date), Rates: copyRates(d.Rates)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	for i := 1; i < len(out); i++ {
		if out[i].Date.Equal(out[i-1].Date) {
			return nil, fmt.Errorf("%w: duplicate date %s", ErrValidation, utils.FormatDate(out[i].Date))
		}
	}

	return &HistoricalSeries{base: base, days: out}, nil
}

// EmptySeries returns a series with no days.
func EmptySeries(base Currency) *HistoricalSeries {
	return &HistoricalSeries{base: base}
}

func (h *HistoricalSeries) Base() Currency { return h.base }
func (h *HistoricalSeries) Len() int       { return len(h.days) }

// Days returns a deep copy of the entries in date order.
func (h *HistoricalSeries) Days() []DailyRates {
	out := make([]DailyRates, len(h.days))
	for i, d := range h.days {
		out[i] = DailyRates{Date: d.Date, Rates: copyRates(d.Rates)}
	}
	return out
}

func (h *HistoricalSeries) Dates() []time.Time {
	out := make([]time.Time, len(h.days))
	for i, d := range h.days {
		out[i] = d.Date
	}
	return out
}

func (h *HistoricalSeries) Has(date time.Time) bool {
	_, ok := h.index(utils.NormalizeDate(date))
	return ok
}

// First and Last return the earliest and latest dates held.
func (h *HistoricalSeries) First() (time.Time, bool) {
	if len(h.days) == 0 {
		return time.Time{}, false
	}
	return h.days[0].Date, true
}

func (h *HistoricalSeries) Last() (time.Time, bool) {
	if len(h.days) == 0 {
		return time.Time{}, false
	}
	return h.days[len(h.days)-1].Date, true
}

// Between returns the sub-series with dates in [start, end].
func (h *HistoricalSeries) Between(start, end time.Time) *HistoricalSeries {
	start, end = utils.NormalizeDate(start), utils.NormalizeDate(end)
	lo := sort.Search(len(h.days), func(i int) bool { return !h.days[i].Date.Before(start) })
	hi := sort.Search(len(h.days), func(i int) bool { return h.days[i].Date.After(end) })
	if lo >= hi {
		return EmptySeries(h.base)
	}
	days := make([]DailyRates, hi-lo)
	copy(days, h.days[lo:hi])
	return &HistoricalSeries{base: h.base, days: days}
}

// Points extracts the per-day rate of one currency, in date order. Days that
// do not quote the currency are skipped.
func (h *HistoricalSeries) Points(c Currency) []RatePoint {
	points := make([]RatePoint, 0, len(h.days))
	for _, d := range h.days {
		if c == h.base {
			points = append(points, RatePoint{Date: d.Date, Rate: 1.0})
			continue
		}
		if r, ok := d.Rates[c]; ok {
			points = append(points, RatePoint{Date: d.Date, Rate: r})
		}
	}
	return points
}

// Merge returns the union of h and other plus the days only other had.
// Days already in h are kept as they are.
func (h *HistoricalSeries) Merge(other *HistoricalSeries) (merged, added *HistoricalSeries, err error) {
	if other == nil || other.Len() == 0 {
		return h, EmptySeries(h.base), nil
	}
	if h.Len() > 0 && other.base != h.base {
		return nil, nil, fmt.Errorf("%w: cannot merge %s series into %s series", ErrValidation, other.base, h.base)
	}

	base := h.base
	if h.Len() == 0 {
		base = other.base
	}

	var fresh []DailyRates
	for _, d := range other.days {
		if _, ok := h.index(d.Date); !ok {
			fresh = append(fresh, d)
		}
	}

	all := make([]DailyRates, 0, len(h.days)+len(fresh))
	all = append(all, h.days...)
	all = append(all, fresh...)
	sort.Slice(all, func(i, j int) bool { return all[i].Date.Before(all[j].Date) })

	return &HistoricalSeries{base: base, days: all}, &HistoricalSeries{base: base, days: fresh}, nil
}

func (h *HistoricalSeries) index(date time.Time) (int, bool) {
	i := sort.Search(len(h.days), func(i int) bool { return !h.days[i].Date.Before(date) })
	if i < len(h.days) && h.days[i].Date.Equal(date) {
		return i, true
	}
	return i, false
}

func (h *HistoricalSeries) MarshalJSON() ([]byte, error) {
	rates := make(map[string]map[Currency]float64, len(h.days))
	for _, d := range h.days {
		rates[utils.FormatDate(d.Date)] = d.Rates
	}
	return json.Marshal(struct {
		Base  Currency                        `json:"base"`
		Rates map[string]map[Currency]float64 `json:"rates"`
	}{Base: h.base, Rates: rates})
}

// RatePoint is a single currency's rate on one day.
type RatePoint struct {
	Date time.Time
	Rate float64
}

func (p RatePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date string  `json:"date"`
		Rate float64 `json:"rate"`
	}{Date: utils.FormatDate(p.Date), Rate: p.Rate})
}

// HistoryCoverage bounds the stored history. Both ends are nil when no day
// is stored.
type HistoryCoverage struct {
	Earliest *time.Time
	Latest   *time.Time
}

type ConversionRequest struct {
	FromCurrency Currency `json:"from_currency"`
	ToCurrency   Currency `json:"to_currency"`
	Amount       float64  `json:"amount"`
}

type ConversionResult struct {
	FromCurrency Currency  `json:"from_currency"`
	ToCurrency   Currency  `json:"to_currency"`
	FromAmount   float64   `json:"from_amount"`
	ToAmount     float64   `json:"to_amount"`
	Rate         float64   `json:"rate"`
	Date         time.Time `json:"date"`
}

func validateRates(rates map[Currency]float64) error {
	for c, r := range rates {
		if !c.IsWellFormed() {
			return fmt.Errorf("%w: currency code %q is not 3 letters", ErrValidation, c)
		}
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: rate for %s must be positive and finite, got %v", ErrValidation, c, r)
		}
	}
	return nil
}

func copyRates(in map[Currency]float64) map[Currency]float64 {
	out := make(map[Currency]float64, len(in))
	for c, r := range in {
		out[c] = r
	}
	return out
}
