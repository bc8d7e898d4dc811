// Package clock decides when the remote rate source has published something
// newer than what was last fetched.
package clock

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // publication zone must resolve on hosts without zoneinfo

	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

// Config describes the publication schedule. Times are read in Timezone, the
// source's publication zone, never the host's local zone.
type Config struct {
	Timezone          string
	CutoverHour       int
	CutoverMinute     int
	PreWeekendDay     time.Weekday
	NonPublishingDays []time.Weekday
}

// DefaultConfig matches the ECB reference rates served by Frankfurter:
// published on weekdays, live by 16:00 CET.
func DefaultConfig() Config {
	return Config{
		Timezone:          "Europe/Berlin",
		CutoverHour:       16,
		CutoverMinute:     0,
		PreWeekendDay:     time.Friday,
		NonPublishingDays: []time.Weekday{time.Saturday, time.Sunday},
	}
}

// Policy is safe for concurrent use. A zero Policy always asks for a fetch.
type Policy struct {
	loc           *time.Location
	cutoverHour   int
	cutoverMinute int
	preWeekend    time.Weekday
	closed        map[time.Weekday]bool
}

func NewPolicy(cfg Config) (*Policy, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load publication timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.CutoverHour < 0 || cfg.CutoverHour > 23 || cfg.CutoverMinute < 0 || cfg.CutoverMinute > 59 {
		return nil, fmt.Errorf("invalid cutover %02d:%02d", cfg.CutoverHour, cfg.CutoverMinute)
	}

	closed := make(map[time.Weekday]bool, len(cfg.NonPublishingDays))
	for _, wd := range cfg.NonPublishingDays {
		closed[wd] = true
	}
	if closed[cfg.PreWeekendDay] {
		return nil, fmt.Errorf("pre-weekend day %s cannot be a non-publishing day", cfg.PreWeekendDay)
	}

	return &Policy{
		loc:           loc,
		cutoverHour:   cfg.CutoverHour,
		cutoverMinute: cfg.CutoverMinute,
		preWeekend:    cfg.PreWeekendDay,
		closed:        closed,
	}, nil
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || s == name[:3] {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func (p *Policy) Location() *time.Location {
	if p == nil || p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// ShouldFetch reports whether the source may have published newer data than
// the fetch at lastFetch. It never fails: whenever the schedule cannot be
// evaluated it answers true.
func (p *Policy) ShouldFetch(lastFetch *time.Time, now time.Time) bool {
	if lastFetch == nil {
		return true
	}
	if p == nil || p.loc == nil {
		return true
	}

	last := lastFetch.In(p.loc)
	cur := now.In(p.loc)

	lastCutover, ok := p.cutover(last)
	if !ok {
		return true
	}
	nowCutover, ok := p.cutover(cur)
	if !ok {
		return true
	}

	if sameDay(last, cur) {
		return last.Before(nowCutover) && !cur.Before(nowCutover)
	}

	// The pre-weekend publication stays the latest one until the next
	// publishing day of the following week.
	if last.Weekday() == p.preWeekend &&
		!last.Before(lastCutover) &&
		cur.After(last) &&
		p.closed[cur.Weekday()] &&
		sameWeek(last, cur) {
		return false
	}

	return true
}

// Today returns now's calendar day in the publication zone.
func (p *Policy) Today(now time.Time) time.Time {
	return utils.NormalizeDate(now.In(p.Location()))
}

func (p *Policy) IsPublishingDay(date time.Time) bool {
	if p == nil {
		return true
	}
	return !p.closed[date.Weekday()]
}

// LatestPublishedDate walks back from today to the most recent publishing day
// whose cutover has passed.
func (p *Policy) LatestPublishedDate(now time.Time) time.Time {
	today := p.Today(now)
	if p == nil || p.loc == nil {
		return today
	}

	d := today
	if cut, ok := p.cutover(now.In(p.loc)); !ok || now.Before(cut) || !p.IsPublishingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	for i := 0; i < 7 && !p.IsPublishingDay(d); i++ {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// cutover returns the publication instant on t's calendar day in the
// publication zone.
func (p *Policy) cutover(t time.Time) (time.Time, bool) {
	y, m, d := t.Date()
	c := time.Date(y, m, d, p.cutoverHour, p.cutoverMinute, 0, 0, p.loc)
	if cy, cm, cd := c.Date(); cy != y || cm != m || cd != d {
		return time.Time{}, false
	}
	return c, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}
