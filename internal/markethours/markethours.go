// Package markethours gates trading activity to the configured session window.
package markethours

import (
	"fmt"
	"time"
)

// Calendar describes one market's trading session.
type Calendar struct {
	Location *time.Location
	Open     MinuteOfDay
	Close    MinuteOfDay
	Holidays map[string]bool // "2006-01-02" keys in market time
}

// MinuteOfDay is a wall-clock time within a session day.
type MinuteOfDay struct {
	Hour   int
	Minute int
}

func (m MinuteOfDay) minutes() int { return m.Hour*60 + m.Minute }

// ParseMinute parses "15:04" into a MinuteOfDay.
func ParseMinute(s string) (MinuteOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return MinuteOfDay{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return MinuteOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// New builds a calendar. tz is an IANA zone name, open/close are "15:04".
func New(tz, open, close string, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	o, err := ParseMinute(open)
	if err != nil {
		return nil, err
	}
	c, err := ParseMinute(close)
	if err != nil {
		return nil, err
	}
	if c.minutes() <= o.minutes() {
		return nil, fmt.Errorf("close %s must be after open %s", close, open)
	}
	hset := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hset[h] = true
	}
	return &Calendar{Location: loc, Open: o, Close: c, Holidays: hset}, nil
}

// IsOpen reports whether t falls inside the trading window on a trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.Location)
	if !c.IsTradingDay(local) {
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	return hm >= c.Open.minutes() && hm < c.Close.minutes()
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.Location)
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.Holidays[local.Format("2006-01-02")]
}

// NextOpen returns the next session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.Location)
	todayOpen := time.Date(local.Year(), local.Month(), local.Day(), c.Open.Hour, c.Open.Minute, 0, 0, c.Location)
	if local.Before(todayOpen) && c.IsTradingDay(local) {
		return todayOpen
	}
	d := local.AddDate(0, 0, 1)
	for i := 0; i < 30; i++ {
		if c.IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), c.Open.Hour, c.Open.Minute, 0, 0, c.Location)
		}
		d = d.AddDate(0, 0, 1)
	}
	return todayOpen.AddDate(0, 0, 1)
}

// SessionEnd returns today's close time relative to t, in market time.
func (c *Calendar) SessionEnd(t time.Time) time.Time {
	local := t.In(c.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), c.Close.Hour, c.Close.Minute, 0, 0, c.Location)
}

// AuthCutoff returns today's hour before which sessions are considered stale.
func AuthCutoff(t time.Time, loc *time.Location, hour int) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
}
