// Package markethours answers whether the regular equity session is open.
package markethours

import (
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/models"
)

// Calendar is a weekday session with a fixed open/close and a holiday list.
type Calendar struct {
	loc      *time.Location
	open     time.Duration
	close    time.Duration
	holidays map[string]bool
}

// New builds a Calendar from config. Open and close are "HH:MM" in the configured zone.
func New(cfg config.MarketHoursConfig) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	open, err := parseClock(cfg.Open, "09:30")
	if err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}
	closeAt, err := parseClock(cfg.Close, "16:00")
	if err != nil {
		return nil, fmt.Errorf("invalid close time: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("close %s must be after open %s", cfg.Close, cfg.Open)
	}
	c := &Calendar{loc: loc, open: open, close: closeAt, holidays: make(map[string]bool)}
	for _, h := range cfg.Holidays {
		h = strings.TrimSpace(h)
		if _, err := time.Parse(models.DateLayout, h); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		c.holidays[h] = true
	}
	return c, nil
}

func parseClock(s, fallback string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		s = fallback
	}
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location is the market timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether the calendar date of t is a weekday that is not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[local.Format(models.DateLayout)]
}

// IsOpen reports whether t falls in [open, close) on a trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	since := local.Sub(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc))
	return since >= c.open && since < c.close
}

// SessionClose returns the close instant on the calendar date of t.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc).Add(c.close)
}

// SessionOpen returns the open instant on the calendar date of t.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc).Add(c.open)
}

// Date renders t as a market-local calendar date.
func (c *Calendar) Date(t time.Time) string {
	return models.MarketDate(t, c.loc)
}
