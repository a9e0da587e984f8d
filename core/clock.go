package core

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOCK - Exchange-timezone time and the trading calendar
// ═══════════════════════════════════════════════════════════════════════════════

// NSE cash session boundaries.
const (
	sessionOpenHour  = 9
	sessionOpenMin   = 15
	sessionCloseHour = 15
	sessionCloseMin  = 30
)

// Clock provides wall time in the exchange timezone plus the trading-day
// predicate and the square-off deadline.
type Clock struct {
	loc           *time.Location
	squareOffHour int
	squareOffMin  int
}

// NewClock builds a clock for the given IANA timezone and a square-off time
// in "HH:MM" form. Defaults: Asia/Kolkata, 15:10.
func NewClock(tz, squareOff string) (*Clock, error) {
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	if squareOff == "" {
		squareOff = "15:10"
	}
	var h, m int
	if _, err := fmt.Sscanf(squareOff, "%d:%d", &h, &m); err != nil {
		return nil, fmt.Errorf("parse square-off time %q: %w", squareOff, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return nil, fmt.Errorf("square-off time %q out of range", squareOff)
	}

	return &Clock{loc: loc, squareOffHour: h, squareOffMin: m}, nil
}

// Now returns the current wall time in the exchange timezone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are
// handled upstream by the operator not starting the engine.
func (c *Clock) IsTradingDay(t time.Time) bool {
	switch t.In(c.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// WithinSession reports whether t is inside the regular cash session.
func (c *Clock) WithinSession(t time.Time) bool {
	t = t.In(c.loc)
	if !c.IsTradingDay(t) {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), sessionOpenHour, sessionOpenMin, 0, 0, c.loc)
	close := time.Date(t.Year(), t.Month(), t.Day(), sessionCloseHour, sessionCloseMin, 0, 0, c.loc)
	return !t.Before(open) && t.Before(close)
}

// PastSquareOff reports whether t has reached the square-off deadline.
func (c *Clock) PastSquareOff(t time.Time) bool {
	t = t.In(c.loc)
	deadline := time.Date(t.Year(), t.Month(), t.Day(), c.squareOffHour, c.squareOffMin, 0, 0, c.loc)
	return !t.Before(deadline)
}

// FloorMinute truncates t to its minute in the exchange timezone.
func (c *Clock) FloorMinute(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, c.loc)
}
