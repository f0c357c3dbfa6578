// Package dayrange converts calendar-day ranges into half-open UTC instants.
package dayrange

import (
	"errors"
	"time"
)

var ErrInvalidRange = errors.New("invalid_date_range")

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Inclusive turns the days from..to (both included) into [start, end).
func Inclusive(from, to time.Time) (time.Time, time.Time, error) {
	if from.IsZero() || to.IsZero() {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	start := StartOfDay(from)
	end := StartOfDay(to).AddDate(0, 0, 1)
	if !start.Before(end) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

// Window returns [day-n, day+n] as [start, end). Negative n is treated as 0.
func Window(day time.Time, n int) (time.Time, time.Time) {
	if n < 0 {
		n = 0
	}
	start := StartOfDay(day).AddDate(0, 0, -n)
	end := StartOfDay(day).AddDate(0, 0, n+1)
	return start, end
}

// DaysApart is the absolute number of calendar days between a and b.
func DaysApart(a, b time.Time) int {
	d := int(StartOfDay(a).Sub(StartOfDay(b)).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
