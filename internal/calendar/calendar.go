// Package calendar holds the date and wall-clock helpers shared by the
// scheduling engine. A calendar date is always a time.Time at midnight UTC,
// which is also what pgx returns for DATE columns.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

var ErrInvalidTimeOfDay = errors.New("time of day must be HH:MM (24h)")

// DateOf returns the calendar day of t as seen in t's own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	return DateOf(now.In(loc))
}

func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

func AddDays(d time.Time, n int) time.Time {
	return DateOf(d).AddDate(0, 0, n)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

func IsWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// LoadLocation resolves an IANA zone name, treating "" as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// TimeOfDay is a wall-clock time such as "14:00" in the doctor's zone.
type TimeOfDay string

// ParseTimeOfDay accepts H:MM or HH:MM and normalizes to HH:MM.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[1]) != 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay(fmt.Sprintf("%02d:%02d", h, m)), nil
}

func (t TimeOfDay) Valid() bool {
	n, err := ParseTimeOfDay(string(t))
	return err == nil && n == t
}

func (t TimeOfDay) String() string { return string(t) }

// Clock returns hour and minute. t must be valid.
func (t TimeOfDay) Clock() (hour, minute int) {
	s := string(t)
	hour, _ = strconv.Atoi(s[:2])
	minute, _ = strconv.Atoi(s[3:])
	return hour, minute
}

// At returns the instant date+tod happens in loc.
func At(date time.Time, tod TimeOfDay, loc *time.Location) time.Time {
	h, m := tod.Clock()
	y, mo, d := date.Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc)
}
