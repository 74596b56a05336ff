// Package followup decides when a patient may book a follow-up visit with
// the same doctor. Only Monday to Friday count; there is no holiday calendar.
package followup

import (
	"time"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

const DefaultRequiredWorkingDays = 10

// WorkingDaysBetween counts weekdays d with from < d <= to. Both arguments
// must already be calendar dates in the same reference zone.
func WorkingDaysBetween(from, to time.Time) int {
	days := calendar.DaysBetween(from, to)
	if days <= 0 {
		return 0
	}

	weeks := days / 7
	count := weeks * 5

	start := calendar.AddDays(from, weeks*7)
	for i := 1; i <= days%7; i++ {
		if !calendar.IsWeekend(calendar.AddDays(start, i)) {
			count++
		}
	}
	return count
}

// IsEligible reports whether enough working days have passed since the
// original visit.
func IsEligible(originalVisitDate, today time.Time, requiredWorkingDays int) bool {
	return WorkingDaysBetween(originalVisitDate, today) >= requiredWorkingDays
}

// EligibleOn returns the first date on which IsEligible becomes true.
func EligibleOn(originalVisitDate time.Time, requiredWorkingDays int) time.Time {
	d := calendar.DateOf(originalVisitDate)
	for n := 0; n < requiredWorkingDays; {
		d = calendar.AddDays(d, 1)
		if !calendar.IsWeekend(d) {
			n++
		}
	}
	return d
}
