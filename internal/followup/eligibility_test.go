package followup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := calendar.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestIsEligible_TenWorkingDayBoundary(t *testing.T) {
	visit := date(t, "2024-01-01") // Monday

	assert.False(t, IsEligible(visit, date(t, "2024-01-12"), 10), "9th working day")
	assert.False(t, IsEligible(visit, date(t, "2024-01-13"), 10), "saturday adds nothing")
	assert.False(t, IsEligible(visit, date(t, "2024-01-14"), 10), "sunday adds nothing")
	assert.True(t, IsEligible(visit, date(t, "2024-01-15"), 10), "10th working day")
	assert.True(t, IsEligible(visit, date(t, "2024-02-15"), 10))
}

func TestWorkingDaysBetween(t *testing.T) {
	cases := []struct {
		from, to string
		want     int
	}{
		{"2024-01-01", "2024-01-01", 0},
		{"2024-01-01", "2024-01-02", 1},
		{"2024-01-05", "2024-01-08", 1}, // Fri -> Mon
		{"2024-01-06", "2024-01-07", 0}, // Sat -> Sun
		{"2024-01-01", "2024-01-12", 9},
		{"2024-01-01", "2024-01-15", 10},
		{"2024-01-03", "2024-01-31", 20},
		{"2024-01-15", "2024-01-01", 0},
	}

	for _, tc := range cases {
		got := WorkingDaysBetween(date(t, tc.from), date(t, tc.to))
		assert.Equal(t, tc.want, got, "%s -> %s", tc.from, tc.to)
	}
}

func TestWorkingDaysBetween_MatchesDayByDayCount(t *testing.T) {
	from := date(t, "2023-12-28")
	for span := 0; span < 60; span++ {
		to := calendar.AddDays(from, span)

		naive := 0
		for d := calendar.AddDays(from, 1); !d.After(to); d = calendar.AddDays(d, 1) {
			if !calendar.IsWeekend(d) {
				naive++
			}
		}
		assert.Equal(t, naive, WorkingDaysBetween(from, to), "span %d", span)
	}
}

func TestEligibleOn(t *testing.T) {
	assert.Equal(t, date(t, "2024-01-15"), EligibleOn(date(t, "2024-01-01"), 10))
	assert.Equal(t, date(t, "2024-01-08"), EligibleOn(date(t, "2024-01-05"), 1))
	assert.Equal(t, date(t, "2024-01-05"), EligibleOn(date(t, "2024-01-05"), 0))
}
