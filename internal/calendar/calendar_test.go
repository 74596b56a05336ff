package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "14:00", want: "14:00"},
		{in: "9:30", want: "09:30"},
		{in: " 00:05 ", want: "00:05"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12:5", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidTimeOfDay, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestTimeOfDay_Valid(t *testing.T) {
	assert.True(t, TimeOfDay("08:15").Valid())
	assert.False(t, TimeOfDay("8:15").Valid())
	assert.False(t, TimeOfDay("25:00").Valid())
}

func TestAt_UsesDoctorZone(t *testing.T) {
	kolkata, err := LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	date, err := ParseDate("2024-03-05")
	require.NoError(t, err)

	start := At(date, "14:00", kolkata)
	assert.Equal(t, time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC), start.UTC())
}

func TestToday_NormalizesToZone(t *testing.T) {
	now := time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)
	tokyo, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01", FormatDate(Today(now, time.UTC)))
	assert.Equal(t, "2024-01-02", FormatDate(Today(now, tokyo)))
}

func TestDaysBetween(t *testing.T) {
	a, _ := ParseDate("2024-02-27")
	b, _ := ParseDate("2024-03-02")
	assert.Equal(t, 4, DaysBetween(a, b))
	assert.Equal(t, -4, DaysBetween(b, a))
	assert.Equal(t, b, AddDays(a, 4))
}
