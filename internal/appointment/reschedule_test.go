package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
	"github.com/hackgods/telemedicine-scheduling/internal/config"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

func (f *fixture) reschedule(p Principal, id uuid.UUID, day time.Time, at calendar.TimeOfDay) (*RescheduleResult, error) {
	return f.svc.Reschedule(context.Background(), p, id, RescheduleRequest{Date: day, Time: at})
}

func TestReschedule_MovesAndLinks(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-02", ModeVideo, "10:00")
	f.open(t, "2024-01-03", ModeVideo, "15:00")
	source := f.scheduled(t, "2024-01-02", "10:00")

	res, err := f.reschedule(f.patient, source.ID, date(t, "2024-01-03"), "15:00")
	require.NoError(t, err)

	prev, next := res.Previous, res.Appointment
	assert.Equal(t, StatusCancelled, prev.Status)
	assert.Equal(t, RescheduledReason, prev.CancelReason)
	assert.Equal(t, RolePatient, prev.CancelledBy)
	require.NotNil(t, prev.RescheduledTo)
	assert.Equal(t, next.ID, *prev.RescheduledTo)

	assert.Equal(t, StatusScheduled, next.Status)
	require.NotNil(t, next.RescheduledFrom)
	assert.Equal(t, source.ID, *next.RescheduledFrom)
	assert.Equal(t, source.PatientID, next.PatientID)
	assert.Equal(t, source.PaymentStatus, next.PaymentStatus)
	assert.True(t, source.Fee.Equal(next.Fee))
	assert.Equal(t, time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC), next.StartsAt)

	// The old slot is free again, the new one is taken.
	other := Principal{UserID: uuid.New(), Role: RolePatient}
	_, err = f.hold(t, other, "2024-01-02", "10:00", ModeVideo)
	assert.NoError(t, err)
	_, err = f.hold(t, other, "2024-01-03", "15:00", ModeVideo)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	chain, err := f.svc.AppointmentChain(ctx, f.patient, next.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, source.ID, chain[0].ID)
	assert.Equal(t, next.ID, chain[1].ID)

	assert.Contains(t, f.events.Types(), EventRescheduled)
}

func TestReschedule_ChainFromMiddle(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-02", ModeVideo, "10:00", "11:00", "12:00")
	a := f.scheduled(t, "2024-01-02", "10:00")

	r1, err := f.reschedule(f.doctor, a.ID, date(t, "2024-01-02"), "11:00")
	require.NoError(t, err)
	r2, err := f.reschedule(f.doctor, r1.Appointment.ID, date(t, "2024-01-02"), "12:00")
	require.NoError(t, err)

	chain, err := f.svc.AppointmentChain(ctx, f.doctor, r1.Appointment.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []uuid.UUID{a.ID, r1.Appointment.ID, r2.Appointment.ID},
		[]uuid.UUID{chain[0].ID, chain[1].ID, chain[2].ID})
	assert.Equal(t, RoleDoctor, chain[1].CancelledBy)
}

func TestReschedule_UnavailableTargetLeavesSourceUntouched(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-02", ModeVideo, "10:00")
	f.open(t, "2024-01-03", ModeVideo, "10:00", "11:00", "12:00")
	f.open(t, "2024-01-04", ModeHomeVisit, "10:00")
	source := f.scheduled(t, "2024-01-02", "10:00")

	f.book(t, Principal{UserID: uuid.New(), Role: RolePatient}, "2024-01-03", "10:00", ModeVideo, 0)
	_, err := f.hold(t, Principal{UserID: uuid.New(), Role: RolePatient}, "2024-01-03", "11:00", ModeVideo)
	require.NoError(t, err)

	tests := []struct {
		name string
		day  string
		at   calendar.TimeOfDay
	}{
		{name: "booked", day: "2024-01-03", at: "10:00"},
		{name: "held", day: "2024-01-03", at: "11:00"},
		{name: "undeclared", day: "2024-01-03", at: "13:00"},
		{name: "other mode", day: "2024-01-04", at: "10:00"},
		{name: "own slot", day: "2024-01-02", at: "10:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reschedule(f.patient, source.ID, date(t, tt.day), tt.at)
			assert.ErrorIs(t, err, ErrSlotUnavailable)

			got, err := f.repo.GetAppointmentByID(ctx, source.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusScheduled, got.Status)
			assert.Equal(t, source.Slot(), got.Slot())
			assert.Nil(t, got.RescheduledTo)
		})
	}

	views, err := f.svc.GetAvailability(ctx, f.doctor.UserID, date(t, "2024-01-03"), date(t, "2024-01-03"))
	require.NoError(t, err)
	assert.True(t, views[0].States[2].Free, "no stray hold is left behind")
}

func TestReschedule_Preconditions(t *testing.T) {
	f := newFixture(t, mondayMorning)
	f.open(t, "2024-01-01", ModeVideo, "11:00")
	f.open(t, "2024-01-02", ModeVideo, "10:00", "11:00")
	f.open(t, "2024-01-20", ModeVideo, "10:00")

	unpaid := f.book(t, f.patient, "2024-01-02", "10:00", ModeVideo, 500)
	_, err := f.reschedule(f.patient, unpaid.ID, date(t, "2024-01-02"), "11:00")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	soon := f.scheduled(t, "2024-01-01", "11:00")
	_, err = f.reschedule(f.patient, soon.ID, date(t, "2024-01-02"), "11:00")
	assert.ErrorIs(t, err, ErrLeadTimeTooShort, "inside the patient cancellation window")

	_, err = f.reschedule(f.doctor, soon.ID, date(t, "2024-01-20"), "10:00")
	assert.ErrorIs(t, err, ErrValidation, "beyond the reschedule window")

	_, err = f.reschedule(f.doctor, soon.ID, date(t, "2023-12-31"), "10:00")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.reschedule(Principal{UserID: uuid.New(), Role: RolePatient}, soon.ID, date(t, "2024-01-02"), "11:00")
	assert.ErrorIs(t, err, ErrForbidden)

	res, err := f.reschedule(f.doctor, soon.ID, date(t, "2024-01-02"), "11:00")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, res.Appointment.Status)
}

// brokenReschedule fails the final storage step.
type brokenReschedule struct {
	*MemoryRepository
}

func (brokenReschedule) RescheduleAppointment(context.Context, uuid.UUID, string, Role, time.Time, *Appointment) (*Appointment, *Appointment, error) {
	return nil, nil, errors.New("connection reset")
}

func TestReschedule_StorageFailureReleasesNewHold(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-02", ModeVideo, "10:00", "11:00")
	source := f.scheduled(t, "2024-01-02", "10:00")

	cfg := config.Default()
	broken := NewService(brokenReschedule{f.repo}, redisclient.NewLocalLocker(), f.events, f.clk, cfg, zap.NewNop())

	_, err := broken.Reschedule(ctx, f.patient, source.ID, RescheduleRequest{Date: date(t, "2024-01-02"), Time: "11:00"})
	require.Error(t, err)

	got, err := f.repo.GetAppointmentByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)

	views, err := f.svc.GetAvailability(ctx, f.doctor.UserID, date(t, "2024-01-02"), date(t, "2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, []SlotState{{Time: "10:00", Free: false}, {Time: "11:00", Free: true}}, views[0].States)
}

func TestMemoryRepository_RescheduleWithLapsedHoldChangesNothing(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-02", ModeVideo, "10:00", "11:00")
	source := f.scheduled(t, "2024-01-02", "10:00")

	h, err := f.repo.InsertHold(ctx, SlotHold{
		Token:     "lapsed",
		DoctorID:  f.doctor.UserID,
		PatientID: f.patient.UserID,
		Date:      date(t, "2024-01-02"),
		Time:      "11:00",
		Mode:      ModeVideo,
		CreatedAt: mondayMorning,
		ExpiresAt: mondayMorning.Add(time.Minute),
	}, mondayMorning)
	require.NoError(t, err)

	successor := &Appointment{ID: uuid.New(), PatientID: source.PatientID, DoctorID: source.DoctorID, Status: StatusScheduled}
	_, _, err = f.repo.RescheduleAppointment(ctx, source.ID, h.Token, RolePatient, mondayMorning.Add(time.Hour), successor)
	assert.ErrorIs(t, err, ErrHoldExpired)

	got, err := f.repo.GetAppointmentByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	_, err = f.repo.GetAppointmentByID(ctx, successor.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestSweepExpiredHolds(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-02", ModeVideo, "10:00", "11:00")

	_, err := f.hold(t, f.patient, "2024-01-02", "10:00", ModeVideo)
	require.NoError(t, err)
	f.clk.Advance(10 * time.Minute)
	_, err = f.hold(t, Principal{UserID: uuid.New(), Role: RolePatient}, "2024-01-02", "11:00", ModeVideo)
	require.NoError(t, err)

	f.clk.Advance(15 * time.Minute)
	n, err := f.svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendReminders(t *testing.T) {
	f := newFixture(t, mondayMorning)
	ctx := context.Background()
	f.open(t, "2024-01-01", ModeVideo, "11:00", "12:00")
	f.scheduled(t, "2024-01-01", "11:00")
	f.scheduled(t, "2024-01-01", "12:00")

	// Reminder window is one hour: 09:55-10:05 covers only the 11:00 visit.
	n, err := f.svc.SendReminders(ctx, mondayMorning.Add(115*time.Minute), mondayMorning.Add(125*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, EventAppointmentReminder, f.events.Types()[len(f.events.Types())-1])
}
