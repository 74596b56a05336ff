package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotUnavailable     = errors.New("slot is not available")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrHoldExpired         = errors.New("hold has expired")
	ErrConcurrentUpdate    = errors.New("appointment was modified concurrently")
)

// Repository is the storage contract. Every method is a single atomic unit
// against the backing store; the no-double-booking guarantee lives here.
type Repository interface {
	// ReplaceAvailability swaps the slot set of every given (date, mode) pair.
	// Entries with no slots delete the pair.
	ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, entries []AvailabilityEntry) error
	ListAvailability(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilityEntry, error)
	// ListOccupiedSlots returns slots with an active hold or a live appointment.
	ListOccupiedSlots(ctx context.Context, doctorID uuid.UUID, from, to, now time.Time) ([]SlotKey, error)

	// InsertHold creates the hold iff the slot is declared available for the
	// hold's mode and no active hold or live appointment occupies it. An
	// earlier hold by the same patient under the same token is released in
	// the same step; a live hold by another patient under that token makes
	// the call fail with ErrSlotUnavailable.
	InsertHold(ctx context.Context, h SlotHold, now time.Time) (*SlotHold, error)
	GetHold(ctx context.Context, token string) (*SlotHold, error)
	// DeleteHold removes the hold only when patientID owns it.
	DeleteHold(ctx context.Context, token string, patientID uuid.UUID) (bool, error)
	// PromoteHold turns an active hold into appt. appt's slot fields must
	// match the hold.
	PromoteHold(ctx context.Context, token string, now time.Time, appt *Appointment) (*Appointment, error)
	DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	// UpdateAppointmentStatus applies upd only if the status is still from.
	// Cancelling frees the slot in the same step.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from Status, to Status, payment PaymentStatus, now time.Time) (*Appointment, error)
	HasLiveFollowUp(ctx context.Context, sourceID uuid.UUID) (bool, error)
	// RescheduleAppointment promotes the hold into successor and cancels the
	// scheduled source as one unit, linking both records.
	RescheduleAppointment(ctx context.Context, sourceID uuid.UUID, holdToken string, by Role, now time.Time, successor *Appointment) (*Appointment, *Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
