package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

type Mode string

const (
	ModeVideo     Mode = "video"
	ModeHomeVisit Mode = "home-visit"
)

func (m Mode) Valid() bool {
	return m == ModeVideo || m == ModeHomeVisit
}

// Status is the lifecycle position. It is independent of PaymentStatus.
type Status string

const (
	StatusPendingPayment Status = "pending-payment"
	StatusScheduled      Status = "scheduled"
	StatusInProgress     Status = "in-progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// PaymentStatus is recorded as reported by the payment service.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentWaived   PaymentStatus = "waived"
	PaymentRefunded PaymentStatus = "refunded"
)

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentWaived, PaymentRefunded:
		return true
	}
	return false
}

// Settled reports whether the payment lets a pending-payment booking become scheduled.
func (p PaymentStatus) Settled() bool {
	return p == PaymentPaid || p == PaymentWaived
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleSystem  Role = "system"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor || r == RoleSystem
}

// Principal is an already authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// AvailabilityEntry is a doctor's declared slots for one date and mode.
type AvailabilityEntry struct {
	DoctorID  uuid.UUID
	Date      time.Time
	Mode      Mode
	Slots     []calendar.TimeOfDay
	Timezone  string
	UpdatedAt time.Time
}

func (e AvailabilityEntry) IsAvailable() bool {
	return len(e.Slots) > 0
}

type SlotState struct {
	Time calendar.TimeOfDay
	Free bool
}

// AvailabilityView is an entry annotated with which slots can still be held.
type AvailabilityView struct {
	AvailabilityEntry
	States []SlotState
}

// SlotKey identifies one bookable instant on a doctor's calendar.
type SlotKey struct {
	DoctorID uuid.UUID
	Date     time.Time
	Time     calendar.TimeOfDay
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DoctorID, calendar.FormatDate(k.Date), k.Time)
}

// SlotHold is an exclusive, time-boxed reservation held by a booking session.
type SlotHold struct {
	Token     string
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      time.Time
	Time      calendar.TimeOfDay
	Mode      Mode
	Timezone  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (h SlotHold) Active(now time.Time) bool {
	return now.Before(h.ExpiresAt)
}

func (h SlotHold) Slot() SlotKey {
	return SlotKey{DoctorID: h.DoctorID, Date: h.Date, Time: h.Time}
}

type PatientDetails struct {
	Name      string   `json:"name"`
	Age       int      `json:"age,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Problem   string   `json:"problem,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

type ClinicalSummary struct {
	Diagnosis         string    `json:"diagnosis"`
	Notes             string    `json:"notes,omitempty"`
	Prescription      string    `json:"prescription,omitempty"`
	SignedDocument    string    `json:"signed_document,omitempty"`
	FollowUpRequested bool      `json:"follow_up_requested"`
	CompletedAt       time.Time `json:"completed_at"`
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	Date            time.Time
	Time            calendar.TimeOfDay
	Mode            Mode
	Timezone        string
	StartsAt        time.Time
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentMethod   string
	Fee             decimal.Decimal
	PatientDetails  PatientDetails
	Summary         *ClinicalSummary
	CancelReason    string
	CancelledBy     Role
	FollowUpOf      *uuid.UUID
	RescheduledFrom *uuid.UUID
	RescheduledTo   *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Appointment) Slot() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Time: a.Time}
}

func (a *Appointment) IsParticipant(p Principal) bool {
	switch p.Role {
	case RolePatient:
		return a.PatientID == p.UserID
	case RoleDoctor:
		return a.DoctorID == p.UserID
	case RoleSystem:
		return true
	}
	return false
}

// StatusUpdate is applied with compare-and-set on the current status.
type StatusUpdate struct {
	To           Status
	Summary      *ClinicalSummary
	CancelReason string
	CancelledBy  Role
	At           time.Time
}

type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeUpcoming Scope = "upcoming"
	ScopePast     Scope = "past"
)

type AppointmentFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Statuses  []Status
	From      *time.Time // starts_at >= From
	To        *time.Time // starts_at < To
	Limit     int
	Offset    int

	// StartedStatuses pass the From bound even when they started earlier.
	StartedStatuses []Status
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
