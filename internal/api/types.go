package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

type DaySlotsRequest struct {
	Date     string   `json:"date" validate:"required,date"`
	Mode     string   `json:"mode" validate:"required,mode"`
	Slots    []string `json:"slots" validate:"dive,hhmm"`
	Timezone string   `json:"timezone,omitempty"`
}

type SetAvailabilityRequest struct {
	Days []DaySlotsRequest `json:"days" validate:"required,min=1,dive"`
}

type SlotStateResponse struct {
	Time string `json:"time"`
	Free bool   `json:"free"`
}

type AvailabilityResponse struct {
	DoctorID  uuid.UUID           `json:"doctor_id"`
	Date      string              `json:"date"`
	Mode      string              `json:"mode"`
	Timezone  string              `json:"timezone"`
	Available bool                `json:"is_available"`
	Slots     []SlotStateResponse `json:"slots"`
}

type HoldRequest struct {
	DoctorID   uuid.UUID `json:"doctor_id" validate:"required"`
	Date       string    `json:"date" validate:"required,date"`
	Time       string    `json:"time" validate:"required,hhmm"`
	Mode       string    `json:"mode" validate:"required,mode"`
	HoldToken  string    `json:"hold_token,omitempty" validate:"omitempty,max=128"`
	TTLSeconds int       `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

type HoldResponse struct {
	HoldToken string    `json:"hold_token"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Mode      string    `json:"mode"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PatientDetailsRequest struct {
	Name      string   `json:"name" validate:"required,max=200"`
	Age       int      `json:"age,omitempty" validate:"gte=0,lte=150"`
	Gender    string   `json:"gender,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Problem   string   `json:"problem,omitempty" validate:"max=2000"`
	Documents []string `json:"documents,omitempty" validate:"dive,url"`
}

type BookRequest struct {
	HoldToken      string                `json:"hold_token" validate:"required"`
	PatientDetails PatientDetailsRequest `json:"patient_details"`
	PaymentMethod  string                `json:"payment_method,omitempty"`
	Fee            decimal.Decimal       `json:"fee"`
	FollowUpOf     *uuid.UUID            `json:"follow_up_of,omitempty"`
}

type ClinicalSummaryRequest struct {
	Diagnosis         string `json:"diagnosis"`
	Notes             string `json:"notes,omitempty"`
	Prescription      string `json:"prescription,omitempty"`
	SignedDocument    string `json:"signed_document,omitempty" validate:"omitempty,url"`
	FollowUpRequested bool   `json:"follow_up_requested"`
}

type StatusRequest struct {
	Status  string                  `json:"status" validate:"required"`
	Reason  string                  `json:"reason,omitempty" validate:"max=500"`
	Summary *ClinicalSummaryRequest `json:"summary,omitempty"`
}

type PaymentRequest struct {
	PaymentStatus string `json:"payment_status" validate:"required"`
}

type RescheduleRequest struct {
	Date string `json:"date" validate:"required,date"`
	Time string `json:"time" validate:"required,hhmm"`
}

type AppointmentResponse struct {
	ID              uuid.UUID                    `json:"id"`
	PatientID       uuid.UUID                    `json:"patient_id"`
	DoctorID        uuid.UUID                    `json:"doctor_id"`
	Date            string                       `json:"date"`
	Time            string                       `json:"time"`
	Mode            string                       `json:"mode"`
	Timezone        string                       `json:"timezone"`
	StartsAt        time.Time                    `json:"starts_at"`
	Status          string                       `json:"status"`
	PaymentStatus   string                       `json:"payment_status"`
	PaymentMethod   string                       `json:"payment_method,omitempty"`
	Fee             decimal.Decimal              `json:"fee"`
	PatientDetails  appointment.PatientDetails   `json:"patient_details"`
	Summary         *appointment.ClinicalSummary `json:"clinical_summary,omitempty"`
	CancelReason    string                       `json:"cancel_reason,omitempty"`
	CancelledBy     string                       `json:"cancelled_by,omitempty"`
	FollowUpOf      *uuid.UUID                   `json:"follow_up_of,omitempty"`
	RescheduledFrom *uuid.UUID                   `json:"rescheduled_from,omitempty"`
	RescheduledTo   *uuid.UUID                   `json:"rescheduled_to,omitempty"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

type RescheduleResponse struct {
	Previous    AppointmentResponse `json:"previous"`
	Appointment AppointmentResponse `json:"appointment"`
}

type EligibilityResponse struct {
	Eligible            bool   `json:"eligible"`
	Reason              string `json:"reason,omitempty"`
	WorkingDaysElapsed  int    `json:"working_days_elapsed"`
	RequiredWorkingDays int    `json:"required_working_days"`
	EligibleFrom        string `json:"eligible_from"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		Date:            calendar.FormatDate(a.Date),
		Time:            a.Time.String(),
		Mode:            string(a.Mode),
		Timezone:        a.Timezone,
		StartsAt:        a.StartsAt,
		Status:          string(a.Status),
		PaymentStatus:   string(a.PaymentStatus),
		PaymentMethod:   a.PaymentMethod,
		Fee:             a.Fee,
		PatientDetails:  a.PatientDetails,
		Summary:         a.Summary,
		CancelReason:    a.CancelReason,
		CancelledBy:     string(a.CancelledBy),
		FollowUpOf:      a.FollowUpOf,
		RescheduledFrom: a.RescheduledFrom,
		RescheduledTo:   a.RescheduledTo,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toAppointmentList(items []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(items))
	for i := range items {
		out = append(out, toAppointmentResponse(&items[i]))
	}
	return out
}

func toAvailabilityResponse(v appointment.AvailabilityView) AvailabilityResponse {
	slots := make([]SlotStateResponse, 0, len(v.States))
	for _, st := range v.States {
		slots = append(slots, SlotStateResponse{Time: st.Time.String(), Free: st.Free})
	}
	return AvailabilityResponse{
		DoctorID:  v.DoctorID,
		Date:      calendar.FormatDate(v.Date),
		Mode:      string(v.Mode),
		Timezone:  v.Timezone,
		Available: v.IsAvailable(),
		Slots:     slots,
	}
}

func toHoldResponse(h *appointment.SlotHold) HoldResponse {
	return HoldResponse{
		HoldToken: h.Token,
		DoctorID:  h.DoctorID,
		Date:      calendar.FormatDate(h.Date),
		Time:      h.Time.String(),
		Mode:      string(h.Mode),
		ExpiresAt: h.ExpiresAt,
	}
}
