package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

type Handler struct {
	svc     *appointment.Service
	metrics *Metrics
	log     *zap.Logger
}

func NewHandler(svc *appointment.Service, metrics *Metrics, log *zap.Logger) *Handler {
	return &Handler{svc: svc, metrics: metrics, log: log}
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// errorStatus maps a service error to its HTTP status and stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, appointment.ErrSlotUnavailable):
		return http.StatusConflict, "slot_unavailable"
	case errors.Is(err, appointment.ErrHoldExpired):
		return http.StatusGone, "hold_expired"
	case errors.Is(err, appointment.ErrHoldNotFound):
		return http.StatusNotFound, "hold_not_found"
	case errors.Is(err, appointment.ErrLeadTimeTooShort):
		return http.StatusUnprocessableEntity, "lead_time_too_short"
	case errors.Is(err, appointment.ErrFollowUpNotEligible):
		return http.StatusUnprocessableEntity, "follow_up_not_eligible"
	case errors.Is(err, appointment.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, appointment.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, appointment.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found"
	case errors.Is(err, appointment.ErrConcurrentUpdate):
		return http.StatusConflict, "concurrent_update"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) string {
	status, code := errorStatus(err)
	details := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		details = "unexpected error, safe to retry"
	}
	writeError(w, status, code, details)
	return code
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validateStruct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

func principal(w http.ResponseWriter, r *http.Request) (appointment.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", errUnauthenticated.Error())
	}
	return p, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// Availability

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	doctorID, err := uuid.Parse(q.Get("doctor_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	from, err := calendar.ParseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
		return
	}
	to := from
	if raw := q.Get("to"); raw != "" {
		if to, err = calendar.ParseDate(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
			return
		}
	}

	views, err := h.svc.GetAvailability(r.Context(), doctorID, from, to)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]AvailabilityResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, toAvailabilityResponse(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req SetAvailabilityRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	days := make([]appointment.DaySlots, 0, len(req.Days))
	for _, d := range req.Days {
		date, _ := calendar.ParseDate(d.Date)
		slots := make([]calendar.TimeOfDay, 0, len(d.Slots))
		for _, s := range d.Slots {
			slots = append(slots, calendar.TimeOfDay(s))
		}
		days = append(days, appointment.DaySlots{
			Date:     date,
			Mode:     appointment.Mode(d.Mode),
			Slots:    slots,
			Timezone: d.Timezone,
		})
	}

	entries, err := h.svc.SetAvailability(r.Context(), p, p.UserID, days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]AvailabilityResponse, 0, len(entries))
	for _, e := range entries {
		states := make([]appointment.SlotState, 0, len(e.Slots))
		for _, t := range e.Slots {
			states = append(states, appointment.SlotState{Time: t, Free: true})
		}
		resp = append(resp, toAvailabilityResponse(appointment.AvailabilityView{AvailabilityEntry: e, States: states}))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Holds

func (h *Handler) Hold(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req HoldRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	date, _ := calendar.ParseDate(req.Date)

	hold, err := h.svc.Hold(r.Context(), p, appointment.HoldRequest{
		DoctorID: req.DoctorID,
		Date:     date,
		Time:     calendar.TimeOfDay(req.Time),
		Mode:     appointment.Mode(req.Mode),
		Token:    req.HoldToken,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.metrics.RecordHold(h.writeServiceError(w, r, err))
		return
	}

	h.metrics.RecordHold("held")
	writeJSON(w, http.StatusCreated, toHoldResponse(hold))
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.svc.Release(r.Context(), p, chi.URLParam(r, "token")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Appointments

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req BookRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.svc.Book(r.Context(), p, appointment.BookingRequest{
		HoldToken: req.HoldToken,
		PatientDetails: appointment.PatientDetails{
			Name:      req.PatientDetails.Name,
			Age:       req.PatientDetails.Age,
			Gender:    req.PatientDetails.Gender,
			Phone:     req.PatientDetails.Phone,
			Problem:   req.PatientDetails.Problem,
			Documents: req.PatientDetails.Documents,
		},
		PaymentMethod: req.PaymentMethod,
		Fee:           req.Fee,
		FollowUpOf:    req.FollowUpOf,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	scope := appointment.Scope(r.URL.Query().Get("scope"))
	items, err := h.svc.ListAppointments(r.Context(), p, scope, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(items))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), p, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	tr := appointment.TransitionRequest{
		To:     appointment.Status(req.Status),
		Reason: req.Reason,
	}
	if req.Summary != nil {
		tr.Summary = &appointment.ClinicalSummary{
			Diagnosis:         req.Summary.Diagnosis,
			Notes:             req.Summary.Notes,
			Prescription:      req.Summary.Prescription,
			SignedDocument:    req.Summary.SignedDocument,
			FollowUpRequested: req.Summary.FollowUpRequested,
		}
	}

	appt, err := h.svc.Transition(r.Context(), p, id, tr)
	if err != nil {
		h.metrics.RecordTransition(req.Status, h.writeServiceError(w, r, err))
		return
	}

	h.metrics.RecordTransition(req.Status, "ok")
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req PaymentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.svc.UpdatePayment(r.Context(), p, id, appointment.PaymentStatus(req.PaymentStatus))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	date, _ := calendar.ParseDate(req.Date)

	res, err := h.svc.Reschedule(r.Context(), p, id, appointment.RescheduleRequest{
		Date: date,
		Time: calendar.TimeOfDay(req.Time),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, RescheduleResponse{
		Previous:    toAppointmentResponse(res.Previous),
		Appointment: toAppointmentResponse(res.Appointment),
	})
}

func (h *Handler) FollowUpEligibility(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	e, err := h.svc.FollowUpEligibility(r.Context(), p, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, EligibilityResponse{
		Eligible:            e.Eligible,
		Reason:              e.Reason,
		WorkingDaysElapsed:  e.WorkingDaysElapsed,
		RequiredWorkingDays: e.RequiredWorkingDays,
		EligibleFrom:        calendar.FormatDate(e.EligibleFrom),
	})
}

func (h *Handler) Chain(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	chain, err := h.svc.AppointmentChain(r.Context(), p, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(chain))
}
