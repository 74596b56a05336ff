package appointment

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

// MemoryRepository keeps everything in process memory behind one mutex. It
// has the same semantics as PgRepository but is only safe for a single
// instance; use it for local development and tests.
type MemoryRepository struct {
	mu           sync.Mutex
	availability map[string]AvailabilityEntry
	claims       map[string]*slotClaim
	holds        map[string]string // token -> claim key
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
}

type slotClaim struct {
	hold          *SlotHold
	appointmentID uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		availability: make(map[string]AvailabilityEntry),
		claims:       make(map[string]*slotClaim),
		holds:        make(map[string]string),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

// Helpers

func availabilityKey(doctorID uuid.UUID, date time.Time, mode Mode) string {
	return doctorID.String() + "/" + calendar.FormatDate(date) + "/" + string(mode)
}

func inDateRange(d, from, to time.Time) bool {
	return !d.Before(from) && !d.After(to)
}

func cloneAppointment(a *Appointment) *Appointment {
	c := *a
	if a.Summary != nil {
		s := *a.Summary
		c.Summary = &s
	}
	c.PatientDetails.Documents = slices.Clone(a.PatientDetails.Documents)
	return &c
}

func (r *MemoryRepository) releaseAppointmentClaim(id uuid.UUID) {
	for key, c := range r.claims {
		if c.hold == nil && c.appointmentID == id {
			delete(r.claims, key)
		}
	}
}

// promoteLocked converts the hold behind token into appt. Caller holds r.mu.
func (r *MemoryRepository) promoteLocked(token string, now time.Time, appt *Appointment) error {
	key, ok := r.holds[token]
	if !ok {
		return ErrHoldNotFound
	}
	claim := r.claims[key]
	if !claim.hold.Active(now) {
		return ErrHoldExpired
	}
	if _, exists := r.appointments[appt.ID]; exists {
		return ErrSlotUnavailable
	}

	r.appointments[appt.ID] = cloneAppointment(appt)
	r.claims[key] = &slotClaim{appointmentID: appt.ID}
	delete(r.holds, token)
	return nil
}

// Availability

func (r *MemoryRepository) ReplaceAvailability(_ context.Context, doctorID uuid.UUID, entries []AvailabilityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		key := availabilityKey(doctorID, e.Date, e.Mode)
		if !e.IsAvailable() {
			delete(r.availability, key)
			continue
		}
		e.DoctorID = doctorID
		e.Slots = slices.Clone(e.Slots)
		r.availability[key] = e
	}
	return nil
}

func (r *MemoryRepository) ListAvailability(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilityEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []AvailabilityEntry
	for _, e := range r.availability {
		if e.DoctorID != doctorID || !inDateRange(e.Date, from, to) {
			continue
		}
		e.Slots = slices.Clone(e.Slots)
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Mode < out[j].Mode
	})
	return out, nil
}

func (r *MemoryRepository) ListOccupiedSlots(_ context.Context, doctorID uuid.UUID, from, to, now time.Time) ([]SlotKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SlotKey
	for _, c := range r.claims {
		var key SlotKey
		if c.hold != nil {
			if !c.hold.Active(now) {
				continue
			}
			key = c.hold.Slot()
		} else {
			key = r.appointments[c.appointmentID].Slot()
		}
		if key.DoctorID == doctorID && inDateRange(key.Date, from, to) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Holds

func (r *MemoryRepository) InsertHold(_ context.Context, h SlotHold, now time.Time) (*SlotHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.availability[availabilityKey(h.DoctorID, h.Date, h.Mode)]
	if !ok || !slices.Contains(entry.Slots, h.Time) {
		return nil, ErrSlotUnavailable
	}

	// A token names one patient's booking session; another patient's live
	// session is never taken over.
	if prev, ok := r.holds[h.Token]; ok {
		if ph := r.claims[prev].hold; ph.PatientID != h.PatientID && ph.Active(now) {
			return nil, ErrSlotUnavailable
		}
	}

	key := h.Slot().String()
	if c, taken := r.claims[key]; taken {
		ownSession := c.hold != nil && c.hold.Token == h.Token && c.hold.PatientID == h.PatientID
		reclaimable := c.hold != nil && (ownSession || !c.hold.Active(now))
		if !reclaimable {
			return nil, ErrSlotUnavailable
		}
		delete(r.holds, c.hold.Token)
	}

	if prev, ok := r.holds[h.Token]; ok {
		delete(r.claims, prev)
		delete(r.holds, h.Token)
	}

	stored := h
	r.claims[key] = &slotClaim{hold: &stored}
	r.holds[h.Token] = key

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetHold(_ context.Context, token string) (*SlotHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.holds[token]
	if !ok {
		return nil, ErrHoldNotFound
	}
	h := *r.claims[key].hold
	return &h, nil
}

func (r *MemoryRepository) DeleteHold(_ context.Context, token string, patientID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.holds[token]
	if !ok || r.claims[key].hold.PatientID != patientID {
		return false, nil
	}
	delete(r.claims, key)
	delete(r.holds, token)
	return true, nil
}

func (r *MemoryRepository) PromoteHold(_ context.Context, token string, now time.Time, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.promoteLocked(token, now, appt); err != nil {
		return nil, err
	}
	return cloneAppointment(r.appointments[appt.ID]), nil
}

func (r *MemoryRepository) DeleteExpiredHolds(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for token, key := range r.holds {
		if !r.claims[key].hold.Active(now) {
			delete(r.claims, key)
			delete(r.holds, token)
			n++
		}
	}
	return n, nil
}

// Appointments

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		switch {
		case f.PatientID != nil && a.PatientID != *f.PatientID,
			f.DoctorID != nil && a.DoctorID != *f.DoctorID,
			len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status),
			f.From != nil && a.StartsAt.Before(*f.From) && !slices.Contains(f.StartedStatuses, a.Status),
			f.To != nil && !a.StartsAt.Before(*f.To):
			continue
		}
		out = append(out, *cloneAppointment(a))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrConcurrentUpdate
	}

	a.Status = upd.To
	a.UpdatedAt = upd.At
	if upd.Summary != nil {
		s := *upd.Summary
		a.Summary = &s
	}
	if upd.To == StatusCancelled {
		a.CancelReason = upd.CancelReason
		a.CancelledBy = upd.CancelledBy
		r.releaseAppointmentClaim(id)
	}
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) UpdatePaymentStatus(_ context.Context, id uuid.UUID, from, to Status, payment PaymentStatus, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrConcurrentUpdate
	}

	a.Status = to
	a.PaymentStatus = payment
	a.UpdatedAt = now
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) HasLiveFollowUp(_ context.Context, sourceID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.appointments {
		if a.FollowUpOf != nil && *a.FollowUpOf == sourceID && a.Status != StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) RescheduleAppointment(_ context.Context, sourceID uuid.UUID, holdToken string, by Role, now time.Time, successor *Appointment) (*Appointment, *Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.appointments[sourceID]
	if !ok {
		return nil, nil, ErrAppointmentNotFound
	}
	if src.Status != StatusScheduled {
		return nil, nil, ErrConcurrentUpdate
	}

	next := cloneAppointment(successor)
	next.RescheduledFrom = &sourceID
	if err := r.promoteLocked(holdToken, now, next); err != nil {
		return nil, nil, err
	}

	nextID := next.ID
	src.Status = StatusCancelled
	src.CancelReason = RescheduledReason
	src.CancelledBy = by
	src.RescheduledTo = &nextID
	src.UpdatedAt = now
	r.releaseAppointmentClaim(sourceID)

	return cloneAppointment(src), cloneAppointment(r.appointments[nextID]), nil
}

// Event logging

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the audit log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
