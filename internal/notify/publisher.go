package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventPaymentUpdated           = "APPOINTMENT_PAYMENT_UPDATED"
	EventAppointmentReminder      = "APPOINTMENT_REMINDER"
)

// Event is a lifecycle notification. Delivery is best effort.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	DoctorID      uuid.UUID      `json:"doctor_id"`
	Status        string         `json:"status"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Data          map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("appointment event",
		zap.String("type", ev.Type),
		zap.Stringer("appointment_id", ev.AppointmentID),
		zap.String("status", ev.Status),
		zap.Any("data", ev.Data),
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []string {
	var types []string
	for _, ev := range r.Events() {
		types = append(types, ev.Type)
	}
	return types
}
