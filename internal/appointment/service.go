package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
	"github.com/hackgods/telemedicine-scheduling/internal/clock"
	"github.com/hackgods/telemedicine-scheduling/internal/config"
	"github.com/hackgods/telemedicine-scheduling/internal/notify"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

const (
	EventHoldCreated         = "HOLD_CREATED"
	EventHoldReleased        = "HOLD_RELEASED"
	EventAppointmentCreated  = notify.EventAppointmentCreated
	EventStatusChanged       = notify.EventAppointmentStatusChanged
	EventRescheduled         = notify.EventAppointmentRescheduled
	EventPaymentUpdated      = notify.EventPaymentUpdated
	EventAppointmentReminder = notify.EventAppointmentReminder
	notifyTimeout            = 3 * time.Second
	defaultListLimit         = 20
	maxListLimit             = 100
	maxChainLength           = 50
	RescheduledReason        = "rescheduled"
)

var (
	ErrLeadTimeTooShort    = errors.New("appointment start is inside the minimum notice window")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrValidation          = errors.New("validation failed")
	ErrForbidden           = errors.New("caller may not act on this resource")
	ErrFollowUpNotEligible = errors.New("not eligible for a follow-up yet")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	publisher notify.Publisher
	clock     clock.Clock
	cfg       config.Config
	log       *zap.Logger
	refLoc    *time.Location
}

func NewService(repo Repository, locker redisclient.Locker, publisher notify.Publisher, clk clock.Clock, cfg config.Config, log *zap.Logger) *Service {
	refLoc, err := calendar.LoadLocation(cfg.ReferenceTimezone)
	if err != nil {
		log.Warn("unknown reference timezone, using UTC", zap.String("timezone", cfg.ReferenceTimezone), zap.Error(err))
		refLoc = time.UTC
	}

	return &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		log:       log,
		refLoc:    refLoc,
	}
}

// location resolves a stored zone name, falling back to the reference zone.
func (s *Service) location(name string) *time.Location {
	if name == "" {
		return s.refLoc
	}
	loc, err := calendar.LoadLocation(name)
	if err != nil {
		s.log.Warn("unknown timezone on record", zap.String("timezone", name), zap.Error(err))
		return s.refLoc
	}
	return loc
}

func (s *Service) today() time.Time {
	return calendar.Today(s.clock.Now(), s.refLoc)
}

// loadFor fetches an appointment the principal takes part in.
func (s *Service) loadFor(ctx context.Context, p Principal, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !appt.IsParticipant(p) {
		return nil, ErrForbidden
	}
	return appt, nil
}

// emit notifies downstream consumers. A failed publish is logged and never
// undoes the change that triggered it.
func (s *Service) emit(ctx context.Context, eventType string, appt *Appointment, data map[string]any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	ev := notify.Event{
		ID:            uuid.New(),
		Type:          eventType,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		Status:        string(appt.Status),
		OccurredAt:    s.clock.Now(),
		Data:          data,
	}
	if err := s.publisher.Publish(pubCtx, ev); err != nil {
		s.log.Warn("publish notification failed",
			zap.String("type", eventType),
			zap.Stringer("appointment_id", appt.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("type", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("insert event log", zap.String("type", eventType), zap.Error(err))
	}
}

// GetAppointment returns an appointment visible to p.
func (s *Service) GetAppointment(ctx context.Context, p Principal, id uuid.UUID) (*Appointment, error) {
	return s.loadFor(ctx, p, id)
}

// ListAppointments returns the principal's own appointments ordered by start.
// Upcoming means live and either not yet started or already in progress;
// past is everything that started before now.
func (s *Service) ListAppointments(ctx context.Context, p Principal, scope Scope, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	f := AppointmentFilter{Limit: limit, Offset: offset}
	switch p.Role {
	case RolePatient:
		f.PatientID = &p.UserID
	case RoleDoctor:
		f.DoctorID = &p.UserID
	case RoleSystem:
	default:
		return nil, ErrForbidden
	}

	now := s.clock.Now()
	switch scope {
	case ScopeUpcoming:
		f.From = &now
		f.Statuses = []Status{StatusPendingPayment, StatusScheduled, StatusInProgress}
		f.StartedStatuses = []Status{StatusInProgress}
	case ScopePast:
		f.To = &now
	case ScopeAll, "":
	default:
		return nil, validationErr("unknown scope %q", scope)
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// AppointmentChain reconstructs the reschedule history containing id, oldest
// first.
func (s *Service) AppointmentChain(ctx context.Context, p Principal, id uuid.UUID) ([]Appointment, error) {
	appt, err := s.loadFor(ctx, p, id)
	if err != nil {
		return nil, err
	}

	first := appt
	for i := 0; first.RescheduledFrom != nil && i < maxChainLength; i++ {
		prev, err := s.repo.GetAppointmentByID(ctx, *first.RescheduledFrom)
		if err != nil {
			return nil, fmt.Errorf("load predecessor: %w", err)
		}
		first = prev
	}

	chain := []Appointment{*first}
	cur := first
	for len(chain) < maxChainLength && cur.RescheduledTo != nil {
		next, err := s.repo.GetAppointmentByID(ctx, *cur.RescheduledTo)
		if err != nil {
			return nil, fmt.Errorf("load successor: %w", err)
		}
		chain = append(chain, *next)
		cur = next
	}
	return chain, nil
}

// SweepExpiredHolds deletes lapsed holds. Reservation correctness does not
// depend on it; it only keeps the claims table small.
func (s *Service) SweepExpiredHolds(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredHolds(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired holds: %w", err)
	}
	if n > 0 {
		s.log.Info("swept expired holds", zap.Int64("count", n))
	}
	return n, nil
}

// SendReminders notifies about scheduled appointments whose start enters the
// reminder window between since and until.
func (s *Service) SendReminders(ctx context.Context, since, until time.Time) (int, error) {
	from := since.Add(s.cfg.ReminderWindow)
	to := until.Add(s.cfg.ReminderWindow)
	if !to.After(from) {
		return 0, nil
	}

	due, err := s.repo.ListAppointments(ctx, AppointmentFilter{
		Statuses: []Status{StatusScheduled},
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return 0, fmt.Errorf("list due appointments: %w", err)
	}

	for i := range due {
		s.emit(ctx, EventAppointmentReminder, &due[i], map[string]any{
			"starts_at": due[i].StartsAt,
		})
	}
	return len(due), nil
}
