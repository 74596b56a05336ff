package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

// rescheduleHoldTTL only has to outlive the rest of the request.
const rescheduleHoldTTL = time.Minute

type RescheduleRequest struct {
	Date time.Time
	Time calendar.TimeOfDay
}

type RescheduleResult struct {
	Previous    *Appointment
	Appointment *Appointment
}

// Reschedule moves a scheduled appointment to another free slot of the same
// doctor and mode. The new slot is secured before the old one is given up;
// on any failure the source appointment is left untouched.
func (s *Service) Reschedule(ctx context.Context, p Principal, id uuid.UUID, req RescheduleRequest) (*RescheduleResult, error) {
	t, err := calendar.ParseTimeOfDay(string(req.Time))
	if err != nil {
		return nil, validationErr("%v", err)
	}

	source, err := s.loadFor(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if source.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, source.Status)
	}

	now := s.clock.Now()
	if p.Role == RolePatient && source.StartsAt.Sub(now) < s.cfg.CancellationWindow {
		return nil, ErrLeadTimeTooShort
	}

	date := calendar.DateOf(req.Date)
	today := s.today()
	if date.Before(today) || calendar.DaysBetween(today, date) > s.cfg.RescheduleWindowDays {
		return nil, validationErr("new date must be within the next %d days", s.cfg.RescheduleWindowDays)
	}

	var result *RescheduleResult
	err = s.locker.WithLock(ctx, "reschedule:"+id.String(), func(lockCtx context.Context) error {
		r, err := s.moveAppointment(lockCtx, p, source, date, t)
		result = r
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrConcurrentUpdate
		}
		return nil, err
	}

	s.log.Info("appointment rescheduled",
		zap.Stringer("from_id", result.Previous.ID),
		zap.Stringer("to_id", result.Appointment.ID),
		zap.String("slot", result.Appointment.Slot().String()),
	)
	payload := map[string]any{
		"previous_id": result.Previous.ID,
		"new_id":      result.Appointment.ID,
		"starts_at":   result.Appointment.StartsAt,
		"by":          p.Role,
	}
	s.logEvent(ctx, &result.Appointment.ID, EventRescheduled, payload)
	s.emit(ctx, EventRescheduled, result.Appointment, payload)
	return result, nil
}

func (s *Service) moveAppointment(ctx context.Context, p Principal, source *Appointment, date time.Time, t calendar.TimeOfDay) (*RescheduleResult, error) {
	entry, free, err := s.freeSlot(ctx, source.DoctorID, date, t, source.Mode)
	if err != nil {
		return nil, err
	}
	if entry == nil || !free {
		return nil, ErrSlotUnavailable
	}

	now := s.clock.Now()
	startsAt := calendar.At(date, t, s.location(entry.Timezone))
	if err := s.checkLeadTime(source.Mode, startsAt, now); err != nil {
		return nil, err
	}

	hold, err := s.repo.InsertHold(ctx, SlotHold{
		Token:     "reschedule:" + uuid.NewString(),
		DoctorID:  source.DoctorID,
		PatientID: source.PatientID,
		Date:      date,
		Time:      t,
		Mode:      source.Mode,
		Timezone:  entry.Timezone,
		CreatedAt: now,
		ExpiresAt: now.Add(rescheduleHoldTTL),
	}, now)
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("hold new slot: %w", err)
	}

	successor := &Appointment{
		ID:             uuid.New(),
		PatientID:      source.PatientID,
		DoctorID:       source.DoctorID,
		Date:           date,
		Time:           t,
		Mode:           source.Mode,
		Timezone:       hold.Timezone,
		StartsAt:       startsAt,
		Status:         StatusScheduled,
		PaymentStatus:  source.PaymentStatus,
		PaymentMethod:  source.PaymentMethod,
		Fee:            source.Fee,
		PatientDetails: source.PatientDetails,
		FollowUpOf:     source.FollowUpOf,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	prev, next, err := s.repo.RescheduleAppointment(ctx, source.ID, hold.Token, p.Role, now, successor)
	if err != nil {
		if _, relErr := s.repo.DeleteHold(context.WithoutCancel(ctx), hold.Token, hold.PatientID); relErr != nil {
			s.log.Warn("release reschedule hold", zap.String("token", hold.Token), zap.Error(relErr))
		}
		if errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrHoldExpired) || errors.Is(err, ErrSlotUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	return &RescheduleResult{Previous: prev, Appointment: next}, nil
}
