package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

// MaxHoldTTL caps a caller supplied hold lifetime.
const MaxHoldTTL = 2 * time.Hour

type HoldRequest struct {
	DoctorID uuid.UUID
	Date     time.Time
	Time     calendar.TimeOfDay
	Mode     Mode
	Token    string        // generated when empty
	TTL      time.Duration // HoldTTL from config when zero
}

type BookingRequest struct {
	HoldToken      string
	PatientDetails PatientDetails
	PaymentMethod  string
	Fee            decimal.Decimal
	FollowUpOf     *uuid.UUID
}

func (s *Service) leadTime(mode Mode) time.Duration {
	if mode == ModeHomeVisit {
		return s.cfg.HomeVisitLeadTime
	}
	return s.cfg.VideoLeadTime
}

func (s *Service) checkLeadTime(mode Mode, startsAt, now time.Time) error {
	if startsAt.Sub(now) < s.leadTime(mode) {
		return ErrLeadTimeTooShort
	}
	return nil
}

// Hold reserves a slot for the calling patient until the TTL lapses. The
// occupancy check and the write happen as one step in the repository, so
// of any number of concurrent callers at most one succeeds.
func (s *Service) Hold(ctx context.Context, p Principal, req HoldRequest) (*SlotHold, error) {
	if p.Role != RolePatient {
		return nil, ErrForbidden
	}
	if !req.Mode.Valid() {
		return nil, validationErr("unknown mode %q", req.Mode)
	}
	t, err := calendar.ParseTimeOfDay(string(req.Time))
	if err != nil {
		return nil, validationErr("%v", err)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.HoldTTL
	}
	if ttl < 0 || ttl > MaxHoldTTL {
		return nil, validationErr("ttl must be between 0 and %s", MaxHoldTTL)
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = uuid.NewString()
	}

	date := calendar.DateOf(req.Date)
	entry, _, err := s.freeSlot(ctx, req.DoctorID, date, t, req.Mode)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrSlotUnavailable
	}

	now := s.clock.Now()
	startsAt := calendar.At(date, t, s.location(entry.Timezone))
	if err := s.checkLeadTime(req.Mode, startsAt, now); err != nil {
		return nil, err
	}

	hold, err := s.repo.InsertHold(ctx, SlotHold{
		Token:     token,
		DoctorID:  req.DoctorID,
		PatientID: p.UserID,
		Date:      date,
		Time:      t,
		Mode:      req.Mode,
		Timezone:  entry.Timezone,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, now)
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("insert hold: %w", err)
	}

	s.logEvent(ctx, nil, EventHoldCreated, map[string]any{
		"slot":       hold.Slot().String(),
		"patient_id": p.UserID.String(),
		"expires_at": hold.ExpiresAt,
	})
	return hold, nil
}

// Release drops p's hold. Unknown, expired, already promoted and foreign
// tokens are a no-op.
func (s *Service) Release(ctx context.Context, p Principal, token string) error {
	released, err := s.repo.DeleteHold(ctx, token, p.UserID)
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if released {
		s.logEvent(ctx, nil, EventHoldReleased, map[string]any{"token": token})
	}
	return nil
}

// initialStatus decides where a freshly booked appointment starts.
func (s *Service) initialStatus(fee decimal.Decimal) (Status, PaymentStatus) {
	switch {
	case fee.IsZero():
		return StatusScheduled, PaymentWaived
	case s.cfg.AllowDeferredPayment:
		return StatusScheduled, PaymentPending
	default:
		return StatusPendingPayment, PaymentPending
	}
}

// Book finalizes a hold into an appointment.
func (s *Service) Book(ctx context.Context, p Principal, req BookingRequest) (*Appointment, error) {
	if p.Role != RolePatient {
		return nil, ErrForbidden
	}
	if req.Fee.IsNegative() {
		return nil, validationErr("fee must not be negative")
	}
	if strings.TrimSpace(req.PatientDetails.Name) == "" {
		return nil, validationErr("patient name is required")
	}

	hold, err := s.repo.GetHold(ctx, req.HoldToken)
	if err != nil {
		if errors.Is(err, ErrHoldNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load hold: %w", err)
	}
	if hold.PatientID != p.UserID {
		return nil, ErrHoldNotFound
	}

	now := s.clock.Now()
	if !hold.Active(now) {
		return nil, ErrHoldExpired
	}

	startsAt := calendar.At(hold.Date, hold.Time, s.location(hold.Timezone))
	if err := s.checkLeadTime(hold.Mode, startsAt, now); err != nil {
		return nil, err
	}

	if req.FollowUpOf != nil {
		if err := s.checkFollowUpSource(ctx, p, *req.FollowUpOf, hold.DoctorID); err != nil {
			return nil, err
		}
	}

	status, payment := s.initialStatus(req.Fee)
	appt := &Appointment{
		ID:             uuid.New(),
		PatientID:      hold.PatientID,
		DoctorID:       hold.DoctorID,
		Date:           hold.Date,
		Time:           hold.Time,
		Mode:           hold.Mode,
		Timezone:       hold.Timezone,
		StartsAt:       startsAt,
		Status:         status,
		PaymentStatus:  payment,
		PaymentMethod:  req.PaymentMethod,
		Fee:            req.Fee,
		PatientDetails: req.PatientDetails,
		FollowUpOf:     req.FollowUpOf,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.repo.PromoteHold(ctx, req.HoldToken, now, appt)
	if err != nil {
		switch {
		case errors.Is(err, ErrHoldNotFound), errors.Is(err, ErrHoldExpired), errors.Is(err, ErrSlotUnavailable):
			return nil, err
		}
		return nil, fmt.Errorf("promote hold: %w", err)
	}

	s.log.Info("appointment booked",
		zap.Stringer("appointment_id", created.ID),
		zap.Stringer("doctor_id", created.DoctorID),
		zap.String("status", string(created.Status)),
	)
	s.logEvent(ctx, &created.ID, EventAppointmentCreated, map[string]any{
		"slot":           created.Slot().String(),
		"status":         created.Status,
		"payment_status": created.PaymentStatus,
	})
	s.emit(ctx, EventAppointmentCreated, created, map[string]any{
		"starts_at": created.StartsAt,
		"mode":      created.Mode,
	})
	return created, nil
}

func (s *Service) checkFollowUpSource(ctx context.Context, p Principal, sourceID, doctorID uuid.UUID) error {
	source, err := s.loadFor(ctx, p, sourceID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) || errors.Is(err, ErrForbidden) {
			return validationErr("follow-up source %s not found", sourceID)
		}
		return err
	}
	if source.DoctorID != doctorID {
		return validationErr("a follow-up must be with the same doctor")
	}

	elig, err := s.eligibility(ctx, source)
	if err != nil {
		return err
	}
	if !elig.Eligible {
		return fmt.Errorf("%w: %s", ErrFollowUpNotEligible, elig.Reason)
	}
	return nil
}
