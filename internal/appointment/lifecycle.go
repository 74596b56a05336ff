package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transitions lists the forward moves out of every non-terminal status.
var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusScheduled, StatusCancelled},
	StatusScheduled:      {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TransitionRequest struct {
	To      Status
	Summary *ClinicalSummary // required when completing
	Reason  string           // required when a doctor cancels
}

// Transition moves an appointment along its lifecycle on behalf of p.
func (s *Service) Transition(ctx context.Context, p Principal, id uuid.UUID, req TransitionRequest) (*Appointment, error) {
	if !req.To.Valid() {
		return nil, validationErr("unknown status %q", req.To)
	}

	appt, err := s.loadFor(ctx, p, id)
	if err != nil {
		return nil, err
	}

	from := appt.Status
	if !canTransition(from, req.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.To)
	}

	now := s.clock.Now()
	upd := StatusUpdate{To: req.To, At: now}

	switch req.To {
	case StatusScheduled:
		// Payment confirmation is the only way out of pending-payment.
		if p.Role != RoleSystem {
			return nil, fmt.Errorf("%w: only the payment flow confirms a booking", ErrInvalidTransition)
		}

	case StatusInProgress:
		if p.Role != RoleDoctor {
			return nil, fmt.Errorf("%w: only the doctor starts a visit", ErrInvalidTransition)
		}

	case StatusCompleted:
		if p.Role != RoleDoctor {
			return nil, fmt.Errorf("%w: only the doctor completes a visit", ErrInvalidTransition)
		}
		if req.Summary == nil || strings.TrimSpace(req.Summary.Diagnosis) == "" {
			return nil, validationErr("diagnosis is required to complete an appointment")
		}
		summary := *req.Summary
		summary.Diagnosis = strings.TrimSpace(summary.Diagnosis)
		summary.CompletedAt = now
		upd.Summary = &summary

	case StatusCancelled:
		reason := strings.TrimSpace(req.Reason)
		switch p.Role {
		case RolePatient:
			if appt.StartsAt.Sub(now) < s.cfg.CancellationWindow {
				return nil, ErrLeadTimeTooShort
			}
			if reason == "" {
				reason = "cancelled by patient"
			}
		case RoleDoctor:
			if reason == "" {
				return nil, validationErr("a reason is required when the doctor cancels")
			}
		case RoleSystem:
			if reason == "" {
				reason = "cancelled by system"
			}
		}
		upd.CancelReason = reason
		upd.CancelledBy = p.Role
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, from, upd)
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update status: %w", err)
	}

	s.log.Info("appointment status changed",
		zap.Stringer("appointment_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
		zap.String("by", string(p.Role)),
	)

	payload := map[string]any{"from": from, "to": updated.Status, "by": p.Role}
	if updated.Status == StatusCancelled {
		payload["reason"] = updated.CancelReason
	}
	if updated.Summary != nil && req.To == StatusCompleted {
		payload["follow_up_requested"] = updated.Summary.FollowUpRequested
	}
	s.logEvent(ctx, &id, EventStatusChanged, payload)
	s.emit(ctx, EventStatusChanged, updated, payload)

	return updated, nil
}

// UpdatePayment records the payment service's verdict. A settled payment
// moves a pending-payment booking to scheduled; any other status leaves the
// lifecycle where it is.
func (s *Service) UpdatePayment(ctx context.Context, p Principal, id uuid.UUID, payment PaymentStatus) (*Appointment, error) {
	if p.Role != RoleSystem {
		return nil, ErrForbidden
	}
	if !payment.Valid() {
		return nil, validationErr("unknown payment status %q", payment)
	}

	appt, err := s.loadFor(ctx, p, id)
	if err != nil {
		return nil, err
	}

	from := appt.Status
	to := from
	if from == StatusPendingPayment && payment.Settled() {
		to = StatusScheduled
	}

	updated, err := s.repo.UpdatePaymentStatus(ctx, id, from, to, payment, s.clock.Now())
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update payment status: %w", err)
	}

	payload := map[string]any{"payment_status": payment, "from": from, "to": to}
	s.logEvent(ctx, &id, EventPaymentUpdated, payload)
	s.emit(ctx, EventPaymentUpdated, updated, payload)
	if to != from {
		s.emit(ctx, EventStatusChanged, updated, map[string]any{"from": from, "to": to, "by": p.Role})
	}
	return updated, nil
}
