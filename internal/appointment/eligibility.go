package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
	"github.com/hackgods/telemedicine-scheduling/internal/followup"
)

const (
	ReasonNotCompleted   = "not_completed"
	ReasonFollowUpExists = "follow_up_exists"
	ReasonTooEarly       = "too_early"
)

type Eligibility struct {
	Eligible            bool
	Reason              string
	WorkingDaysElapsed  int
	RequiredWorkingDays int
	EligibleFrom        time.Time
}

// FollowUpEligibility reports whether the patient may book a follow-up of id.
func (s *Service) FollowUpEligibility(ctx context.Context, p Principal, id uuid.UUID) (*Eligibility, error) {
	appt, err := s.loadFor(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return s.eligibility(ctx, appt)
}

// eligibility counts working days in the appointment's own zone so patient
// and doctor always see the same answer.
func (s *Service) eligibility(ctx context.Context, appt *Appointment) (*Eligibility, error) {
	required := s.cfg.FollowUpWorkingDays
	if required <= 0 {
		required = followup.DefaultRequiredWorkingDays
	}

	today := calendar.Today(s.clock.Now(), s.location(appt.Timezone))
	e := &Eligibility{
		RequiredWorkingDays: required,
		WorkingDaysElapsed:  followup.WorkingDaysBetween(appt.Date, today),
		EligibleFrom:        followup.EligibleOn(appt.Date, required),
	}

	if appt.Status != StatusCompleted {
		e.Reason = ReasonNotCompleted
		return e, nil
	}

	exists, err := s.repo.HasLiveFollowUp(ctx, appt.ID)
	if err != nil {
		return nil, fmt.Errorf("check follow-up: %w", err)
	}
	if exists {
		e.Reason = ReasonFollowUpExists
		return e, nil
	}

	if !followup.IsEligible(appt.Date, today, required) {
		e.Reason = ReasonTooEarly
		return e, nil
	}

	e.Eligible = true
	return e, nil
}
