package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

// MaxAvailabilityRange bounds a single availability read.
const MaxAvailabilityRange = 62

// DaySlots is one (date, mode) pair in a SetAvailability submission. An empty
// Slots list clears the pair.
type DaySlots struct {
	Date     time.Time
	Mode     Mode
	Slots    []calendar.TimeOfDay
	Timezone string
}

// SetAvailability replaces the doctor's slot sets for each submitted pair.
// Existing holds and appointments are left alone; edits only affect later
// reservation attempts.
func (s *Service) SetAvailability(ctx context.Context, p Principal, doctorID uuid.UUID, days []DaySlots) ([]AvailabilityEntry, error) {
	if p.Role != RoleDoctor || p.UserID != doctorID {
		return nil, ErrForbidden
	}

	entries, err := s.normalizeDays(doctorID, days)
	if err != nil {
		return nil, err
	}

	err = s.locker.WithLock(ctx, "availability:"+doctorID.String(), func(lockCtx context.Context) error {
		return s.repo.ReplaceAvailability(lockCtx, doctorID, entries)
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrConcurrentUpdate
		}
		return nil, fmt.Errorf("replace availability: %w", err)
	}

	s.log.Info("availability updated",
		zap.Stringer("doctor_id", doctorID),
		zap.Int("pairs", len(entries)),
	)
	return entries, nil
}

func (s *Service) normalizeDays(doctorID uuid.UUID, days []DaySlots) ([]AvailabilityEntry, error) {
	if len(days) == 0 {
		return nil, validationErr("at least one date is required")
	}

	now := s.clock.Now()
	seenPairs := make(map[string]bool)
	seenTimes := make(map[string]bool) // date/time across modes

	entries := make([]AvailabilityEntry, 0, len(days))
	for _, d := range days {
		if !d.Mode.Valid() {
			return nil, validationErr("unknown mode %q", d.Mode)
		}

		tz := d.Timezone
		if tz == "" {
			tz = s.cfg.ReferenceTimezone
		}
		loc, err := calendar.LoadLocation(tz)
		if err != nil {
			return nil, validationErr("unknown timezone %q", tz)
		}

		date := calendar.DateOf(d.Date)
		if date.Before(calendar.Today(now, loc)) {
			return nil, validationErr("%s is in the past", calendar.FormatDate(date))
		}

		pair := calendar.FormatDate(date) + "/" + string(d.Mode)
		if seenPairs[pair] {
			return nil, validationErr("%s submitted more than once", pair)
		}
		seenPairs[pair] = true

		slots := make([]calendar.TimeOfDay, 0, len(d.Slots))
		for _, raw := range d.Slots {
			t, err := calendar.ParseTimeOfDay(string(raw))
			if err != nil {
				return nil, validationErr("%s: %v", pair, err)
			}
			key := calendar.FormatDate(date) + "/" + t.String()
			if seenTimes[key] {
				return nil, validationErr("duplicate time %s on %s", t, calendar.FormatDate(date))
			}
			seenTimes[key] = true
			slots = append(slots, t)
		}
		slices.Sort(slots)

		entries = append(entries, AvailabilityEntry{
			DoctorID:  doctorID,
			Date:      date,
			Mode:      d.Mode,
			Slots:     slots,
			Timezone:  tz,
			UpdatedAt: now,
		})
	}
	return entries, nil
}

// GetAvailability lists the doctor's entries between from and to inclusive,
// flagging each slot that has neither an active hold nor a live appointment.
func (s *Service) GetAvailability(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilityView, error) {
	from, to = calendar.DateOf(from), calendar.DateOf(to)
	if to.Before(from) {
		return nil, validationErr("to is before from")
	}
	if calendar.DaysBetween(from, to) > MaxAvailabilityRange {
		return nil, validationErr("range exceeds %d days", MaxAvailabilityRange)
	}

	entries, err := s.repo.ListAvailability(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	occupied, err := s.repo.ListOccupiedSlots(ctx, doctorID, from, to, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list occupied slots: %w", err)
	}

	taken := make(map[string]bool, len(occupied))
	for _, k := range occupied {
		taken[k.String()] = true
	}

	views := make([]AvailabilityView, 0, len(entries))
	for _, e := range entries {
		v := AvailabilityView{AvailabilityEntry: e, States: make([]SlotState, 0, len(e.Slots))}
		for _, t := range e.Slots {
			key := SlotKey{DoctorID: doctorID, Date: e.Date, Time: t}
			v.States = append(v.States, SlotState{Time: t, Free: !taken[key.String()]})
		}
		views = append(views, v)
	}
	return views, nil
}

// freeSlot reports whether (date, time, mode) is declared and unoccupied.
func (s *Service) freeSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, t calendar.TimeOfDay, mode Mode) (*AvailabilityEntry, bool, error) {
	views, err := s.GetAvailability(ctx, doctorID, date, date)
	if err != nil {
		return nil, false, err
	}
	for _, v := range views {
		if v.Mode != mode {
			continue
		}
		for _, st := range v.States {
			if st.Time == t {
				entry := v.AvailabilityEntry
				return &entry, st.Free, nil
			}
		}
	}
	return nil, false, nil
}
