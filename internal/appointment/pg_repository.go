package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

const pgUniqueViolation = "23505"

const appointmentColumns = `
	id, patient_id, doctor_id, calendar_date, time_of_day, mode, timezone, starts_at,
	status, payment_status, payment_method, fee::text, patient_details, clinical_summary,
	cancel_reason, cancelled_by, follow_up_of, rescheduled_from, rescheduled_to,
	created_at, updated_at`

const holdColumns = `
	hold_token, doctor_id, patient_id, calendar_date, time_of_day, mode, timezone, created_at, expires_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var fee string
	var details, summary []byte
	var cancelledBy string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Date,
		&a.Time,
		&a.Mode,
		&a.Timezone,
		&a.StartsAt,
		&a.Status,
		&a.PaymentStatus,
		&a.PaymentMethod,
		&fee,
		&details,
		&summary,
		&a.CancelReason,
		&cancelledBy,
		&a.FollowUpOf,
		&a.RescheduledFrom,
		&a.RescheduledTo,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("decode fee %q: %w", fee, err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.PatientDetails); err != nil {
			return nil, fmt.Errorf("decode patient details: %w", err)
		}
	}
	if len(summary) > 0 {
		a.Summary = &ClinicalSummary{}
		if err := json.Unmarshal(summary, a.Summary); err != nil {
			return nil, fmt.Errorf("decode clinical summary: %w", err)
		}
	}
	a.CancelledBy = Role(cancelledBy)
	return &a, nil
}

func scanHold(row pgx.Row) (*SlotHold, error) {
	var h SlotHold

	err := row.Scan(
		&h.Token,
		&h.DoctorID,
		&h.PatientID,
		&h.Date,
		&h.Time,
		&h.Mode,
		&h.Timezone,
		&h.CreatedAt,
		&h.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &h, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func timesToStrings(ts []calendar.TimeOfDay) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Availability

func (r *PgRepository) ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, entries []AvailabilityEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range entries {
			if !e.IsAvailable() {
				if _, err := tx.Exec(ctx, `
					DELETE FROM availability
					WHERE doctor_id = $1 AND calendar_date = $2 AND mode = $3
				`, doctorID, e.Date, e.Mode); err != nil {
					return fmt.Errorf("delete availability: %w", err)
				}
				continue
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO availability (doctor_id, calendar_date, mode, slots, timezone, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (doctor_id, calendar_date, mode) DO UPDATE
				SET slots = EXCLUDED.slots,
				    timezone = EXCLUDED.timezone,
				    updated_at = EXCLUDED.updated_at
			`, doctorID, e.Date, e.Mode, timesToStrings(e.Slots), e.Timezone, e.UpdatedAt)
			if err != nil {
				return fmt.Errorf("upsert availability: %w", err)
			}
		}
		return nil
	})
}

func (r *PgRepository) ListAvailability(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilityEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doctor_id, calendar_date, mode, slots, timezone, updated_at
		FROM availability
		WHERE doctor_id = $1
		  AND calendar_date BETWEEN $2 AND $3
		ORDER BY calendar_date, mode
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityEntry
	for rows.Next() {
		var e AvailabilityEntry
		var slots []string
		if err := rows.Scan(&e.DoctorID, &e.Date, &e.Mode, &slots, &e.Timezone, &e.UpdatedAt); err != nil {
			return nil, err
		}
		for _, s := range slots {
			e.Slots = append(e.Slots, calendar.TimeOfDay(s))
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ListOccupiedSlots(ctx context.Context, doctorID uuid.UUID, from, to, now time.Time) ([]SlotKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doctor_id, calendar_date, time_of_day
		FROM slot_claims
		WHERE doctor_id = $1
		  AND calendar_date BETWEEN $2 AND $3
		  AND (kind = 'appointment' OR expires_at > $4)
	`, doctorID, from, to, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SlotKey
	for rows.Next() {
		var k SlotKey
		if err := rows.Scan(&k.DoctorID, &k.Date, &k.Time); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Holds

func (r *PgRepository) InsertHold(ctx context.Context, h SlotHold, now time.Time) (*SlotHold, error) {
	var created *SlotHold

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM slot_claims
			WHERE hold_token = $1
			  AND kind = 'hold'
			  AND (patient_id = $2 OR expires_at <= $3)
		`, h.Token, h.PatientID, now); err != nil {
			return fmt.Errorf("release previous hold: %w", err)
		}

		// The conflict branch only fires for an expired hold, so an active
		// hold or a live appointment leaves the statement without a row.
		// A token still held by another patient trips its unique index.
		row := tx.QueryRow(ctx, `
			INSERT INTO slot_claims (doctor_id, calendar_date, time_of_day, mode, timezone,
			                         kind, hold_token, patient_id, created_at, expires_at)
			SELECT $1::uuid, $2::date, $3::text, $4::text, $5::text, 'hold', $6::text, $7::uuid, $8::timestamptz, $9::timestamptz
			WHERE EXISTS (
				SELECT 1 FROM availability
				WHERE doctor_id = $1 AND calendar_date = $2 AND mode = $4 AND $3 = ANY (slots)
			)
			ON CONFLICT (doctor_id, calendar_date, time_of_day) DO UPDATE
			SET mode = EXCLUDED.mode,
			    timezone = EXCLUDED.timezone,
			    kind = 'hold',
			    hold_token = EXCLUDED.hold_token,
			    patient_id = EXCLUDED.patient_id,
			    appointment_id = NULL,
			    created_at = EXCLUDED.created_at,
			    expires_at = EXCLUDED.expires_at
			WHERE slot_claims.kind = 'hold'
			  AND slot_claims.expires_at <= $10
			RETURNING `+holdColumns,
			h.DoctorID, h.Date, h.Time, h.Mode, h.Timezone, h.Token, h.PatientID, h.CreatedAt, h.ExpiresAt, now)

		hold, err := scanHold(row)
		if errors.Is(err, ErrHoldNotFound) || isUniqueViolation(err) {
			return ErrSlotUnavailable
		}
		if err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}
		created = hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) GetHold(ctx context.Context, token string) (*SlotHold, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM slot_claims
		WHERE hold_token = $1 AND kind = 'hold'
	`, token)
	return scanHold(row)
}

func (r *PgRepository) DeleteHold(ctx context.Context, token string, patientID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM slot_claims
		WHERE hold_token = $1
		  AND kind = 'hold'
		  AND patient_id = $2
	`, token, patientID)
	if err != nil {
		return false, fmt.Errorf("delete hold: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) PromoteHold(ctx context.Context, token string, now time.Time, appt *Appointment) (*Appointment, error) {
	var created *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		a, err := promoteHoldTx(ctx, tx, token, now, appt)
		created = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// promoteHoldTx locks the hold row, inserts appt and converts the claim so
// the slot stays occupied without a gap.
func promoteHoldTx(ctx context.Context, q querier, token string, now time.Time, appt *Appointment) (*Appointment, error) {
	hold, err := scanHold(q.QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM slot_claims
		WHERE hold_token = $1 AND kind = 'hold'
		FOR UPDATE
	`, token))
	if err != nil {
		return nil, err
	}
	if !hold.Active(now) {
		return nil, ErrHoldExpired
	}

	details, err := json.Marshal(appt.PatientDetails)
	if err != nil {
		return nil, fmt.Errorf("encode patient details: %w", err)
	}

	row := q.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_id, calendar_date, time_of_day, mode, timezone, starts_at,
			status, payment_status, payment_method, fee, patient_details,
			follow_up_of, rescheduled_from, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13, $14, $15, $16, $16)
		RETURNING `+appointmentColumns,
		appt.ID, appt.PatientID, appt.DoctorID, hold.Date, hold.Time, hold.Mode, hold.Timezone, appt.StartsAt,
		appt.Status, appt.PaymentStatus, appt.PaymentMethod, appt.Fee.String(), details,
		appt.FollowUpOf, appt.RescheduledFrom, appt.CreatedAt)

	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if _, err := q.Exec(ctx, `
		UPDATE slot_claims
		SET kind = 'appointment',
		    appointment_id = $2,
		    hold_token = NULL,
		    expires_at = NULL
		WHERE hold_token = $1
	`, token, created.ID); err != nil {
		return nil, fmt.Errorf("convert hold: %w", err)
	}

	return created, nil
}

func (r *PgRepository) DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM slot_claims
		WHERE kind = 'hold'
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired holds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f AppointmentFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY ($%d)", statusStrings(f.Statuses))
	}
	if f.From != nil {
		if len(f.StartedStatuses) > 0 {
			args = append(args, *f.From, statusStrings(f.StartedStatuses))
			conds = append(conds, fmt.Sprintf("(starts_at >= $%d OR status = ANY ($%d))", len(args)-1, len(args)))
		} else {
			add("starts_at >= $%d", *f.From)
		}
	}
	if f.To != nil {
		add("starts_at < $%d", *f.To)
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	return clause, args
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	where, args := filterClause(f)

	query := `SELECT ` + appointmentColumns + ` FROM appointments ` + where + ` ORDER BY starts_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// missingOrRaced tells a vanished row apart from a lost compare-and-set.
func missingOrRaced(ctx context.Context, q querier, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return ErrConcurrentUpdate
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error) {
	var summary []byte
	if upd.Summary != nil {
		var err error
		if summary, err = json.Marshal(upd.Summary); err != nil {
			return nil, fmt.Errorf("encode clinical summary: %w", err)
		}
	}

	var updated *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    clinical_summary = COALESCE($4::jsonb, clinical_summary),
			    cancel_reason = CASE WHEN $2 = 'cancelled' THEN $5 ELSE cancel_reason END,
			    cancelled_by = CASE WHEN $2 = 'cancelled' THEN $6 ELSE cancelled_by END,
			    updated_at = $7
			WHERE id = $1
			  AND status = $3
			RETURNING `+appointmentColumns,
			id, upd.To, from, summary, upd.CancelReason, string(upd.CancelledBy), upd.At)

		a, err := scanAppointment(row)
		if errors.Is(err, ErrAppointmentNotFound) {
			return missingOrRaced(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}

		if upd.To == StatusCancelled {
			if _, err := tx.Exec(ctx, `
				DELETE FROM slot_claims WHERE appointment_id = $1
			`, id); err != nil {
				return fmt.Errorf("free slot: %w", err)
			}
		}

		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to Status, payment PaymentStatus, now time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    payment_status = $4,
		    updated_at = $5
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentColumns,
		id, from, to, payment, now)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, missingOrRaced(ctx, r.pool, id)
	}
	return a, err
}

func (r *PgRepository) HasLiveFollowUp(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE follow_up_of = $1
			  AND status <> 'cancelled'
		)
	`, sourceID).Scan(&exists)
	return exists, err
}

func (r *PgRepository) RescheduleAppointment(ctx context.Context, sourceID uuid.UUID, holdToken string, by Role, now time.Time, successor *Appointment) (*Appointment, *Appointment, error) {
	var source, next *Appointment

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var status Status
		err := tx.QueryRow(ctx, `
			SELECT status FROM appointments WHERE id = $1 FOR UPDATE
		`, sourceID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAppointmentNotFound
		}
		if err != nil {
			return fmt.Errorf("lock source appointment: %w", err)
		}
		if status != StatusScheduled {
			return ErrConcurrentUpdate
		}

		successor.RescheduledFrom = &sourceID
		if next, err = promoteHoldTx(ctx, tx, holdToken, now, successor); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = 'cancelled',
			    cancel_reason = $2,
			    cancelled_by = $3,
			    rescheduled_to = $4,
			    updated_at = $5
			WHERE id = $1
			RETURNING `+appointmentColumns,
			sourceID, RescheduledReason, string(by), next.ID, now)
		if source, err = scanAppointment(row); err != nil {
			return fmt.Errorf("cancel source appointment: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM slot_claims WHERE appointment_id = $1
		`, sourceID); err != nil {
			return fmt.Errorf("free source slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return source, next, nil
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
