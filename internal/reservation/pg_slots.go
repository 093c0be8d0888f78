package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking/internal/db"
)

type PgSlotStore struct {
	pool *pgxpool.Pool
}

func NewPgSlotStore(pool *pgxpool.Pool) *PgSlotStore {
	return &PgSlotStore{pool: pool}
}

const slotColumns = `availability_id, doctor_id, available_date, available_time, is_booked`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.DoctorID, &s.Date, &s.Time, &s.Booked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, translatePgError(err)
	}
	return &s, nil
}

func collectSlots(rows pgx.Rows, err error) ([]Slot, error) {
	if err != nil {
		return nil, translatePgError(err)
	}
	slots, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Slot, error) {
		var s Slot
		err := row.Scan(&s.ID, &s.DoctorID, &s.Date, &s.Time, &s.Booked)
		return s, err
	})
	if err != nil {
		return nil, translatePgError(err)
	}
	return slots, nil
}

func (r *PgSlotStore) GetSlot(ctx context.Context, id int64) (*Slot, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM doctor_availability
		WHERE availability_id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgSlotStore) FindSlot(ctx context.Context, key SlotKey) (*Slot, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM doctor_availability
		WHERE doctor_id = $1
		  AND available_date = $2
		  AND available_time = $3
	`, key.DoctorID, key.Date, key.Time)
	return scanSlot(row)
}

func (r *PgSlotStore) LockSlot(ctx context.Context, id, doctorID int64) (*Slot, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM doctor_availability
		WHERE availability_id = $1
		  AND ($2::bigint = 0 OR doctor_id = $2)
		FOR UPDATE
	`, id, doctorID)
	return scanSlot(row)
}

func (r *PgSlotStore) SetBooked(ctx context.Context, id int64, booked bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE doctor_availability
		SET is_booked = $2
		WHERE availability_id = $1
	`, id, booked)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgSlotStore) SetBookedAt(ctx context.Context, key SlotKey, booked bool) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE doctor_availability
		SET is_booked = $4
		WHERE doctor_id = $1
		  AND available_date = $2
		  AND available_time = $3
	`, key.DoctorID, key.Date, key.Time, booked)
	if err != nil {
		return 0, translatePgError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgSlotStore) ListAvailable(ctx context.Context, doctorID int64, from SlotTime) ([]Slot, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+slotColumns+`
		FROM doctor_availability
		WHERE doctor_id = $1
		  AND NOT is_booked
		  AND (available_date, available_time) >= ($2::date, $3::time)
		ORDER BY available_date, available_time
	`, doctorID, from.Date, from.Time)
	return collectSlots(rows, err)
}

func (r *PgSlotStore) ListByDoctor(ctx context.Context, doctorID int64, f SlotFilter) ([]Slot, error) {
	var (
		where = []string{"doctor_id = $1"}
		args  = []any{doctorID}
	)
	if f.Booked != nil {
		args = append(args, *f.Booked)
		where = append(where, fmt.Sprintf("is_booked = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, Date(f.From))
		where = append(where, fmt.Sprintf("available_date >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, Date(f.To))
		where = append(where, fmt.Sprintf("available_date <= $%d", len(args)))
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+slotColumns+`
		FROM doctor_availability
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY available_date, available_time
	`, args...)
	return collectSlots(rows, err)
}

func (r *PgSlotStore) CreateSlot(ctx context.Context, doctorID int64, at SlotTime) (*Slot, error) {
	// ON CONFLICT DO NOTHING keeps a duplicate from aborting the surrounding
	// transaction, so one batch can report per-slot conflicts.
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_availability (doctor_id, available_date, available_time, is_booked)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT ON CONSTRAINT doctor_availability_slot_key DO NOTHING
		RETURNING `+slotColumns+`
	`, doctorID, Date(at.Date), at.Time)

	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotExists
	}
	return s, err
}

func (r *PgSlotStore) DeleteSlot(ctx context.Context, id int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		DELETE FROM doctor_availability
		WHERE availability_id = $1
		  AND NOT is_booked
	`, id)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.GetSlot(ctx, id); err != nil {
		return err
	}
	return ErrSlotAlreadyBooked
}

// translatePgError maps Postgres failures onto the reservation taxonomy.
func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	if db.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch db.PgCode(err) {
	case db.CodeUniqueViolation:
		if db.PgConstraint(err) == "doctor_availability_slot_key" {
			return ErrSlotExists
		}
		return ErrSlotAlreadyBooked
	case db.CodeForeignKeyViolation:
		if strings.Contains(db.PgConstraint(err), "patient") {
			return ErrPatientNotFound
		}
		return ErrDoctorNotFound
	}
	return err
}

// ScanTime lets pgx decode a TIME column straight into a TimeOfDay.
func (t *TimeOfDay) ScanTime(v pgtype.Time) error {
	if !v.Valid {
		return fmt.Errorf("cannot scan NULL into TimeOfDay")
	}
	*t = TimeOfDay(time.Duration(v.Microseconds) * time.Microsecond)
	return nil
}

// TimeValue lets pgx encode a TimeOfDay as a TIME parameter.
func (t TimeOfDay) TimeValue() (pgtype.Time, error) {
	return pgtype.Time{Microseconds: time.Duration(t).Microseconds(), Valid: true}, nil
}
