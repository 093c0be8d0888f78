package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking/internal/db"
)

type PgAppointmentStore struct {
	pool *pgxpool.Pool
}

func NewPgAppointmentStore(pool *pgxpool.Pool) *PgAppointmentStore {
	return &PgAppointmentStore{pool: pool}
}

const appointmentColumns = `appointment_id, patient_id, doctor_id, appointment_date, appointment_time, status, created_at, updated_at`

func scanAppointmentInto(row pgx.Row, a *Appointment) error {
	return row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Date,
		&a.Time,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	if err := scanAppointmentInto(row, &a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, translatePgError(err)
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, translatePgError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Appointment, error) {
		var a Appointment
		err := scanAppointmentInto(row, &a)
		return a, err
	})
	if err != nil {
		return nil, translatePgError(err)
	}
	return out, nil
}

func (r *PgAppointmentStore) Create(ctx context.Context, patientID, doctorID int64, at SlotTime) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, appointment_date, appointment_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'Booked', now(), now())
		RETURNING `+appointmentColumns+`
	`, patientID, doctorID, Date(at.Date), at.Time)
	return scanAppointment(row)
}

func (r *PgAppointmentStore) Get(ctx context.Context, id int64) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgAppointmentStore) Lock(ctx context.Context, id int64, f LockFilter) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
		  AND ($2::bigint = 0 OR patient_id = $2)
		  AND ($3::bigint = 0 OR doctor_id = $3)
		  AND ($4::text = '' OR status = $4)
		FOR UPDATE
	`, id, f.PatientID, f.DoctorID, string(f.Status))
	return scanAppointment(row)
}

func (r *PgAppointmentStore) SetStatus(ctx context.Context, id int64, status AppointmentStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE appointment_id = $1
	`, id, string(status))
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgAppointmentStore) SetDateTime(ctx context.Context, id int64, at SlotTime) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments
		SET appointment_date = $2,
		    appointment_time = $3,
		    updated_at = now()
		WHERE appointment_id = $1
	`, id, Date(at.Date), at.Time)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgAppointmentStore) ListByPatient(ctx context.Context, patientID int64, order SortOrder) ([]Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY `+orderBy(order)+`
	`, patientID)
	return collectAppointments(rows, err)
}

func (r *PgAppointmentStore) ListByDoctor(ctx context.Context, doctorID int64, f AppointmentFilter) ([]Appointment, error) {
	var (
		where = []string{"doctor_id = $1"}
		args  = []any{doctorID}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, Date(f.From))
		where = append(where, fmt.Sprintf("appointment_date >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, Date(f.To))
		where = append(where, fmt.Sprintf("appointment_date <= $%d", len(args)))
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+orderBy(f.Order)+`
	`, args...)
	return collectAppointments(rows, err)
}

// orderBy only ever returns one of two fixed clauses.
func orderBy(o SortOrder) string {
	if o == SortDesc {
		return "appointment_date DESC, appointment_time DESC"
	}
	return "appointment_date ASC, appointment_time ASC"
}
