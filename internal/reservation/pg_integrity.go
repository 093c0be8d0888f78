package reservation

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking/internal/db"
)

// PgIntegrityScanner runs the relationship checks as unlocked reads, so it
// may report rows that an in-flight reservation is about to fix.
type PgIntegrityScanner struct {
	pool *pgxpool.Pool
}

func NewPgIntegrityScanner(pool *pgxpool.Pool) *PgIntegrityScanner {
	return &PgIntegrityScanner{pool: pool}
}

func (s *PgIntegrityScanner) OrphanedSlots(ctx context.Context) ([]Slot, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT da.availability_id, da.doctor_id, da.available_date, da.available_time, da.is_booked
		FROM doctor_availability da
		WHERE da.is_booked
		  AND NOT EXISTS (
		    SELECT 1 FROM appointments a
		    WHERE a.doctor_id = da.doctor_id
		      AND a.appointment_date = da.available_date
		      AND a.appointment_time = da.available_time
		      AND a.status IN ('Booked', 'Completed')
		  )
		ORDER BY da.available_date, da.available_time
	`)
	return collectSlots(rows, err)
}

func (s *PgIntegrityScanner) UnbackedAppointments(ctx context.Context) ([]Appointment, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT a.appointment_id, a.patient_id, a.doctor_id, a.appointment_date, a.appointment_time,
		       a.status, a.created_at, a.updated_at
		FROM appointments a
		WHERE a.status = 'Booked'
		  AND NOT EXISTS (
		    SELECT 1 FROM doctor_availability da
		    WHERE da.doctor_id = a.doctor_id
		      AND da.available_date = a.appointment_date
		      AND da.available_time = a.appointment_time
		      AND da.is_booked
		  )
		ORDER BY a.appointment_date, a.appointment_time
	`)
	return collectAppointments(rows, err)
}
