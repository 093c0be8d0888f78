package memstore

import (
	"context"

	"github.com/hackgods/clinic-booking/internal/reservation"
)

type Appointments struct {
	s *Store
}

func (v *Appointments) Create(ctx context.Context, patientID, doctorID int64, at reservation.SlotTime) (*reservation.Appointment, error) {
	var out *reservation.Appointment
	err := v.s.do(ctx, func() error {
		if err := v.s.fault("Appointments.Create"); err != nil {
			return err
		}
		a := reservation.Appointment{
			PatientID: patientID,
			DoctorID:  doctorID,
			Date:      reservation.Date(at.Date),
			Time:      at.Time,
			Status:    reservation.StatusBooked,
		}
		if v.s.bookedKeys()[keyOf(a.Key())] {
			return reservation.ErrSlotAlreadyBooked
		}

		now := v.s.now().UTC()
		v.s.nextAppt++
		a.ID = v.s.nextAppt
		a.CreatedAt, a.UpdatedAt = now, now
		v.s.appts[a.ID] = a
		out = &a
		return nil
	})
	return out, err
}

func (v *Appointments) Get(ctx context.Context, id int64) (*reservation.Appointment, error) {
	var out *reservation.Appointment
	err := v.s.do(ctx, func() error {
		a, ok := v.s.appts[id]
		if !ok {
			return reservation.ErrAppointmentNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func (v *Appointments) Lock(ctx context.Context, id int64, f reservation.LockFilter) (*reservation.Appointment, error) {
	var out *reservation.Appointment
	err := v.s.do(ctx, func() error {
		if err := v.s.fault("Appointments.Lock"); err != nil {
			return err
		}
		a, ok := v.s.appts[id]
		switch {
		case !ok,
			f.PatientID != 0 && a.PatientID != f.PatientID,
			f.DoctorID != 0 && a.DoctorID != f.DoctorID,
			f.Status != "" && a.Status != f.Status:
			return reservation.ErrAppointmentNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func (v *Appointments) SetStatus(ctx context.Context, id int64, status reservation.AppointmentStatus) error {
	return v.s.do(ctx, func() error {
		if err := v.s.fault("Appointments.SetStatus"); err != nil {
			return err
		}
		a, ok := v.s.appts[id]
		if !ok {
			return reservation.ErrAppointmentNotFound
		}
		a.Status = status
		a.UpdatedAt = v.s.now().UTC()
		v.s.appts[id] = a
		return nil
	})
}

func (v *Appointments) SetDateTime(ctx context.Context, id int64, at reservation.SlotTime) error {
	return v.s.do(ctx, func() error {
		if err := v.s.fault("Appointments.SetDateTime"); err != nil {
			return err
		}
		a, ok := v.s.appts[id]
		if !ok {
			return reservation.ErrAppointmentNotFound
		}
		a.Date, a.Time = reservation.Date(at.Date), at.Time
		if a.Status == reservation.StatusBooked {
			for otherID, other := range v.s.appts {
				if otherID != id && other.Status == reservation.StatusBooked && keyOf(other.Key()) == keyOf(a.Key()) {
					return reservation.ErrSlotAlreadyBooked
				}
			}
		}
		a.UpdatedAt = v.s.now().UTC()
		v.s.appts[id] = a
		return nil
	})
}

func (v *Appointments) ListByPatient(ctx context.Context, patientID int64, order reservation.SortOrder) ([]reservation.Appointment, error) {
	var out []reservation.Appointment
	err := v.s.do(ctx, func() error {
		for _, a := range v.s.appts {
			if a.PatientID == patientID {
				out = append(out, a)
			}
		}
		return nil
	})
	sortAppointments(out, order)
	return out, err
}

func (v *Appointments) ListByDoctor(ctx context.Context, doctorID int64, f reservation.AppointmentFilter) ([]reservation.Appointment, error) {
	var out []reservation.Appointment
	err := v.s.do(ctx, func() error {
		for _, a := range v.s.appts {
			if a.DoctorID != doctorID {
				continue
			}
			if f.Status != "" && a.Status != f.Status {
				continue
			}
			if !f.From.IsZero() && a.Date.Before(reservation.Date(f.From)) {
				continue
			}
			if !f.To.IsZero() && a.Date.After(reservation.Date(f.To)) {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	sortAppointments(out, f.Order)
	return out, err
}
