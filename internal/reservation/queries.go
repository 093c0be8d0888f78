package reservation

import (
	"context"
	"time"
)

// Reads below run outside any transaction and may race with in-flight
// reservations.

// AvailableSlots lists unbooked slots of doctorID at or after from, or after
// now when from is zero. Open to every actor.
func (c *Coordinator) AvailableSlots(ctx context.Context, doctorID int64, from time.Time) ([]Slot, error) {
	if from.IsZero() {
		from = c.now()
	}
	local := from.In(c.loc)
	return c.slots.ListAvailable(ctx, doctorID, SlotTime{
		Date: Date(local),
		Time: NewTimeOfDay(local.Hour(), local.Minute()) + TimeOfDay(time.Duration(local.Second())*time.Second),
	})
}

func (c *Coordinator) DoctorSlots(ctx context.Context, actor Actor, doctorID int64, f SlotFilter) ([]Slot, error) {
	if err := c.authorizeDoctor(actor, doctorID); err != nil {
		return nil, err
	}
	return c.slots.ListByDoctor(ctx, doctorID, f)
}

// Appointment returns the appointment to its patient, its doctor or an
// admin. Anyone else sees ErrAppointmentNotFound.
func (c *Coordinator) Appointment(ctx context.Context, actor Actor, id int64) (*Appointment, error) {
	appt, err := c.appts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == RoleAdmin,
		actor.Role == RolePatient && appt.PatientID == actor.ID,
		actor.Role == RoleDoctor && appt.DoctorID == actor.ID:
		return appt, nil
	}
	return nil, ErrAppointmentNotFound
}

func (c *Coordinator) PatientAppointments(ctx context.Context, actor Actor, patientID int64, order SortOrder) ([]Appointment, error) {
	if actor.Role != RoleAdmin && !(actor.Role == RolePatient && actor.ID == patientID) {
		return nil, ErrForbidden
	}
	return c.appts.ListByPatient(ctx, patientID, order)
}

func (c *Coordinator) DoctorAppointments(ctx context.Context, actor Actor, doctorID int64, f AppointmentFilter) ([]Appointment, error) {
	if err := c.authorizeDoctor(actor, doctorID); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	return c.appts.ListByDoctor(ctx, doctorID, f)
}

// Now reports the coordinator clock in the clinic time zone.
func (c *Coordinator) Now() time.Time {
	return c.now().In(c.loc)
}
