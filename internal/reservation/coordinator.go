// Package reservation keeps doctor availability slots and appointments
// consistent. Every mutation runs inside one transaction that locks the rows
// it touches; audit records are emitted after the transaction has ended.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-booking/internal/audit"
	"github.com/hackgods/clinic-booking/internal/logger"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

const (
	opBook       = "book"
	opCancel     = "cancel"
	opReschedule = "reschedule"
	opComplete   = "complete"
	opSetStatus  = "set_status"
	opAddSlots   = "add_slots"
	opDeleteSlot = "delete_slot"
)

type Coordinator struct {
	slots   SlotStore
	appts   AppointmentStore
	tx      Transactor
	sink    audit.Sink
	guard   SlotGuard
	now     func() time.Time
	loc     *time.Location
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

type Option func(*Coordinator)

// WithSlotGuard enables the pre-transaction slot lock for Book and
// Reschedule.
func WithSlotGuard(g SlotGuard) Option {
	return func(c *Coordinator) { c.guard = g }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLocation sets the clinic time zone slot dates and times are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(slots SlotStore, appts AppointmentStore, tx Transactor, sink audit.Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		slots: slots,
		appts: appts,
		tx:    tx,
		sink:  sink,
		now:   time.Now,
		loc:   time.UTC,
		log:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = audit.Discard{}
	}
	c.log = logger.Component(c.log, "reservation")
	return c
}

// CancelOptions selects the guards a cancel call site applies.
type CancelOptions struct {
	// RejectPast refuses to cancel an appointment whose start has passed.
	RejectPast bool
}

// Book reserves slotID of doctorID for patientID. Patients book for
// themselves, so a zero patientID means the actor.
func (c *Coordinator) Book(ctx context.Context, actor Actor, doctorID, slotID, patientID int64) (appt *Appointment, err error) {
	defer c.observe(opBook, time.Now(), &err)

	if actor.Role == RolePatient && patientID == 0 {
		patientID = actor.ID
	}
	details := map[string]any{
		"doctor_id":       doctorID,
		"availability_id": slotID,
		"patient_id":      patientID,
	}
	defer func() {
		if err != nil {
			details["error"] = err.Error()
			c.record(actor, audit.ActionBookingFailed, audit.EntityAvailability, slotID, details)
			return
		}
		details["appointment_id"] = appt.ID
		c.record(actor, audit.ActionBookingSuccess, audit.EntityAppointments, appt.ID, details)
	}()

	switch actor.Role {
	case RolePatient:
		if patientID != actor.ID {
			return nil, ErrForbidden
		}
	case RoleAdmin:
		if patientID <= 0 {
			return nil, invalidInput("patient_id is required")
		}
	default:
		return nil, ErrForbidden
	}

	err = c.guarded(ctx, slotID, func(ctx context.Context) error {
		return c.tx.InTx(ctx, func(ctx context.Context) error {
			slot, err := c.slots.LockSlot(ctx, slotID, doctorID)
			if err != nil {
				return err
			}
			if slot.Booked {
				return ErrSlotAlreadyBooked
			}

			created, err := c.appts.Create(ctx, patientID, slot.DoctorID, SlotTime{Date: slot.Date, Time: slot.Time})
			if err != nil {
				return err
			}
			if err := c.slots.SetBooked(ctx, slot.ID, true); err != nil {
				return err
			}
			appt = created
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"appointment_id": appt.ID,
		"slot_id":        slotID,
		"patient_id":     patientID,
	}).Debug("appointment booked")
	return appt, nil
}

// Cancel moves a Booked appointment to Cancelled and frees its slot.
// Patients may only cancel their own appointments, doctors only those they
// attend.
func (c *Coordinator) Cancel(ctx context.Context, actor Actor, appointmentID int64, opts CancelOptions) (appt *Appointment, err error) {
	defer c.observe(opCancel, time.Now(), &err)

	var anomalies []SlotKey
	details := map[string]any{"reject_past": opts.RejectPast}
	defer func() {
		c.reportAnomalies(actor, appointmentID, opCancel, anomalies)
		if err != nil {
			details["error"] = err.Error()
			c.record(actor, audit.ActionCancelFailed, audit.EntityAppointments, appointmentID, details)
			return
		}
		c.record(actor, audit.ActionCancelSuccess, audit.EntityAppointments, appointmentID, details)
	}()

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		anomalies = nil

		locked, err := c.lockBooked(ctx, actor, appointmentID)
		if err != nil {
			return err
		}
		if opts.RejectPast && c.isPast(locked) {
			return ErrPastAppointment
		}

		if err := c.appts.SetStatus(ctx, locked.ID, StatusCancelled); err != nil {
			return err
		}
		freed, err := c.slots.SetBookedAt(ctx, locked.Key(), false)
		if err != nil {
			return err
		}
		if freed == 0 {
			anomalies = append(anomalies, locked.Key())
		}

		locked.Status = StatusCancelled
		appt = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	details["doctor_id"] = appt.DoctorID
	details["date"] = appt.Date.Format(time.DateOnly)
	details["time"] = appt.Time.String()
	return appt, nil
}

// Reschedule moves a Booked appointment onto newSlotID of the same doctor.
// The appointment, the new slot and the old slot change together or not at
// all.
func (c *Coordinator) Reschedule(ctx context.Context, actor Actor, appointmentID, newSlotID int64) (appt *Appointment, err error) {
	defer c.observe(opReschedule, time.Now(), &err)

	var anomalies []SlotKey
	details := map[string]any{"new_availability_id": newSlotID}
	defer func() {
		c.reportAnomalies(actor, appointmentID, opReschedule, anomalies)
		if err != nil {
			details["error"] = err.Error()
			c.record(actor, audit.ActionRescheduleFailed, audit.EntityAppointments, appointmentID, details)
			return
		}
		c.record(actor, audit.ActionRescheduleSuccess, audit.EntityAppointments, appointmentID, details)
	}()

	if actor.Role != RolePatient && actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	err = c.guarded(ctx, newSlotID, func(ctx context.Context) error {
		return c.tx.InTx(ctx, func(ctx context.Context) error {
			anomalies = nil

			locked, err := c.lockBooked(ctx, actor, appointmentID)
			if err != nil {
				return err
			}
			old := locked.Key()

			// a slot of another doctor is reported as missing
			slot, err := c.slots.LockSlot(ctx, newSlotID, locked.DoctorID)
			if err != nil {
				return err
			}
			if slot.Booked {
				return ErrSlotAlreadyBooked
			}

			at := SlotTime{Date: slot.Date, Time: slot.Time}
			if err := c.appts.SetDateTime(ctx, locked.ID, at); err != nil {
				return err
			}
			if err := c.slots.SetBooked(ctx, slot.ID, true); err != nil {
				return err
			}
			freed, err := c.slots.SetBookedAt(ctx, old, false)
			if err != nil {
				return err
			}
			if freed == 0 {
				anomalies = append(anomalies, old)
			}

			details["old_date"] = old.Date.Format(time.DateOnly)
			details["old_time"] = old.Time.String()
			locked.Date, locked.Time = slot.Date, slot.Time
			appt = locked
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	details["new_date"] = appt.Date.Format(time.DateOnly)
	details["new_time"] = appt.Time.String()
	return appt, nil
}

// CompleteVisit marks a Booked appointment Completed. The slot stays booked.
func (c *Coordinator) CompleteVisit(ctx context.Context, actor Actor, appointmentID int64) (appt *Appointment, err error) {
	defer c.observe(opComplete, time.Now(), &err)

	defer func() {
		if err != nil {
			c.record(actor, audit.ActionCompleteFailed, audit.EntityAppointments, appointmentID,
				map[string]any{"error": err.Error()})
			return
		}
		c.record(actor, audit.ActionCompleteSuccess, audit.EntityAppointments, appointmentID, nil)
	}()

	if actor.Role != RoleDoctor && actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		locked, err := c.lockBooked(ctx, actor, appointmentID)
		if err != nil {
			return err
		}
		if err := c.appts.SetStatus(ctx, locked.ID, StatusCompleted); err != nil {
			return err
		}
		locked.Status = StatusCompleted
		appt = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// SetStatus is the doctor's status override. The slot follows the new
// status: Cancelled frees it, Booked books it again, Completed leaves it.
func (c *Coordinator) SetStatus(ctx context.Context, actor Actor, appointmentID int64, status AppointmentStatus) (appt *Appointment, err error) {
	defer c.observe(opSetStatus, time.Now(), &err)

	var anomalies []SlotKey
	details := map[string]any{"status": string(status)}
	defer func() {
		c.reportAnomalies(actor, appointmentID, opSetStatus, anomalies)
		switch {
		case errors.Is(err, ErrInvalidStatus):
			c.record(actor, audit.ActionUpdateInvalidStatus, audit.EntityAppointments, appointmentID, details)
		case err != nil:
			details["error"] = err.Error()
			c.record(actor, audit.ActionUpdateFailed, audit.EntityAppointments, appointmentID, details)
		default:
			c.record(actor, audit.ActionUpdateSuccess, audit.EntityAppointments, appointmentID, details)
		}
	}()

	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if actor.Role != RoleDoctor && actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		anomalies = nil

		locked, err := c.lockBooked(ctx, actor, appointmentID)
		if err != nil {
			return err
		}
		if status != StatusBooked {
			if err := c.appts.SetStatus(ctx, locked.ID, status); err != nil {
				return err
			}
		}

		switch status {
		case StatusCancelled, StatusBooked:
			n, err := c.slots.SetBookedAt(ctx, locked.Key(), status == StatusBooked)
			if err != nil {
				return err
			}
			if n == 0 {
				anomalies = append(anomalies, locked.Key())
			}
		}

		locked.Status = status
		appt = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// lockBooked locks an appointment for a status transition. The patient path
// filters on owner and status in one step, so "missing", "not yours" and
// "not Booked" all read as ErrAppointmentNotFound. Staff paths lock by id
// and report a terminal status as ErrInvalidState.
func (c *Coordinator) lockBooked(ctx context.Context, actor Actor, appointmentID int64) (*Appointment, error) {
	var f LockFilter
	switch actor.Role {
	case RolePatient:
		f = LockFilter{PatientID: actor.ID, Status: StatusBooked}
	case RoleDoctor:
		f = LockFilter{DoctorID: actor.ID}
	case RoleAdmin:
	default:
		return nil, ErrForbidden
	}

	appt, err := c.appts.Lock(ctx, appointmentID, f)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusBooked {
		return nil, ErrInvalidState
	}
	return appt, nil
}

// guarded runs fn under the slot guard when one is configured. An
// unreachable guard backend is logged and skipped; the row lock still
// serializes the booking.
func (c *Coordinator) guarded(ctx context.Context, slotID int64, fn func(ctx context.Context) error) error {
	if c.guard == nil {
		return fn(ctx)
	}

	ran := false
	err := c.guard.WithSlotLock(ctx, slotID, func(ctx context.Context) error {
		ran = true
		return fn(ctx)
	})
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return ErrSlotBusy
	case !ran && errors.Is(err, redisclient.ErrLockUnavailable):
		c.log.WithError(err).WithField("slot_id", slotID).Warn("slot guard unavailable, relying on row lock")
		return fn(ctx)
	}
	return err
}

func (c *Coordinator) isPast(a *Appointment) bool {
	return At(a.Date, a.Time, c.loc).Before(c.now())
}

// reportAnomalies logs and audits slot releases that found no slot row.
func (c *Coordinator) reportAnomalies(actor Actor, appointmentID int64, op string, keys []SlotKey) {
	for _, k := range keys {
		c.log.WithFields(logrus.Fields{
			"appointment_id": appointmentID,
			"operation":      op,
			"doctor_id":      k.DoctorID,
			"date":           k.Date.Format(time.DateOnly),
			"time":           k.Time.String(),
		}).Warn("no slot row matches appointment")

		c.record(actor, audit.ActionSlotReleaseAnomaly, audit.EntityAppointments, appointmentID, map[string]any{
			"operation": op,
			"doctor_id": k.DoctorID,
			"date":      k.Date.Format(time.DateOnly),
			"time":      k.Time.String(),
		})
	}
}

func (c *Coordinator) record(actor Actor, action, entity string, entityID int64, details map[string]any) {
	rec := audit.Record{
		ActorRole: string(actor.Role),
		Action:    action,
		Entity:    entity,
		ClientIP:  actor.ClientIP,
	}
	if actor.ID != 0 {
		rec.ActorID = audit.Int64(actor.ID)
	}
	if entityID != 0 {
		rec.EntityID = audit.Int64(entityID)
	}
	if details != nil {
		rec.Details = audit.Details(details)
	}
	c.sink.Record(rec)
}

func (c *Coordinator) observe(op string, start time.Time, err *error) {
	c.metrics.ObserveOperation(op, outcome(*err), time.Since(start))
	if *err != nil && KindOf(*err) == KindInternal {
		c.log.WithError(*err).WithField("operation", op).Error("reservation failed")
	}
}
