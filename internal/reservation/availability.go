package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/clinic-booking/internal/audit"
)

const maxPatternDays = 366

var validate = validator.New(validator.WithRequiredStructEnabled())

// AvailabilityPattern describes recurring availability: every listed weekday
// between StartDate and EndDate gets slots starting at StartTime and every
// SlotMinutes after it while the start is before EndTime.
type AvailabilityPattern struct {
	StartDate   time.Time      `validate:"required"`
	EndDate     time.Time      `validate:"required,gtefield=StartDate"`
	Weekdays    []time.Weekday `validate:"min=1,dive,min=0,max=6"`
	StartTime   TimeOfDay      `validate:"min=0"`
	EndTime     TimeOfDay      `validate:"gtfield=StartTime"`
	SlotMinutes int            `validate:"min=5,max=240"`
}

func (p AvailabilityPattern) Validate() error {
	if err := validate.Struct(p); err != nil {
		return invalidInput(validationMessage(err))
	}
	if !p.EndTime.Valid() {
		return invalidInput("end time must be before midnight")
	}
	if time.Duration(p.EndTime-p.StartTime) < p.step() {
		return invalidInput("time window is shorter than one slot")
	}
	if Date(p.EndDate).Sub(Date(p.StartDate)) > maxPatternDays*24*time.Hour {
		return invalidInput(fmt.Sprintf("date range exceeds %d days", maxPatternDays))
	}
	return nil
}

func (p AvailabilityPattern) step() time.Duration {
	return time.Duration(p.SlotMinutes) * time.Minute
}

// Expand lists the slot start times the pattern produces, in date then time
// order. It assumes the pattern is valid.
func (p AvailabilityPattern) Expand() []SlotTime {
	var days [7]bool
	for _, wd := range p.Weekdays {
		days[wd] = true
	}

	var out []SlotTime
	end := Date(p.EndDate)
	for d := Date(p.StartDate); !d.After(end); d = d.AddDate(0, 0, 1) {
		if !days[d.Weekday()] {
			continue
		}
		for t := p.StartTime; t < p.EndTime; t += TimeOfDay(p.step()) {
			out = append(out, SlotTime{Date: d, Time: t})
		}
	}
	return out
}

// GenerateAvailability expands pattern and creates the resulting slots for
// doctorID. Existing slots are reported per slot and do not stop the rest.
func (c *Coordinator) GenerateAvailability(ctx context.Context, actor Actor, doctorID int64, pattern AvailabilityPattern) ([]SlotResult, error) {
	err := c.authorizeDoctor(actor, doctorID)
	if err == nil {
		err = pattern.Validate()
	}
	if err != nil {
		c.observe(opAddSlots, time.Now(), &err)
		c.record(actor, audit.ActionAddAvailabilityFailed, audit.EntityAvailability, 0, map[string]any{
			"doctor_id": doctorID,
			"error":     err.Error(),
		})
		return nil, err
	}
	return c.CreateSlots(ctx, actor, doctorID, pattern.Expand())
}

// CreateSlots inserts unbooked slots for doctorID in one transaction. A
// duplicate tuple yields a result with ErrSlotExists; any other failure
// rolls back the whole batch.
func (c *Coordinator) CreateSlots(ctx context.Context, actor Actor, doctorID int64, times []SlotTime) (results []SlotResult, err error) {
	defer c.observe(opAddSlots, time.Now(), &err)

	defer func() {
		if err != nil {
			c.record(actor, audit.ActionAddAvailabilityFailed, audit.EntityAvailability, 0, map[string]any{
				"doctor_id": doctorID,
				"requested": len(times),
				"error":     err.Error(),
			})
			return
		}
		c.auditSlotResults(actor, doctorID, results)
	}()

	if err := c.authorizeDoctor(actor, doctorID); err != nil {
		return nil, err
	}
	if len(times) == 0 {
		return nil, invalidInput("no slots requested")
	}
	for _, st := range times {
		if st.Date.IsZero() || !st.Time.Valid() {
			return nil, invalidInput(fmt.Sprintf("invalid slot %s %s", st.Date.Format(time.DateOnly), st.Time))
		}
	}

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		results = make([]SlotResult, 0, len(times))
		for _, st := range times {
			at := SlotTime{Date: Date(st.Date), Time: st.Time}
			slot, err := c.slots.CreateSlot(ctx, doctorID, at)
			switch {
			case errors.Is(err, ErrSlotExists):
				results = append(results, SlotResult{Date: at.Date, Time: at.Time, Err: ErrSlotExists})
			case err != nil:
				return err
			default:
				results = append(results, SlotResult{Date: at.Date, Time: at.Time, Slot: slot})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) auditSlotResults(actor Actor, doctorID int64, results []SlotResult) {
	var created, failed int
	for _, r := range results {
		details := map[string]any{
			"doctor_id": doctorID,
			"date":      r.Date.Format(time.DateOnly),
			"time":      r.Time.String(),
		}
		if r.Err != nil {
			failed++
			details["error"] = r.Err.Error()
			c.record(actor, audit.ActionAddAvailabilityFailed, audit.EntityAvailability, 0, details)
			continue
		}
		created++
		c.record(actor, audit.ActionAddAvailabilitySuccess, audit.EntityAvailability, r.Slot.ID, details)
	}
	if failed > 0 && created > 0 {
		c.record(actor, audit.ActionAddAvailabilityPartial, audit.EntityAvailability, 0, map[string]any{
			"doctor_id": doctorID,
			"created":   created,
			"failed":    failed,
		})
	}
}

// DeleteSlot removes an unbooked slot. Doctors may only delete their own.
func (c *Coordinator) DeleteSlot(ctx context.Context, actor Actor, slotID int64) (err error) {
	defer c.observe(opDeleteSlot, time.Now(), &err)

	defer func() {
		if err != nil {
			c.record(actor, audit.ActionDeleteAvailabilityFailed, audit.EntityAvailability, slotID,
				map[string]any{"error": err.Error()})
			return
		}
		c.record(actor, audit.ActionDeleteAvailabilitySuccess, audit.EntityAvailability, slotID, nil)
	}()

	var doctorID int64
	switch actor.Role {
	case RoleDoctor:
		doctorID = actor.ID
	case RoleAdmin:
	default:
		return ErrForbidden
	}

	return c.tx.InTx(ctx, func(ctx context.Context) error {
		slot, err := c.slots.LockSlot(ctx, slotID, doctorID)
		if err != nil {
			return err
		}
		if slot.Booked {
			return ErrSlotAlreadyBooked
		}
		return c.slots.DeleteSlot(ctx, slot.ID)
	})
}

// authorizeDoctor allows the doctor themselves or an admin.
func (c *Coordinator) authorizeDoctor(actor Actor, doctorID int64) error {
	switch {
	case actor.Role == RoleAdmin:
		return nil
	case actor.Role == RoleDoctor && actor.ID == doctorID:
		return nil
	}
	return ErrForbidden
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
