package memstore

import (
	"context"

	"github.com/hackgods/clinic-booking/internal/reservation"
)

type Slots struct {
	s *Store
}

func (v *Slots) GetSlot(ctx context.Context, id int64) (*reservation.Slot, error) {
	var out *reservation.Slot
	err := v.s.do(ctx, func() error {
		sl, ok := v.s.slots[id]
		if !ok {
			return reservation.ErrSlotNotFound
		}
		out = &sl
		return nil
	})
	return out, err
}

func (v *Slots) FindSlot(ctx context.Context, key reservation.SlotKey) (*reservation.Slot, error) {
	var out *reservation.Slot
	err := v.s.do(ctx, func() error {
		want := keyOf(key)
		for _, sl := range v.s.slots {
			if keyOf(sl.Key()) == want {
				out = &sl
				return nil
			}
		}
		return reservation.ErrSlotNotFound
	})
	return out, err
}

func (v *Slots) LockSlot(ctx context.Context, id, doctorID int64) (*reservation.Slot, error) {
	var out *reservation.Slot
	err := v.s.do(ctx, func() error {
		if err := v.s.fault("Slots.LockSlot"); err != nil {
			return err
		}
		sl, ok := v.s.slots[id]
		if !ok || (doctorID != 0 && sl.DoctorID != doctorID) {
			return reservation.ErrSlotNotFound
		}
		out = &sl
		return nil
	})
	return out, err
}

func (v *Slots) SetBooked(ctx context.Context, id int64, booked bool) error {
	return v.s.do(ctx, func() error {
		if err := v.s.fault("Slots.SetBooked"); err != nil {
			return err
		}
		sl, ok := v.s.slots[id]
		if !ok {
			return reservation.ErrSlotNotFound
		}
		sl.Booked = booked
		v.s.slots[id] = sl
		return nil
	})
}

func (v *Slots) SetBookedAt(ctx context.Context, key reservation.SlotKey, booked bool) (int64, error) {
	var n int64
	err := v.s.do(ctx, func() error {
		if err := v.s.fault("Slots.SetBookedAt"); err != nil {
			return err
		}
		want := keyOf(key)
		for id, sl := range v.s.slots {
			if keyOf(sl.Key()) == want {
				sl.Booked = booked
				v.s.slots[id] = sl
				n++
			}
		}
		return nil
	})
	return n, err
}

func (v *Slots) ListAvailable(ctx context.Context, doctorID int64, from reservation.SlotTime) ([]reservation.Slot, error) {
	var out []reservation.Slot
	fromDate := reservation.Date(from.Date)
	err := v.s.do(ctx, func() error {
		for _, sl := range v.s.slots {
			if sl.DoctorID != doctorID || sl.Booked {
				continue
			}
			if less(sl.Date, sl.Time, fromDate, from.Time) {
				continue
			}
			out = append(out, sl)
		}
		return nil
	})
	sortSlots(out)
	return out, err
}

func (v *Slots) ListByDoctor(ctx context.Context, doctorID int64, f reservation.SlotFilter) ([]reservation.Slot, error) {
	var out []reservation.Slot
	err := v.s.do(ctx, func() error {
		for _, sl := range v.s.slots {
			if sl.DoctorID != doctorID {
				continue
			}
			if f.Booked != nil && sl.Booked != *f.Booked {
				continue
			}
			if !f.From.IsZero() && sl.Date.Before(reservation.Date(f.From)) {
				continue
			}
			if !f.To.IsZero() && sl.Date.After(reservation.Date(f.To)) {
				continue
			}
			out = append(out, sl)
		}
		return nil
	})
	sortSlots(out)
	return out, err
}

func (v *Slots) CreateSlot(ctx context.Context, doctorID int64, at reservation.SlotTime) (*reservation.Slot, error) {
	var out *reservation.Slot
	err := v.s.do(ctx, func() error {
		if err := v.s.fault("Slots.CreateSlot"); err != nil {
			return err
		}
		key := reservation.SlotKey{DoctorID: doctorID, Date: reservation.Date(at.Date), Time: at.Time}
		want := keyOf(key)
		for _, sl := range v.s.slots {
			if keyOf(sl.Key()) == want {
				return reservation.ErrSlotExists
			}
		}

		v.s.nextSlot++
		sl := reservation.Slot{ID: v.s.nextSlot, DoctorID: doctorID, Date: key.Date, Time: key.Time}
		v.s.slots[sl.ID] = sl
		out = &sl
		return nil
	})
	return out, err
}

func (v *Slots) DeleteSlot(ctx context.Context, id int64) error {
	return v.s.do(ctx, func() error {
		sl, ok := v.s.slots[id]
		if !ok {
			return reservation.ErrSlotNotFound
		}
		if sl.Booked {
			return reservation.ErrSlotAlreadyBooked
		}
		delete(v.s.slots, id)
		return nil
	})
}
