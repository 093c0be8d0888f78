// Package memstore keeps slots and appointments in process memory. One
// mutex serializes every transaction, which stands in for row locks; a
// transaction that fails restores the snapshot taken when it began.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hackgods/clinic-booking/internal/reservation"
)

var (
	_ reservation.SlotStore        = (*Slots)(nil)
	_ reservation.AppointmentStore = (*Appointments)(nil)
	_ reservation.Transactor       = (*Store)(nil)
	_ reservation.IntegrityScanner = (*Store)(nil)
)

type Store struct {
	mu       sync.Mutex
	nextSlot int64
	nextAppt int64
	slots    map[int64]reservation.Slot
	appts    map[int64]reservation.Appointment
	faults   map[string]error
	now      func() time.Time
}

func New() *Store {
	return &Store{
		slots:  make(map[int64]reservation.Slot),
		appts:  make(map[int64]reservation.Appointment),
		faults: make(map[string]error),
		now:    time.Now,
	}
}

// Slots returns the store's reservation.SlotStore view.
func (s *Store) Slots() *Slots { return &Slots{s: s} }

// Appointments returns the store's reservation.AppointmentStore view.
func (s *Store) Appointments() *Appointments { return &Appointments{s: s} }

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// InTx holds the store lock for the whole of fn. Nested calls join the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", reservation.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slots, appts := s.snapshot()
	nextSlot, nextAppt := s.nextSlot, s.nextAppt

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.slots, s.appts = slots, appts
		s.nextSlot, s.nextAppt = nextSlot, nextAppt
		return err
	}
	return nil
}

// do runs fn under the store lock unless ctx already holds it.
func (s *Store) do(ctx context.Context, fn func() error) error {
	if s.inTx(ctx) {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) snapshot() (map[int64]reservation.Slot, map[int64]reservation.Appointment) {
	slots := make(map[int64]reservation.Slot, len(s.slots))
	for k, v := range s.slots {
		slots[k] = v
	}
	appts := make(map[int64]reservation.Appointment, len(s.appts))
	for k, v := range s.appts {
		appts[k] = v
	}
	return slots, appts
}

// FailNext makes the next call of the named store method return err.
// Method names are qualified by view, e.g. "Slots.SetBookedAt".
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	err := s.faults[method]
	delete(s.faults, method)
	return err
}

// RemoveSlotRow deletes a slot regardless of its booked flag, reproducing a
// row lost outside the coordinator.
func (s *Store) RemoveSlotRow(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, id)
}

// InsertRaw stores rows as given, bypassing every check. Zero ids are
// assigned.
func (s *Store) InsertRaw(slots []reservation.Slot, appts []reservation.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range slots {
		if sl.ID == 0 {
			s.nextSlot++
			sl.ID = s.nextSlot
		} else if sl.ID > s.nextSlot {
			s.nextSlot = sl.ID
		}
		s.slots[sl.ID] = sl
	}
	for _, a := range appts {
		if a.ID == 0 {
			s.nextAppt++
			a.ID = s.nextAppt
		} else if a.ID > s.nextAppt {
			s.nextAppt = a.ID
		}
		s.appts[a.ID] = a
	}
}

// Dump returns every slot and appointment ordered by id.
func (s *Store) Dump() ([]reservation.Slot, []reservation.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]reservation.Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })

	appts := make([]reservation.Appointment, 0, len(s.appts))
	for _, a := range s.appts {
		appts = append(appts, a)
	}
	sort.Slice(appts, func(i, j int) bool { return appts[i].ID < appts[j].ID })
	return slots, appts
}

func (s *Store) OrphanedSlots(ctx context.Context) ([]reservation.Slot, error) {
	var out []reservation.Slot
	err := s.do(ctx, func() error {
		backed := s.bookedKeys()
		for _, sl := range s.slots {
			if sl.Booked && !backed[keyOf(sl.Key())] {
				out = append(out, sl)
			}
		}
		return nil
	})
	sortSlots(out)
	return out, err
}

func (s *Store) UnbackedAppointments(ctx context.Context) ([]reservation.Appointment, error) {
	var out []reservation.Appointment
	err := s.do(ctx, func() error {
		booked := make(map[slotKey]bool)
		for _, sl := range s.slots {
			if sl.Booked {
				booked[keyOf(sl.Key())] = true
			}
		}
		for _, a := range s.appts {
			if a.Status == reservation.StatusBooked && !booked[keyOf(a.Key())] {
				out = append(out, a)
			}
		}
		return nil
	})
	sortAppointments(out, reservation.SortAsc)
	return out, err
}

// bookedKeys returns the tuples a booked slot may stand on. A completed
// visit keeps its slot.
func (s *Store) bookedKeys() map[slotKey]bool {
	keys := make(map[slotKey]bool)
	for _, a := range s.appts {
		if a.Status == reservation.StatusBooked || a.Status == reservation.StatusCompleted {
			keys[keyOf(a.Key())] = true
		}
	}
	return keys
}

// slotKey is comparable, unlike reservation.SlotKey whose time.Time may
// carry different locations for the same date.
type slotKey struct {
	doctorID int64
	date     string
	time     reservation.TimeOfDay
}

func keyOf(k reservation.SlotKey) slotKey {
	return slotKey{doctorID: k.DoctorID, date: k.Date.Format(time.DateOnly), time: k.Time}
}

func less(d1 time.Time, t1 reservation.TimeOfDay, d2 time.Time, t2 reservation.TimeOfDay) bool {
	if !d1.Equal(d2) {
		return d1.Before(d2)
	}
	return t1 < t2
}

func sortSlots(slots []reservation.Slot) {
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Date.Equal(b.Date) && a.Time == b.Time {
			return a.ID < b.ID
		}
		return less(a.Date, a.Time, b.Date, b.Time)
	})
}

func sortAppointments(appts []reservation.Appointment, order reservation.SortOrder) {
	sort.Slice(appts, func(i, j int) bool {
		a, b := appts[i], appts[j]
		if a.Date.Equal(b.Date) && a.Time == b.Time {
			return a.ID < b.ID
		}
		if order == reservation.SortDesc {
			return less(b.Date, b.Time, a.Date, a.Time)
		}
		return less(a.Date, a.Time, b.Date, b.Time)
	})
}
