package reservation

import (
	"context"
	"time"
)

// SlotStore owns doctor availability. Lock methods must be called inside a
// transaction started by a Transactor and hold the row until it ends.
type SlotStore interface {
	GetSlot(ctx context.Context, id int64) (*Slot, error)
	FindSlot(ctx context.Context, key SlotKey) (*Slot, error)

	// LockSlot locks the slot with id. A non-zero doctorID must match the
	// slot's doctor, otherwise ErrSlotNotFound is returned.
	LockSlot(ctx context.Context, id, doctorID int64) (*Slot, error)

	SetBooked(ctx context.Context, id int64, booked bool) error

	// SetBookedAt flips the slot matching key and reports how many rows
	// changed. Zero means no slot exists at that tuple.
	SetBookedAt(ctx context.Context, key SlotKey, booked bool) (int64, error)

	ListAvailable(ctx context.Context, doctorID int64, from SlotTime) ([]Slot, error)
	ListByDoctor(ctx context.Context, doctorID int64, f SlotFilter) ([]Slot, error)

	// CreateSlot inserts an unbooked slot or fails with ErrSlotExists.
	CreateSlot(ctx context.Context, doctorID int64, at SlotTime) (*Slot, error)

	// DeleteSlot removes an unbooked slot. Booked slots fail with
	// ErrSlotAlreadyBooked.
	DeleteSlot(ctx context.Context, id int64) error
}

// AppointmentStore owns appointment records. Appointments are never deleted.
type AppointmentStore interface {
	Create(ctx context.Context, patientID, doctorID int64, at SlotTime) (*Appointment, error)
	Get(ctx context.Context, id int64) (*Appointment, error)

	// Lock locks the appointment with id when it matches every non-zero
	// field of f, otherwise it returns ErrAppointmentNotFound.
	Lock(ctx context.Context, id int64, f LockFilter) (*Appointment, error)

	SetStatus(ctx context.Context, id int64, status AppointmentStatus) error
	SetDateTime(ctx context.Context, id int64, at SlotTime) error

	ListByPatient(ctx context.Context, patientID int64, order SortOrder) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID int64, f AppointmentFilter) ([]Appointment, error)
}

// Transactor runs fn atomically. Stores called with the context handed to fn
// join the transaction; any error returned by fn rolls everything back.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SlotGuard is an optional lock taken before the transaction to shed
// contention on hot slots. It never replaces the row lock.
type SlotGuard interface {
	WithSlotLock(ctx context.Context, slotID int64, fn func(ctx context.Context) error) error
}

// IntegrityScanner finds rows breaking the slot/appointment relationship.
type IntegrityScanner interface {
	OrphanedSlots(ctx context.Context) ([]Slot, error)
	UnbackedAppointments(ctx context.Context) ([]Appointment, error)
}

type LockFilter struct {
	PatientID int64
	DoctorID  int64
	Status    AppointmentStatus
}

type SlotFilter struct {
	Booked *bool
	From   time.Time
	To     time.Time
}

type AppointmentFilter struct {
	Status AppointmentStatus
	From   time.Time
	To     time.Time
	Order  SortOrder
}
