package reservation

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrForbidden           = errors.New("operation not permitted for this actor")

	ErrSlotAlreadyBooked = errors.New("slot is already booked")
	ErrSlotExists        = errors.New("slot already exists")
	ErrSlotBusy          = errors.New("slot is currently being booked, please retry")

	ErrInvalidState    = errors.New("appointment is not in a state that allows this transition")
	ErrInvalidStatus   = errors.New("invalid appointment status")
	ErrPastAppointment = errors.New("past appointments cannot be cancelled")
	ErrInvalidInput    = errors.New("invalid input")

	ErrUnavailable = errors.New("reservation store unavailable, retry with a new transaction")
)

// Kind is the caller-visible error class.
type Kind string

const (
	KindNone         Kind = ""
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindInvalidInput Kind = "invalid_input"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// KindOf classifies err. Anything unrecognised is a transaction failure and
// reported as KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSlotNotFound),
		errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrDoctorNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrSlotAlreadyBooked),
		errors.Is(err, ErrSlotExists),
		errors.Is(err, ErrSlotBusy):
		return KindConflict
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrPastAppointment):
		return KindInvalidState
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
