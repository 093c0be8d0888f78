package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/clinic-booking/internal/reservation"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// errorCodes gives well-known failures a specific code; everything else is
// coded by kind.
var errorCodes = []struct {
	err  error
	code string
}{
	{reservation.ErrSlotNotFound, "slot_not_found"},
	{reservation.ErrAppointmentNotFound, "appointment_not_found"},
	{reservation.ErrPatientNotFound, "patient_not_found"},
	{reservation.ErrDoctorNotFound, "doctor_not_found"},
	{reservation.ErrSlotAlreadyBooked, "slot_already_booked"},
	{reservation.ErrSlotExists, "slot_exists"},
	{reservation.ErrSlotBusy, "slot_being_booked"},
	{reservation.ErrPastAppointment, "past_appointment"},
	{reservation.ErrInvalidStatus, "invalid_status"},
}

// writeReservationError maps a coordinator error onto the HTTP response.
// Internal and unavailable failures never leak their message.
func writeReservationError(w http.ResponseWriter, err error) {
	kind := reservation.KindOf(err)

	code := ""
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			code = ec.code
			break
		}
	}

	var status int
	switch kind {
	case reservation.KindNotFound:
		status = http.StatusNotFound
	case reservation.KindForbidden:
		status = http.StatusForbidden
	case reservation.KindConflict:
		status = http.StatusConflict
	case reservation.KindInvalidState:
		status = http.StatusUnprocessableEntity
	case reservation.KindInvalidInput:
		status = http.StatusBadRequest
	case reservation.KindUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry with a new request")
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if code == "" {
		code = string(kind)
	}
	writeError(w, status, code, err.Error())
}
