// Package audit records every reservation decision for compliance review.
// Recording is best effort: nothing here may slow down or fail the business
// transaction that produced the record.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	EntityAppointments = "Appointments"
	EntityAvailability = "DoctorAvailability"
)

const (
	ActionBookingSuccess            = "BOOKING_SUCCESS"
	ActionBookingFailed             = "BOOKING_FAILED"
	ActionCancelSuccess             = "CANCEL_APPOINTMENT_SUCCESS"
	ActionCancelFailed              = "CANCEL_APPOINTMENT_FAILED"
	ActionRescheduleSuccess         = "RESCHEDULE_APPOINTMENT_SUCCESS"
	ActionRescheduleFailed          = "RESCHEDULE_APPOINTMENT_FAILED"
	ActionCompleteSuccess           = "COMPLETE_APPOINTMENT_SUCCESS"
	ActionCompleteFailed            = "COMPLETE_APPOINTMENT_FAILED"
	ActionUpdateSuccess             = "UPDATE_APPOINTMENT_SUCCESS"
	ActionUpdateFailed              = "UPDATE_APPOINTMENT_FAILED"
	ActionUpdateInvalidStatus       = "UPDATE_APPOINTMENT_INVALID_STATUS"
	ActionAddAvailabilitySuccess    = "ADD_AVAILABILITY_SUCCESS"
	ActionAddAvailabilityFailed     = "ADD_AVAILABILITY_FAILED"
	ActionAddAvailabilityPartial    = "ADD_AVAILABILITY_PARTIAL_SUCCESS"
	ActionDeleteAvailabilitySuccess = "DELETE_AVAILABILITY_SUCCESS"
	ActionDeleteAvailabilityFailed  = "DELETE_AVAILABILITY_FAILED"
	ActionSlotReleaseAnomaly        = "SLOT_RELEASE_ANOMALY"
)

// Record is one row of the audit trail. ID and CreatedAt are assigned by the
// store on insert.
type Record struct {
	ID        int64           `json:"id,omitempty"`
	ActorID   *int64          `json:"actor_id,omitempty"`
	ActorRole string          `json:"actor_role,omitempty"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	EntityID  *int64          `json:"entity_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	ClientIP  string          `json:"client_ip,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// Sink accepts records without blocking and without reporting failure.
type Sink interface {
	Record(rec Record)
}

// Writer persists a single record.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// Details marshals v into a JSON details payload. Marshal failures produce a
// payload describing the failure rather than an error.
func Details(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}

// Int64 is a convenience for the optional id fields.
func Int64(v int64) *int64 {
	return &v
}

// MultiWriter fans a record out to every writer and joins their errors.
type MultiWriter []Writer

func (m MultiWriter) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(Record) {}
