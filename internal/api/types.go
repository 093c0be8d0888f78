package api

import (
	"time"

	"github.com/hackgods/clinic-booking/internal/reservation"
)

type BookRequest struct {
	DoctorID       int64 `json:"doctor_id" validate:"required,gt=0"`
	AvailabilityID int64 `json:"availability_id" validate:"required,gt=0"`
	PatientID      int64 `json:"patient_id,omitempty" validate:"gte=0"`
}

type RescheduleRequest struct {
	AvailabilityID int64 `json:"availability_id" validate:"required,gt=0"`
}

// StatusRequest is checked by the coordinator so unknown values are audited.
type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type SlotTimeRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Time string `json:"time" validate:"required"`
}

type CreateSlotsRequest struct {
	Slots []SlotTimeRequest `json:"slots" validate:"required,min=1,max=500,dive"`
}

type GenerateSlotsRequest struct {
	StartDate   string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Weekdays    []int  `json:"weekdays" validate:"required,min=1,max=7,dive,min=0,max=6"`
	StartTime   string `json:"start_time" validate:"required"`
	EndTime     string `json:"end_time" validate:"required"`
	SlotMinutes int    `json:"slot_minutes" validate:"required"`
}

type SlotResponse struct {
	ID       int64  `json:"availability_id"`
	DoctorID int64  `json:"doctor_id"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Booked   bool   `json:"is_booked"`
}

type SlotResultResponse struct {
	Date  string        `json:"date"`
	Time  string        `json:"time"`
	Slot  *SlotResponse `json:"slot,omitempty"`
	Error string        `json:"error,omitempty"`
}

type CreateSlotsResponse struct {
	Created int                  `json:"created"`
	Failed  int                  `json:"failed"`
	Results []SlotResultResponse `json:"results"`
}

type AppointmentResponse struct {
	ID        int64     `json:"appointment_id"`
	PatientID int64     `json:"patient_id"`
	DoctorID  int64     `json:"doctor_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s reservation.Slot) SlotResponse {
	return SlotResponse{
		ID:       s.ID,
		DoctorID: s.DoctorID,
		Date:     s.Date.Format(time.DateOnly),
		Time:     s.Time.String(),
		Booked:   s.Booked,
	}
}

func toSlotResponses(slots []reservation.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func toAppointmentResponse(a reservation.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		Date:      a.Date.Format(time.DateOnly),
		Time:      a.Time.String(),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toAppointmentResponses(appts []reservation.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

func toCreateSlotsResponse(results []reservation.SlotResult) CreateSlotsResponse {
	resp := CreateSlotsResponse{Results: make([]SlotResultResponse, 0, len(results))}
	for _, r := range results {
		item := SlotResultResponse{
			Date: r.Date.Format(time.DateOnly),
			Time: r.Time.String(),
		}
		if r.Err != nil {
			item.Error = r.Err.Error()
			resp.Failed++
		} else if r.Slot != nil {
			s := toSlotResponse(*r.Slot)
			item.Slot = &s
			resp.Created++
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}
