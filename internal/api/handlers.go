package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-booking/internal/audit"
	"github.com/hackgods/clinic-booking/internal/reservation"
)

// AuditLister serves the admin audit listing.
type AuditLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

func bookHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		var req BookRequest
		if !decode(w, r, &req) {
			return
		}

		appt, err := c.Book(r.Context(), actor, req.DoctorID, req.AvailabilityID, req.PatientID)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func getAppointmentHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		appt, err := c.Appointment(r.Context(), actor, id)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func cancelHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		// only the admin screen refuses to cancel past visits
		opts := reservation.CancelOptions{RejectPast: actor.Role == reservation.RoleAdmin}
		appt, err := c.Cancel(r.Context(), actor, id, opts)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func rescheduleHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decode(w, r, &req) {
			return
		}

		appt, err := c.Reschedule(r.Context(), actor, id, req.AvailabilityID)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func completeHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		appt, err := c.CompleteVisit(r.Context(), actor, id)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func setStatusHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req StatusRequest
		if !decode(w, r, &req) {
			return
		}

		appt, err := c.SetStatus(r.Context(), actor, id, reservation.AppointmentStatus(req.Status))
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func availableSlotsHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}
		var from time.Time
		if raw := r.URL.Query().Get("from"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_from", "from must be an RFC3339 timestamp")
				return
			}
			from = t
		}

		slots, err := c.AvailableSlots(r.Context(), doctorID, from)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponses(slots))
	}
}

func doctorSlotsHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}

		var f reservation.SlotFilter
		q := r.URL.Query()
		if raw := q.Get("booked"); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_booked", "booked must be true or false")
				return
			}
			f.Booked = &b
		}
		if f.From, ok = queryDate(w, r, "from"); !ok {
			return
		}
		if f.To, ok = queryDate(w, r, "to"); !ok {
			return
		}

		slots, err := c.DoctorSlots(r.Context(), actor, doctorID, f)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponses(slots))
	}
}

func createSlotsHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}
		var req CreateSlotsRequest
		if !decode(w, r, &req) {
			return
		}

		times := make([]reservation.SlotTime, 0, len(req.Slots))
		for _, s := range req.Slots {
			date, err := reservation.ParseDate(s.Date)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
				return
			}
			at, err := reservation.ParseTimeOfDay(s.Time)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
				return
			}
			times = append(times, reservation.SlotTime{Date: date, Time: at})
		}

		results, err := c.CreateSlots(r.Context(), actor, doctorID, times)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeSlotResults(w, results)
	}
}

func generateSlotsHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}
		var req GenerateSlotsRequest
		if !decode(w, r, &req) {
			return
		}

		pattern, err := req.pattern()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_pattern", err.Error())
			return
		}

		results, err := c.GenerateAvailability(r.Context(), actor, doctorID, pattern)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeSlotResults(w, results)
	}
}

func (req GenerateSlotsRequest) pattern() (reservation.AvailabilityPattern, error) {
	var (
		p   reservation.AvailabilityPattern
		err error
	)
	if p.StartDate, err = reservation.ParseDate(req.StartDate); err != nil {
		return p, err
	}
	if p.EndDate, err = reservation.ParseDate(req.EndDate); err != nil {
		return p, err
	}
	if p.StartTime, err = reservation.ParseTimeOfDay(req.StartTime); err != nil {
		return p, err
	}
	if p.EndTime, err = reservation.ParseTimeOfDay(req.EndTime); err != nil {
		return p, err
	}
	for _, d := range req.Weekdays {
		p.Weekdays = append(p.Weekdays, time.Weekday(d))
	}
	p.SlotMinutes = req.SlotMinutes
	return p, nil
}

// writeSlotResults answers 201 when at least one slot was created and 409
// when every requested slot already existed.
func writeSlotResults(w http.ResponseWriter, results []reservation.SlotResult) {
	resp := toCreateSlotsResponse(results)
	status := http.StatusCreated
	if resp.Created == 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func deleteSlotHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		slotID, ok := pathID(w, r, "slotID")
		if !ok {
			return
		}

		if err := c.DeleteSlot(r.Context(), actor, slotID); err != nil {
			writeReservationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func patientAppointmentsHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		patientID, ok := pathID(w, r, "patientID")
		if !ok {
			return
		}

		order := reservation.ParseSortOrder(r.URL.Query().Get("order"))
		appts, err := c.PatientAppointments(r.Context(), actor, patientID, order)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponses(appts))
	}
}

func doctorAppointmentsHandler(c *reservation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}

		q := r.URL.Query()
		f := reservation.AppointmentFilter{
			Status: reservation.AppointmentStatus(q.Get("status")),
			Order:  reservation.ParseSortOrder(q.Get("order")),
		}
		if f.From, ok = queryDate(w, r, "from"); !ok {
			return
		}
		if f.To, ok = queryDate(w, r, "to"); !ok {
			return
		}

		appts, err := c.DoctorAppointments(r.Context(), actor, doctorID, f)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponses(appts))
	}
}

func auditLogsHandler(lister AuditLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		if actor.Role != reservation.RoleAdmin {
			writeReservationError(w, reservation.ErrForbidden)
			return
		}

		q := r.URL.Query()
		f := audit.Filter{
			Action: q.Get("action"),
			Entity: q.Get("entity"),
		}
		actorID, ok := queryInt(w, r, "actor_id")
		if !ok {
			return
		}
		if actorID > 0 {
			f.ActorID = audit.Int64(actorID)
		}
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset")
		if !ok {
			return
		}
		f.Limit, f.Offset = int(limit), int(offset)

		records, err := lister.List(r.Context(), f)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryDate(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := reservation.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a YYYY-MM-DD date")
		return time.Time{}, false
	}
	return t, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
