package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/audit"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/reservation"
	"github.com/hackgods/clinic-booking/internal/reservation/memstore"
)

type testServer struct {
	handler http.Handler
	store   *memstore.Store
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, mutate func(cfg *RouterConfig)) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := memstore.New()
	m := metrics.New()

	clock := func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	coord := reservation.NewCoordinator(store.Slots(), store.Appointments(), store, audit.Discard{},
		reservation.WithClock(clock), reservation.WithLogger(log), reservation.WithMetrics(m))

	cfg := RouterConfig{
		Coordinator: coord,
		Metrics:     m,
		Logger:      log,
		Health:      NewHealthHandler("test", "v0"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testServer{handler: NewRouter(cfg), store: store, metrics: m}
}

func (s *testServer) slot(t *testing.T, doctorID int64, date string, hour int) int64 {
	t.Helper()
	d, err := reservation.ParseDate(date)
	require.NoError(t, err)
	sl, err := s.store.Slots().CreateSlot(context.Background(), doctorID, reservation.SlotTime{
		Date: d,
		Time: reservation.NewTimeOfDay(hour, 0),
	})
	require.NoError(t, err)
	return sl.ID
}

func (s *testServer) do(t *testing.T, method, path string, actor *reservation.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != nil {
		req.Header.Set(HeaderActorID, fmt.Sprint(actor.ID))
		req.Header.Set(HeaderActorRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	patient = &reservation.Actor{ID: 3, Role: reservation.RolePatient}
	other   = &reservation.Actor{ID: 4, Role: reservation.RolePatient}
	doctor  = &reservation.Actor{ID: 7, Role: reservation.RoleDoctor}
	admin   = &reservation.Actor{ID: 1, Role: reservation.RoleAdmin}
)

func TestBookingLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	slotID := s.slot(t, 7, "2024-06-10", 9)
	nextID := s.slot(t, 7, "2024-06-10", 10)

	rec := s.do(t, http.MethodPost, "/appointments", patient, BookRequest{DoctorID: 7, AvailabilityID: slotID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decodeBody[AppointmentResponse](t, rec)
	assert.Equal(t, "Booked", appt.Status)
	assert.Equal(t, "2024-06-10", appt.Date)
	assert.Equal(t, "09:00", appt.Time)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodPost, "/appointments", other, BookRequest{DoctorID: 7, AvailabilityID: slotID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_already_booked", decodeBody[ErrorResponse](t, rec).Error)

	path := fmt.Sprintf("/appointments/%d", appt.ID)
	rec = s.do(t, http.MethodGet, path, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/reschedule", patient, RescheduleRequest{AvailabilityID: nextID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "10:00", decodeBody[AppointmentResponse](t, rec).Time)

	rec = s.do(t, http.MethodPost, path+"/cancel", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Cancelled", decodeBody[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, path+"/cancel", patient, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/doctors/7/slots/available?from=2024-06-10T00:00:00Z", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]SlotResponse](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/patients/3/appointments?order=desc", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]AppointmentResponse](t, rec), 1)
}

func TestAdminCancelRejectsPast(t *testing.T) {
	s := newTestServer(t, nil)
	pastID := s.slot(t, 7, "2024-05-20", 9)

	rec := s.do(t, http.MethodPost, "/appointments", patient, BookRequest{DoctorID: 7, AvailabilityID: pastID})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decodeBody[AppointmentResponse](t, rec)
	path := fmt.Sprintf("/appointments/%d/cancel", appt.ID)

	rec = s.do(t, http.MethodPost, path, admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "past_appointment", decodeBody[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, path, patient, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDoctorEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	gen := GenerateSlotsRequest{
		StartDate:   "2024-06-03",
		EndDate:     "2024-06-05",
		Weekdays:    []int{1, 3},
		StartTime:   "09:00",
		EndTime:     "10:00",
		SlotMinutes: 30,
	}
	rec := s.do(t, http.MethodPost, "/doctors/7/slots/generate", doctor, gen)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[CreateSlotsResponse](t, rec)
	assert.Equal(t, 4, created.Created)
	assert.Zero(t, created.Failed)

	rec = s.do(t, http.MethodPost, "/doctors/7/slots/generate", doctor, gen)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 4, decodeBody[CreateSlotsResponse](t, rec).Failed)

	rec = s.do(t, http.MethodPost, "/doctors/7/slots", doctor, CreateSlotsRequest{Slots: []SlotTimeRequest{
		{Date: "2024-06-03", Time: "09:00"},
		{Date: "2024-06-03", Time: "11:00"},
	}})
	require.Equal(t, http.StatusCreated, rec.Code)
	partial := decodeBody[CreateSlotsResponse](t, rec)
	assert.Equal(t, 1, partial.Created)
	assert.Equal(t, 1, partial.Failed)

	gen.SlotMinutes = 3
	rec = s.do(t, http.MethodPost, "/doctors/7/slots/generate", doctor, gen)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/doctors/8/slots/generate", doctor, gen)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/doctors/7/slots?booked=false&from=2024-06-03&to=2024-06-03", doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decodeBody[[]SlotResponse](t, rec)
	require.Len(t, slots, 3)

	rec = s.do(t, http.MethodPost, "/appointments", patient, BookRequest{DoctorID: 7, AvailabilityID: slots[0].ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decodeBody[AppointmentResponse](t, rec)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/slots/%d", slots[0].ID), doctor, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/slots/%d", slots[1].ID), doctor, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/appointments/%d/status", appt.ID), doctor, StatusRequest{Status: "Later"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_status", decodeBody[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/complete", appt.ID), doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Completed", decodeBody[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/doctors/7/appointments?status=Completed", doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]AppointmentResponse](t, rec), 1)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/appointments", nil, BookRequest{DoctorID: 7, AvailabilityID: 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/appointments", patient, BookRequest{DoctorID: 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeBody[ErrorResponse](t, rec).Error)

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{"doctor_id":`))
	req.Header.Set(HeaderActorID, "3")
	req.Header.Set(HeaderActorRole, "Patient")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/appointments/1", nil)
	req.Header.Set(HeaderActorID, "3")
	req.Header.Set(HeaderActorRole, "Nurse")
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_actor", decodeBody[ErrorResponse](t, rr).Error)

	rec = s.do(t, http.MethodGet, "/appointments/abc", patient, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/doctors/7/slots/available?from=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteReservationError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{reservation.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
		{reservation.ErrForbidden, http.StatusForbidden, "forbidden"},
		{reservation.ErrSlotBusy, http.StatusConflict, "slot_being_booked"},
		{reservation.ErrInvalidState, http.StatusUnprocessableEntity, "invalid_state"},
		{fmt.Errorf("%w: lock timeout", reservation.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("%w: context deadline exceeded", context.DeadlineExceeded), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("pq: relation does not exist"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeReservationError(rec, tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		body := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, tt.code, body.Error)
		if tt.status == http.StatusServiceUnavailable {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			assert.NotContains(t, body.Details, "lock timeout")
		}
		if tt.status == http.StatusInternalServerError {
			assert.NotContains(t, body.Details, "relation")
		}
	}
}

func TestReadiness(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks []Check
		status int
		state  string
	}{
		{"all up", []Check{{Name: "postgres", Critical: true, Ping: up}, {Name: "redis", Ping: up}}, http.StatusOK, "ok"},
		{"redis down", []Check{{Name: "postgres", Critical: true, Ping: up}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"postgres down", []Check{{Name: "postgres", Critical: true, Ping: down}, {Name: "redis", Ping: up}}, http.StatusServiceUnavailable, "error"},
		{"no dependencies", nil, http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(cfg *RouterConfig) {
				cfg.Health = NewHealthHandler("test", "v0", tt.checks...)
			})
			rec := s.do(t, http.MethodGet, "/health/ready", nil, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.state, decodeBody[ReadinessResponse](t, rec).Status)
		})
	}

	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v0", decodeBody[LivenessResponse](t, rec).Version)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodGet, "/doctors/7/slots/available", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/doctors/7/slots/available", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// health probes are not limited
	rec = s.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"cloudflare wins", map[string]string{"CF-Connecting-IP": "203.0.113.9", "X-Forwarded-For": "198.51.100.1"}, "203.0.113.9"},
		{"first valid forwarded", map[string]string{"X-Forwarded-For": "unknown, 198.51.100.1, 10.0.0.1"}, "198.51.100.1"},
		{"real ip", map[string]string{"X-Forwarded-For": "garbage", "X-Real-IP": "2001:db8::1"}, "2001:db8::1"},
		{"remote addr", nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

type stubLister struct {
	got audit.Filter
}

func (l *stubLister) List(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	l.got = f
	return []audit.Record{{ID: 1, Action: audit.ActionBookingSuccess, Entity: audit.EntityAppointments}}, nil
}

func TestAuditLogs(t *testing.T) {
	lister := &stubLister{}
	s := newTestServer(t, func(cfg *RouterConfig) { cfg.AuditLog = lister })

	rec := s.do(t, http.MethodGet, "/admin/audit-logs", patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/audit-logs?action=BOOKING_SUCCESS&actor_id=3&limit=10&offset=20", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]audit.Record](t, rec), 1)
	assert.Equal(t, "BOOKING_SUCCESS", lister.got.Action)
	require.NotNil(t, lister.got.ActorID)
	assert.Equal(t, int64(3), *lister.got.ActorID)
	assert.Equal(t, 10, lister.got.Limit)
	assert.Equal(t, 20, lister.got.Offset)

	rec = s.do(t, http.MethodGet, "/admin/audit-logs?limit=-1", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// memory backend has no audit store
	s = newTestServer(t, nil)
	rec = s.do(t, http.MethodGet, "/admin/audit-logs", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/doctors/7/slots/available", nil, nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/doctors/{doctorID}/slots/available"`)
}
