package reservation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/audit"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/reservation"
	"github.com/hackgods/clinic-booking/internal/reservation/memstore"
)

var (
	patient3 = reservation.Actor{ID: 3, Role: reservation.RolePatient, ClientIP: "10.0.0.3"}
	patient4 = reservation.Actor{ID: 4, Role: reservation.RolePatient}
	doctor7  = reservation.Actor{ID: 7, Role: reservation.RoleDoctor}
	doctor8  = reservation.Actor{ID: 8, Role: reservation.RoleDoctor}
	admin    = reservation.Actor{ID: 1, Role: reservation.RoleAdmin}

	june1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Record(rec audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Action)
	}
	return out
}

func (s *recordingSink) last() audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

type fixture struct {
	store *memstore.Store
	coord *reservation.Coordinator
	sink  *recordingSink
	hook  *test.Hook
}

func newFixture(t *testing.T, opts ...reservation.Option) *fixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	store := memstore.New()
	sink := &recordingSink{}

	// a clock before every slot used in these tests
	clock := func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	opts = append([]reservation.Option{reservation.WithLogger(log), reservation.WithClock(clock)}, opts...)

	return &fixture{
		store: store,
		coord: reservation.NewCoordinator(store.Slots(), store.Appointments(), store, sink, opts...),
		sink:  sink,
		hook:  hook,
	}
}

// slot creates an unbooked slot for doctorID directly in the store.
func (f *fixture) slot(t *testing.T, doctorID int64, date time.Time, hour, minute int) reservation.Slot {
	t.Helper()
	s, err := f.store.Slots().CreateSlot(context.Background(), doctorID, reservation.SlotTime{
		Date: date,
		Time: reservation.NewTimeOfDay(hour, minute),
	})
	require.NoError(t, err)
	return *s
}

func (f *fixture) getSlot(t *testing.T, id int64) reservation.Slot {
	t.Helper()
	s, err := f.store.Slots().GetSlot(context.Background(), id)
	require.NoError(t, err)
	return *s
}

func (f *fixture) getAppt(t *testing.T, id int64) reservation.Appointment {
	t.Helper()
	a, err := f.store.Appointments().Get(context.Background(), id)
	require.NoError(t, err)
	return *a
}

func (f *fixture) requireIntegrity(t *testing.T) {
	t.Helper()
	report, err := reservation.CheckIntegrity(context.Background(), f.store)
	require.NoError(t, err)
	require.True(t, report.OK(), "orphaned=%v unbacked=%v", report.OrphanedSlots, report.UnbackedAppointments)
}

func TestBookThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, 7, june1, 9, 0)

	appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), appt.PatientID)
	assert.Equal(t, int64(7), appt.DoctorID)
	assert.Equal(t, june1, appt.Date)
	assert.Equal(t, "09:00", appt.Time.String())
	assert.Equal(t, reservation.StatusBooked, appt.Status)
	assert.True(t, f.getSlot(t, s.ID).Booked)
	f.requireIntegrity(t)

	cancelled, err := f.coord.Cancel(ctx, patient3, appt.ID, reservation.CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCancelled, cancelled.Status)
	assert.Equal(t, reservation.StatusCancelled, f.getAppt(t, appt.ID).Status)
	assert.False(t, f.getSlot(t, s.ID).Booked)
	f.requireIntegrity(t)

	assert.Equal(t, []string{audit.ActionBookingSuccess, audit.ActionCancelSuccess}, f.sink.actions())
	rec := f.sink.last()
	require.NotNil(t, rec.ActorID)
	assert.Equal(t, int64(3), *rec.ActorID)
	assert.Equal(t, "Patient", rec.ActorRole)
	assert.Equal(t, "10.0.0.3", rec.ClientIP)
}

func TestBook_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, 7, june1, 9, 0)
	other := f.slot(t, 8, june1, 9, 0)

	_, err := f.coord.Book(ctx, patient3, 7, 999, 0)
	assert.ErrorIs(t, err, reservation.ErrSlotNotFound)
	assert.Equal(t, reservation.KindNotFound, reservation.KindOf(err))

	_, err = f.coord.Book(ctx, patient3, 7, other.ID, 0)
	assert.ErrorIs(t, err, reservation.ErrSlotNotFound, "slot of another doctor")

	_, err = f.coord.Book(ctx, patient3, 7, s.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.Book(ctx, patient4, 7, s.ID, 0)
	assert.ErrorIs(t, err, reservation.ErrSlotAlreadyBooked)
	assert.Equal(t, reservation.KindConflict, reservation.KindOf(err))

	_, err = f.coord.Book(ctx, patient3, 8, other.ID, 4)
	assert.ErrorIs(t, err, reservation.ErrForbidden, "patients book for themselves")

	_, err = f.coord.Book(ctx, doctor8, 8, other.ID, 3)
	assert.ErrorIs(t, err, reservation.ErrForbidden)

	_, err = f.coord.Book(ctx, admin, 8, other.ID, 0)
	assert.ErrorIs(t, err, reservation.ErrInvalidInput)

	assert.Equal(t, audit.ActionBookingFailed, f.sink.last().Action)
	assert.Contains(t, string(f.sink.last().Details), "patient_id is required")
	f.requireIntegrity(t)
}

func TestBook_AdminOnBehalfOfPatient(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, 7, june1, 10, 30)

	appt, err := f.coord.Book(context.Background(), admin, 7, s.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), appt.PatientID)
	f.requireIntegrity(t)
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, 7, june1, 9, 0)

	const callers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(patientID int64) {
			defer wg.Done()
			actor := reservation.Actor{ID: patientID, Role: reservation.RolePatient}
			_, err := f.coord.Book(context.Background(), actor, 7, s.ID, 0)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, reservation.ErrSlotAlreadyBooked):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(100 + i))
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)

	_, appts := f.store.Dump()
	require.Len(t, appts, 1)
	assert.Equal(t, reservation.StatusBooked, appts[0].Status)
	assert.True(t, f.getSlot(t, s.ID).Booked)
	f.requireIntegrity(t)
}

func TestCancel_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, 7, june1, 9, 0)
	appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, patient3, appt.ID, reservation.CancelOptions{})
	require.NoError(t, err)

	// someone else books the freed slot before the second cancel
	again, err := f.coord.Book(ctx, patient4, 7, s.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, patient3, appt.ID, reservation.CancelOptions{})
	assert.ErrorIs(t, err, reservation.ErrAppointmentNotFound)
	assert.True(t, f.getSlot(t, s.ID).Booked, "second cancel must not free the slot")
	assert.Equal(t, reservation.StatusBooked, f.getAppt(t, again.ID).Status)

	_, err = f.coord.Cancel(ctx, admin, appt.ID, reservation.CancelOptions{})
	assert.ErrorIs(t, err, reservation.ErrInvalidState, "staff paths report the terminal status")
	f.requireIntegrity(t)
}

func TestCancel_Ownership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, 7, june1, 9, 0)
	appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, patient4, appt.ID, reservation.CancelOptions{})
	assert.ErrorIs(t, err, reservation.ErrAppointmentNotFound)

	_, err = f.coord.Cancel(ctx, doctor8, appt.ID, reservation.CancelOptions{})
	assert.ErrorIs(t, err, reservation.ErrAppointmentNotFound)

	_, err = f.coord.Cancel(ctx, doctor7, appt.ID, reservation.CancelOptions{})
	require.NoError(t, err)
	assert.False(t, f.getSlot(t, s.ID).Booked)
}

func TestCancel_PastGuard(t *testing.T) {
	f := newFixture(t, reservation.WithClock(func() time.Time {
		return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	}))
	ctx := context.Background()
	past := f.slot(t, 7, june1, 9, 0)
	future := f.slot(t, 7, june1, 10, 0)

	a1, err := f.coord.Book(ctx, patient3, 7, past.ID, 0)
	require.NoError(t, err)
	a2, err := f.coord.Book(ctx, patient3, 7, future.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, admin, a1.ID, reservation.CancelOptions{RejectPast: true})
	assert.ErrorIs(t, err, reservation.ErrPastAppointment)
	assert.Equal(t, reservation.KindInvalidState, reservation.KindOf(err))
	assert.True(t, f.getSlot(t, past.ID).Booked)
	assert.Equal(t, audit.ActionCancelFailed, f.sink.last().Action)

	_, err = f.coord.Cancel(ctx, admin, a2.ID, reservation.CancelOptions{RejectPast: true})
	require.NoError(t, err)

	// the self-service path has no past guard
	_, err = f.coord.Cancel(ctx, patient3, a1.ID, reservation.CancelOptions{})
	require.NoError(t, err)
	f.requireIntegrity(t)
}

func TestCancel_MissingSlotRowIsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, 7, june1, 9, 0)
	appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
	require.NoError(t, err)

	f.store.RemoveSlotRow(s.ID)

	_, err = f.coord.Cancel(ctx, patient3, appt.ID, reservation.CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCancelled, f.getAppt(t, appt.ID).Status)

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["appointment_id"] == appt.ID {
			warned = true
			assert.Equal(t, "2024-06-01", e.Data["date"])
			assert.Equal(t, "09:00", e.Data["time"])
		}
	}
	assert.True(t, warned, "missing slot row should be logged")
	assert.Contains(t, f.sink.actions(), audit.ActionSlotReleaseAnomaly)
	assert.Equal(t, audit.ActionCancelSuccess, f.sink.last().Action)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.slot(t, 7, june1, 9, 0)
	b := f.slot(t, 7, june1.AddDate(0, 0, 1), 14, 15)

	appt, err := f.coord.Book(ctx, patient3, 7, a.ID, 0)
	require.NoError(t, err)

	moved, err := f.coord.Reschedule(ctx, patient3, appt.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, moved.ID)
	assert.Equal(t, reservation.StatusBooked, moved.Status)

	stored := f.getAppt(t, appt.ID)
	assert.Equal(t, b.Date, stored.Date)
	assert.Equal(t, b.Time, stored.Time)
	assert.Equal(t, reservation.StatusBooked, stored.Status)
	assert.False(t, f.getSlot(t, a.ID).Booked)
	assert.True(t, f.getSlot(t, b.ID).Booked)
	assert.Equal(t, audit.ActionRescheduleSuccess, f.sink.last().Action)
	f.requireIntegrity(t)
}

func TestReschedule_TargetBookedLeavesEverythingUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.slot(t, 7, june1, 9, 0)
	b := f.slot(t, 7, june1, 9, 30)

	appt, err := f.coord.Book(ctx, patient3, 7, a.ID, 0)
	require.NoError(t, err)
	_, err = f.coord.Book(ctx, patient4, 7, b.ID, 0)
	require.NoError(t, err)

	slotsBefore, apptsBefore := f.store.Dump()

	_, err = f.coord.Reschedule(ctx, patient3, appt.ID, b.ID)
	assert.ErrorIs(t, err, reservation.ErrSlotAlreadyBooked)

	slotsAfter, apptsAfter := f.store.Dump()
	assert.Equal(t, slotsBefore, slotsAfter)
	assert.Equal(t, apptsBefore, apptsAfter)
	assert.Equal(t, audit.ActionRescheduleFailed, f.sink.last().Action)
}

func TestReschedule_LateFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.slot(t, 7, june1, 9, 0)
	b := f.slot(t, 7, june1, 11, 0)

	appt, err := f.coord.Book(ctx, patient3, 7, a.ID, 0)
	require.NoError(t, err)

	slotsBefore, apptsBefore := f.store.Dump()

	// the old slot release is the last of the three writes
	f.store.FailNext("Slots.SetBookedAt", errors.New("connection reset"))
	_, err = f.coord.Reschedule(ctx, patient3, appt.ID, b.ID)
	require.Error(t, err)
	assert.Equal(t, reservation.KindInternal, reservation.KindOf(err))

	slotsAfter, apptsAfter := f.store.Dump()
	assert.Equal(t, slotsBefore, slotsAfter)
	assert.Equal(t, apptsBefore, apptsAfter)
	f.requireIntegrity(t)

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["operation"] == "reschedule" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestReschedule_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.slot(t, 7, june1, 9, 0)
	foreign := f.slot(t, 8, june1, 10, 0)
	b := f.slot(t, 7, june1, 10, 0)

	appt, err := f.coord.Book(ctx, patient3, 7, a.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.Reschedule(ctx, patient3, appt.ID, foreign.ID)
	assert.ErrorIs(t, err, reservation.ErrSlotNotFound, "slots of another doctor are invisible")

	_, err = f.coord.Reschedule(ctx, doctor7, appt.ID, b.ID)
	assert.ErrorIs(t, err, reservation.ErrForbidden)

	_, err = f.coord.Reschedule(ctx, patient4, appt.ID, b.ID)
	assert.ErrorIs(t, err, reservation.ErrAppointmentNotFound)

	_, err = f.coord.Reschedule(ctx, admin, appt.ID, b.ID)
	require.NoError(t, err)
	f.requireIntegrity(t)
}

func TestCompleteVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, 7, june1, 9, 0)
	appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
	require.NoError(t, err)

	_, err = f.coord.CompleteVisit(ctx, patient3, appt.ID)
	assert.ErrorIs(t, err, reservation.ErrForbidden)

	_, err = f.coord.CompleteVisit(ctx, doctor8, appt.ID)
	assert.ErrorIs(t, err, reservation.ErrAppointmentNotFound)

	done, err := f.coord.CompleteVisit(ctx, doctor7, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCompleted, done.Status)
	assert.True(t, f.getSlot(t, s.ID).Booked, "completed visits keep their slot")
	f.requireIntegrity(t)

	_, err = f.coord.CompleteVisit(ctx, doctor7, appt.ID)
	assert.ErrorIs(t, err, reservation.ErrInvalidState)

	_, err = f.coord.Cancel(ctx, patient3, appt.ID, reservation.CancelOptions{})
	assert.ErrorIs(t, err, reservation.ErrAppointmentNotFound)
	assert.True(t, f.getSlot(t, s.ID).Booked)

	assert.Equal(t, audit.ActionCompleteSuccess, f.sink.actions()[3])
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled frees the slot", func(t *testing.T) {
		f := newFixture(t)
		s := f.slot(t, 7, june1, 9, 0)
		appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
		require.NoError(t, err)

		got, err := f.coord.SetStatus(ctx, doctor7, appt.ID, reservation.StatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, reservation.StatusCancelled, got.Status)
		assert.False(t, f.getSlot(t, s.ID).Booked)
		f.requireIntegrity(t)
	})

	t.Run("completed keeps the slot", func(t *testing.T) {
		f := newFixture(t)
		s := f.slot(t, 7, june1, 9, 0)
		appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
		require.NoError(t, err)

		_, err = f.coord.SetStatus(ctx, admin, appt.ID, reservation.StatusCompleted)
		require.NoError(t, err)
		assert.True(t, f.getSlot(t, s.ID).Booked)
		assert.Equal(t, audit.ActionUpdateSuccess, f.sink.last().Action)
		f.requireIntegrity(t)
	})

	t.Run("booked re-books the slot", func(t *testing.T) {
		f := newFixture(t)
		s := f.slot(t, 7, june1, 9, 0)
		appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
		require.NoError(t, err)
		require.NoError(t, f.store.Slots().SetBooked(ctx, s.ID, false))

		_, err = f.coord.SetStatus(ctx, doctor7, appt.ID, reservation.StatusBooked)
		require.NoError(t, err)
		assert.True(t, f.getSlot(t, s.ID).Booked)
		assert.Equal(t, reservation.StatusBooked, f.getAppt(t, appt.ID).Status)
		f.requireIntegrity(t)
	})

	t.Run("terminal status cannot change", func(t *testing.T) {
		f := newFixture(t)
		s := f.slot(t, 7, june1, 9, 0)
		appt, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
		require.NoError(t, err)
		_, err = f.coord.SetStatus(ctx, doctor7, appt.ID, reservation.StatusCancelled)
		require.NoError(t, err)

		_, err = f.coord.SetStatus(ctx, doctor7, appt.ID, reservation.StatusBooked)
		assert.ErrorIs(t, err, reservation.ErrInvalidState)
		assert.False(t, f.getSlot(t, s.ID).Booked)
		assert.Equal(t, audit.ActionUpdateFailed, f.sink.last().Action)
		f.requireIntegrity(t)
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.SetStatus(ctx, doctor7, 1, reservation.AppointmentStatus("NoShow"))
		assert.ErrorIs(t, err, reservation.ErrInvalidStatus)
		assert.Equal(t, audit.ActionUpdateInvalidStatus, f.sink.last().Action)
	})

	t.Run("patients cannot override", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.SetStatus(ctx, patient3, 1, reservation.StatusCancelled)
		assert.ErrorIs(t, err, reservation.ErrForbidden)
	})
}

type stubGuard struct {
	err   error
	calls int
	slots []int64
}

func (g *stubGuard) WithSlotLock(ctx context.Context, slotID int64, fn func(ctx context.Context) error) error {
	g.calls++
	g.slots = append(g.slots, slotID)
	if g.err != nil {
		return g.err
	}
	return fn(ctx)
}

func TestSlotGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("held elsewhere", func(t *testing.T) {
		guard := &stubGuard{err: redisclient.ErrLockNotAcquired}
		f := newFixture(t, reservation.WithSlotGuard(guard))
		s := f.slot(t, 7, june1, 9, 0)

		_, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
		assert.ErrorIs(t, err, reservation.ErrSlotBusy)
		assert.Equal(t, reservation.KindConflict, reservation.KindOf(err))
		assert.False(t, f.getSlot(t, s.ID).Booked)
	})

	t.Run("backend down falls back to the row lock", func(t *testing.T) {
		guard := &stubGuard{err: redisclient.ErrLockUnavailable}
		f := newFixture(t, reservation.WithSlotGuard(guard))
		s := f.slot(t, 7, june1, 9, 0)

		_, err := f.coord.Book(ctx, patient3, 7, s.ID, 0)
		require.NoError(t, err)
		assert.True(t, f.getSlot(t, s.ID).Booked)
		assert.Equal(t, logrus.WarnLevel, f.hook.LastEntry().Level)
	})

	t.Run("keyed by target slot", func(t *testing.T) {
		guard := &stubGuard{}
		f := newFixture(t, reservation.WithSlotGuard(guard))
		a := f.slot(t, 7, june1, 9, 0)
		b := f.slot(t, 7, june1, 9, 30)

		appt, err := f.coord.Book(ctx, patient3, 7, a.ID, 0)
		require.NoError(t, err)
		_, err = f.coord.Reschedule(ctx, patient3, appt.ID, b.ID)
		require.NoError(t, err)

		assert.Equal(t, []int64{a.ID, b.ID}, guard.slots)
	})
}
