package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logger"
	"github.com/hackgods/clinic-booking/internal/reservation"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	CancelRatio     float64
	RescheduleRatio float64
	ReadRatio       float64
	HerdSize        int
	PatientLimit    int
	SlotLimit       int
	PostgresDSN     string
}

type openSlot struct {
	ID       int64
	DoctorID int64
}

type booking struct {
	ID        int64
	PatientID int64
	DoctorID  int64
}

type DataPool struct {
	Patients []int64
	Slots    []openSlot

	mu       sync.Mutex
	bookings []booking
}

func (dp *DataPool) AddBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

// TakeBooking removes and returns a random booking so two workers never
// cancel or move the same appointment.
func (dp *DataPool) TakeBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	idx := rng.Intn(len(dp.bookings))
	b := dp.bookings[idx]
	dp.bookings[idx] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return b, true
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

func (dp *DataPool) slotForDoctor(rng *rand.Rand, doctorID int64) (openSlot, bool) {
	for i := 0; i < 20; i++ {
		s := dp.Slots[rng.Intn(len(dp.Slots))]
		if s.DoctorID == doctorID {
			return s, true
		}
	}
	return openSlot{}, false
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Herd             OperationMetrics
	Booking          OperationMetrics
	Cancel           OperationMetrics
	Reschedule       OperationMetrics
	ReadByID         OperationMetrics
	ListByPatient    OperationMetrics
	ListAvailability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     logrus.FieldLogger
}

func main() {
	log := logger.New(logger.Config{Level: "info", Format: "text", Service: "simulate"})
	log.Info("simulator starting")

	cfg := loadConfig(log)
	if err := validateConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.WithFields(logrus.Fields{
		"duration":   cfg.Duration,
		"workers":    cfg.Workers,
		"booking":    cfg.BookingRatio,
		"cancel":     cfg.CancelRatio,
		"reschedule": cfg.RescheduleRatio,
		"read":       cfg.ReadRatio,
	}).Info("config loaded")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.WithError(err).Fatal("load data pool")
	}

	log.Infof("loaded: %d patients, %d open slots", len(dataPool.Patients), len(dataPool.Slots))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}

	sim.RunHerd()
	sim.Run()
	sim.PrintReport()

	// every workload above must leave slots and appointments agreeing
	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCheck()
	report, err := reservation.CheckIntegrity(checkCtx, reservation.NewPgIntegrityScanner(pgPool))
	if err != nil {
		log.WithError(err).Fatal("integrity check")
	}
	if !report.OK() {
		log.WithFields(logrus.Fields{
			"orphaned_slots":        len(report.OrphanedSlots),
			"unbacked_appointments": len(report.UnbackedAppointments),
		}).Fatal("integrity violated")
	}
	log.Info("integrity check passed")
}

func loadConfig(log logrus.FieldLogger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load base config")
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.4),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.15),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		HerdSize:        getInt("SIM_HERD_SIZE", 50),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		SlotLimit:       getInt("SIM_SLOT_LIMIT", 2400),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.RescheduleRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.RescheduleRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT user_id FROM users WHERE role = 'Patient' AND is_active LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT availability_id, doctor_id FROM doctor_availability
		WHERE NOT is_booked AND available_date > current_date
		ORDER BY random()
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s openSlot
		if err := rows.Scan(&s.ID, &s.DoctorID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) < 2 {
		return nil, fmt.Errorf("not enough open slots loaded")
	}

	return dataPool, nil
}

// RunHerd fires HerdSize concurrent bookings at one slot. Exactly one may
// succeed.
func (s *Simulator) RunHerd() {
	if s.config.HerdSize <= 0 {
		return
	}
	target := s.pool.Slots[0]
	s.pool.Slots = s.pool.Slots[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.log.WithFields(logrus.Fields{
		"availability_id": target.ID,
		"requests":        s.config.HerdSize,
	}).Info("herd: concurrent bookings on one slot")

	var wg sync.WaitGroup
	for i := 0; i < s.config.HerdSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patientID := s.pool.Patients[i%len(s.pool.Patients)]
			s.book(ctx, &s.metrics.Herd, patientID, target)
		}(i)
	}
	wg.Wait()

	if won := atomic.LoadInt64(&s.metrics.Herd.Success); won != 1 {
		s.log.WithField("successes", won).Error("herd: expected exactly one booking")
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Infof("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByPatient(ctx, rng)
			case 2:
				s.doListAvailability(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	s.book(ctx, &s.metrics.Booking, patientID, slot)
}

func (s *Simulator) book(ctx context.Context, om *OperationMetrics, patientID int64, slot openSlot) {
	body := api.BookRequest{DoctorID: slot.DoctorID, AvailabilityID: slot.ID}
	actor := reservation.Actor{ID: patientID, Role: reservation.RolePatient}

	status, data, latency, err := s.call(ctx, http.MethodPost, "/appointments", actor, body)
	if err != nil {
		om.Record(latency, false, false)
		return
	}

	if status == http.StatusCreated {
		var appt api.AppointmentResponse
		if json.Unmarshal(data, &appt) == nil && appt.ID > 0 {
			s.pool.AddBooking(booking{ID: appt.ID, PatientID: patientID, DoctorID: slot.DoctorID})
		}
	}
	om.Record(latency, status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeBooking(rng)
	if !ok {
		return
	}
	actor := reservation.Actor{ID: b.PatientID, Role: reservation.RolePatient}

	status, _, latency, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/appointments/%d/cancel", b.ID), actor, nil)
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, status == http.StatusNotFound)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeBooking(rng)
	if !ok {
		return
	}
	target, ok := s.pool.slotForDoctor(rng, b.DoctorID)
	if !ok {
		s.pool.AddBooking(b)
		return
	}
	actor := reservation.Actor{ID: b.PatientID, Role: reservation.RolePatient}
	body := api.RescheduleRequest{AvailabilityID: target.ID}

	status, _, latency, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/appointments/%d/reschedule", b.ID), actor, body)
	if err == nil && (status == http.StatusOK || status == http.StatusConflict) {
		// still booked, either at the new time or the old one
		s.pool.AddBooking(b)
	}
	s.metrics.Reschedule.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	actor := reservation.Actor{ID: b.PatientID, Role: reservation.RolePatient}

	status, _, latency, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/appointments/%d", b.ID), actor, nil)
	s.metrics.ReadByID.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	actor := reservation.Actor{ID: patientID, Role: reservation.RolePatient}

	status, _, latency, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/patients/%d/appointments", patientID), actor, nil)
	s.metrics.ListByPatient.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListAvailability(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	status, _, latency, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/doctors/%d/slots/available", slot.DoctorID), reservation.Actor{}, nil)
	s.metrics.ListAvailability.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) call(ctx context.Context, method, path string, actor reservation.Actor, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if actor.ID > 0 {
		req.Header.Set(api.HeaderActorID, strconv.FormatInt(actor.ID, 10))
		req.Header.Set(api.HeaderActorRole, string(actor.Role))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Same-slot herd", &s.metrics.Herd)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
	printOperationReport("Available slots", &s.metrics.ListAvailability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
