package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-booking/internal/audit"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logger"
	"github.com/hackgods/clinic-booking/internal/reservation"
)

var specializations = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}
	if cfg.StoreBackend != config.BackendPostgres {
		logrus.Fatal("seed requires STORE_BACKEND=postgres")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: "text", Service: "seed"})
	log.Info("seed starting")

	ctx := context.Background()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.WithError(err).Fatal("migrate")
	}

	adminID, err := insertUser(ctx, pool, "Clinic Admin", "admin@clinic.test", reservation.RoleAdmin)
	if err != nil {
		log.WithError(err).Fatal("seed admin")
	}

	doctorIDs, err := seedDoctors(ctx, pool, envInt("SEED_DOCTORS", 20), log)
	if err != nil {
		log.WithError(err).Fatal("seed doctors")
	}
	if err := seedPatients(ctx, pool, envInt("SEED_PATIENTS", 500), log); err != nil {
		log.WithError(err).Fatal("seed patients")
	}

	sink := audit.NewAsyncSink(audit.NewPgWriter(pool), cfg.AuditQueueSize, cfg.AuditWriteTimeout, log, nil)
	go func() { _ = sink.Run(ctx) }()

	coord := reservation.NewCoordinator(
		reservation.NewPgSlotStore(pool),
		reservation.NewPgAppointmentStore(pool),
		db.NewTxManager(pool, cfg.DBLockTimeout),
		sink,
		reservation.WithLocation(cfg.ClinicLocation),
		reservation.WithLogger(log),
	)

	admin := reservation.Actor{ID: adminID, Role: reservation.RoleAdmin, ClientIP: "127.0.0.1"}
	if err := seedAvailability(ctx, coord, admin, doctorIDs, envInt("SEED_DAYS", 14), log); err != nil {
		log.WithError(err).Fatal("seed availability")
	}

	closeCtx, cancelClose := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancelClose()
	if err := sink.Close(closeCtx); err != nil {
		log.WithError(err).Warn("audit queue not fully drained")
	}

	log.WithField("admin_id", adminID).Info("seed complete")
}

func insertUser(ctx context.Context, q db.Querier, name, email string, role reservation.Role) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO users (full_name, email, role)
		VALUES ($1, $2, $3)
		RETURNING user_id
	`, name, email, string(role)).Scan(&id)
	return id, err
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int, log logrus.FieldLogger) ([]int64, error) {
	log.Infof("seeding %d doctors", count)

	ids := make([]int64, 0, count)
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			userID, err := insertUser(ctx, tx, "Dr. "+gofakeit.Name(), gofakeit.Email(), reservation.RoleDoctor)
			if err != nil {
				return err
			}

			var doctorID int64
			spec := specializations[gofakeit.Number(0, len(specializations)-1)]
			if err := tx.QueryRow(ctx, `
				INSERT INTO doctors (user_id, specialization)
				VALUES ($1, $2)
				RETURNING doctor_id
			`, userID, spec).Scan(&doctorID); err != nil {
				return err
			}
			ids = append(ids, doctorID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, log logrus.FieldLogger) error {
	log.Infof("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		rows := make([][]any, 0, end-offset)
		for i := offset; i < end; i++ {
			rows = append(rows, []any{gofakeit.Name(), gofakeit.Email(), string(reservation.RolePatient)})
		}

		if _, err := pool.CopyFrom(ctx,
			pgx.Identifier{"users"},
			[]string{"full_name", "email", "role"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return err
		}

		log.Infof("patients seeded: %d/%d", end, count)
	}

	return nil
}

// seedAvailability gives every doctor a weekday clinic from tomorrow on,
// either mornings or afternoons.
func seedAvailability(ctx context.Context, coord *reservation.Coordinator, admin reservation.Actor, doctorIDs []int64, days int, log logrus.FieldLogger) error {
	start := reservation.Date(coord.Now().AddDate(0, 0, 1))
	weekdays := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

	created := 0
	for i, doctorID := range doctorIDs {
		pattern := reservation.AvailabilityPattern{
			StartDate:   start,
			EndDate:     start.AddDate(0, 0, days-1),
			Weekdays:    weekdays,
			StartTime:   reservation.NewTimeOfDay(9, 0),
			EndTime:     reservation.NewTimeOfDay(12, 0),
			SlotMinutes: []int{15, 20, 30}[gofakeit.Number(0, 2)],
		}
		if i%2 == 1 {
			pattern.StartTime = reservation.NewTimeOfDay(13, 0)
			pattern.EndTime = reservation.NewTimeOfDay(17, 0)
		}

		results, err := coord.GenerateAvailability(ctx, admin, doctorID, pattern)
		if err != nil {
			return fmt.Errorf("doctor %d: %w", doctorID, err)
		}
		for _, r := range results {
			if r.Err == nil {
				created++
			}
		}
	}

	log.WithField("slots", created).Info("availability seeded")
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
