package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logger"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/reservation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}
	if cfg.StoreBackend != config.BackendPostgres {
		logrus.Fatal("integrity-worker requires STORE_BACKEND=postgres")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "integrity-worker",
	})
	log.WithFields(logrus.Fields{
		"env":      cfg.Env,
		"interval": cfg.WorkerInterval,
	}).Info("integrity-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.WithError(err).Fatal("postgres connection error")
	}
	defer pool.Close()
	log.Info("connected to Postgres")

	m := metrics.New()
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	scanner := reservation.NewPgIntegrityScanner(pool)

	// Run once at startup
	runOnce(rootCtx, scanner, log, m)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping integrity worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, scanner, log, m)
		}
	}
}

func runOnce(ctx context.Context, scanner reservation.IntegrityScanner, log logrus.FieldLogger, m *metrics.Metrics) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	report, err := reservation.CheckIntegrity(runCtx, scanner)
	if err != nil {
		log.WithError(err).Error("integrity run failed")
		return
	}

	m.SetIntegrityViolations("orphaned_slot", len(report.OrphanedSlots))
	m.SetIntegrityViolations("unbacked_appointment", len(report.UnbackedAppointments))

	for _, s := range report.OrphanedSlots {
		log.WithFields(logrus.Fields{
			"availability_id": s.ID,
			"slot":            s.Key().String(),
		}).Warn("booked slot has no booked appointment")
	}
	for _, a := range report.UnbackedAppointments {
		log.WithFields(logrus.Fields{
			"appointment_id": a.ID,
			"slot":           a.Key().String(),
		}).Warn("booked appointment has no booked slot")
	}

	log.WithFields(logrus.Fields{
		"duration":              time.Since(start).String(),
		"orphaned_slots":        len(report.OrphanedSlots),
		"unbacked_appointments": len(report.UnbackedAppointments),
	}).Info("integrity run complete")
}
