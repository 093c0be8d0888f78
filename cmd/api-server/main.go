package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/audit"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logger"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/reservation"
	"github.com/hackgods/clinic-booking/internal/reservation/memstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "api-server",
	})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("api-server stopped with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{
		"env":     cfg.Env,
		"port":    cfg.HTTPPort,
		"backend": cfg.StoreBackend,
	}).Info("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		slots   reservation.SlotStore
		appts   reservation.AppointmentStore
		tx      reservation.Transactor
		writers audit.MultiWriter
		checks  []api.Check
		lister  api.AuditLister
	)

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			return err
		}
		defer pool.Close()
		log.Info("connected to Postgres")

		if cfg.AutoMigrate {
			if err := db.Migrate(rootCtx, pool); err != nil {
				return err
			}
			log.Info("schema migrated")
		}

		slots = reservation.NewPgSlotStore(pool)
		appts = reservation.NewPgAppointmentStore(pool)
		tx = db.NewTxManager(pool, cfg.DBLockTimeout)

		pgAudit := audit.NewPgWriter(pool)
		writers = append(writers, pgAudit)
		lister = pgAudit
		checks = append(checks, api.PostgresCheck(pool))
	default:
		store := memstore.New()
		slots, appts, tx = store.Slots(), store.Appointments(), store
		writers = append(writers, audit.NewLogWriter(logger.Component(log, "audit")))
		log.Warn("using in-memory store, data is lost on restart")
	}

	if len(cfg.AuditKafkaBrokers) > 0 {
		kw, err := audit.NewKafkaWriter(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := kw.Close(); err != nil {
				log.WithError(err).Warn("error closing kafka writer")
			}
		}()
		writers = append(writers, kw)
	}

	sink := audit.NewAsyncSink(writers, cfg.AuditQueueSize, cfg.AuditWriteTimeout, log, m)

	opts := []reservation.Option{
		reservation.WithLocation(cfg.ClinicLocation),
		reservation.WithLogger(log),
		reservation.WithMetrics(m),
	}

	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			// the row locks still serialize bookings without the guard
			log.WithError(err).Warn("redis unavailable, slot guard disabled")
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					log.WithError(err).Warn("error closing redis")
				}
			}()
			log.Info("connected to Redis")
			opts = append(opts, reservation.WithSlotGuard(redisclient.NewSlotLocker(rdb, cfg.LockTTL)))
			checks = append(checks, api.RedisCheck(rdb))
		}
	}

	coord := reservation.NewCoordinator(slots, appts, tx, sink, opts...)

	router := api.NewRouter(api.RouterConfig{
		Coordinator:    coord,
		AuditLog:       lister,
		Health:         api.NewHealthHandler(cfg.Env, cfg.Version, checks...),
		Metrics:        m,
		Logger:         log,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		return sink.Run(gctx)
	})

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
		// in-flight requests have finished recording; drain what they queued
		if err := sink.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("audit queue not fully drained")
		}
		return nil
	})

	return g.Wait()
}
