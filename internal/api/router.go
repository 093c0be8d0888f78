package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/reservation"
)

type RouterConfig struct {
	Coordinator *reservation.Coordinator
	AuditLog    AuditLister // nil hides the audit listing
	Health      *HealthHandler
	Metrics     *metrics.Metrics
	Logger      logrus.FieldLogger

	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthHandler("", "")
	}
	c := cfg.Coordinator

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log, cfg.Metrics))

	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, log))
		r.Use(ActorMiddleware)

		r.Get("/doctors/{doctorID}/slots/available", availableSlotsHandler(c))

		r.Group(func(r chi.Router) {
			r.Use(RequireActor)

			r.Get("/doctors/{doctorID}/slots", doctorSlotsHandler(c))
			r.Post("/doctors/{doctorID}/slots", createSlotsHandler(c))
			r.Post("/doctors/{doctorID}/slots/generate", generateSlotsHandler(c))
			r.Delete("/slots/{slotID}", deleteSlotHandler(c))

			r.Post("/appointments", bookHandler(c))
			r.Get("/appointments/{id}", getAppointmentHandler(c))
			r.Post("/appointments/{id}/cancel", cancelHandler(c))
			r.Post("/appointments/{id}/reschedule", rescheduleHandler(c))
			r.Post("/appointments/{id}/complete", completeHandler(c))
			r.Put("/appointments/{id}/status", setStatusHandler(c))

			r.Get("/patients/{patientID}/appointments", patientAppointmentsHandler(c))
			r.Get("/doctors/{doctorID}/appointments", doctorAppointmentsHandler(c))

			if cfg.AuditLog != nil {
				r.Get("/admin/audit-logs", auditLogsHandler(cfg.AuditLog))
			}
		})
	})

	return r
}
