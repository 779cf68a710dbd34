package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinicdesk/clinic-booking/internal/booking"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/payment"
	"github.com/clinicdesk/clinic-booking/internal/principal"
)

type RouterConfig struct {
	Booking    *booking.Service
	Payment    *payment.Service
	Directory  *principal.Service
	Signer     *principal.TokenSigner
	Calendar   calendar.Repository
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health and metrics
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Unauthenticated: login and the gateway callback (signature is the auth)
	r.Post("/login", loginHandler(cfg.Directory, cfg.Signer))
	r.Post("/webhooks/stripe", stripeWebhookHandler(cfg.Payment))

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Signer))

		r.Post("/appointments", createAppointmentHandler(cfg.Booking))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/payment-intent", createPaymentIntentHandler(cfg.Payment, cfg.Booking))

		r.Get("/patients/{id}/appointments", listPatientAppointmentsHandler(cfg.Booking))
		r.Get("/providers/{id}/appointments", listProviderAppointmentsHandler(cfg.Booking))
		r.Get("/providers/{id}/availability", availabilityHandler(cfg.Calendar))
	})

	return r
}
