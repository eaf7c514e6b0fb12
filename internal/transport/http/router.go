// Package http wires the licensing core's five logical operations to
// an HTTP surface: trial check/consume, license generate/activate/
// verify, plus health and metrics.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keymint/internal/config"
	"keymint/internal/keystore"
	"keymint/internal/license"
	appmiddleware "keymint/internal/middleware"
	"keymint/internal/store"
	"keymint/internal/trial"
)

// Services bundles everything the router needs.
type Services struct {
	Registry  *trial.Registry
	Issuer    *license.Issuer
	Activator *license.Activator
	Verifier  *license.Verifier
	Store     *store.Store
	Custodian keystore.Custodian
}

// NewRouter builds the chi router with the stock middleware set and
// the licensing routes.
func NewRouter(cfg *config.Config, svc Services, logger *slog.Logger) chi.Router {
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	if cfg.Security.RateLimit.Enabled {
		limiter := appmiddleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, logger)
		r.Use(limiter.Handler)
	}

	trialHandler := NewTrialHandler(svc.Registry, validate, logger)
	licenseHandler := NewLicenseHandler(svc.Issuer, svc.Activator, svc.Verifier, validate, cfg.Security.AdminToken, logger)
	healthHandler := NewHealthHandler(svc.Store, svc.Custodian, logger)

	r.Route("/api", func(r chi.Router) {
		r.Mount("/trial", trialHandler.Routes())
		r.Mount("/license", licenseHandler.Routes())
	})
	r.Get("/healthz", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// HealthHandler reports store and keystore readiness.
type HealthHandler struct {
	store     *store.Store
	custodian keystore.Custodian
	logger    *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(s *store.Store, custodian keystore.Custodian, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:     s,
		custodian: custodian,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{
		"store":    "ok",
		"keystore": "ok",
	}

	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.custodian == nil || h.custodian.PublicKeyPEM() == "" {
		checks["keystore"] = "signing keys not loaded"
		status = http.StatusServiceUnavailable
	}

	render.Status(r, status)
	render.JSON(w, r, struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}{
		Status: http.StatusText(status),
		Checks: checks,
	})
}
