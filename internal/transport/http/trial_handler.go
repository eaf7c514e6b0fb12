package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "keymint/internal/errors"
	"keymint/internal/fingerprint"
	"keymint/internal/trial"
)

// TrialHandler exposes trial eligibility checks and credit consumption.
type TrialHandler struct {
	registry *trial.Registry
	validate *validator.Validate
	logger   *slog.Logger
}

// NewTrialHandler creates a trial handler.
func NewTrialHandler(registry *trial.Registry, validate *validator.Validate, logger *slog.Logger) *TrialHandler {
	return &TrialHandler{
		registry: registry,
		validate: validate,
		logger:   logger.With(slog.String("handler", "trial")),
	}
}

// Routes returns the chi router for trial endpoints.
func (h *TrialHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.Check)
	r.Post("/consume", h.Consume)
	return r
}

// TrialCheckRequest carries the raw hardware identifiers the client
// collected. The server only ever sees their combination.
type TrialCheckRequest struct {
	FingerprintInputs fingerprint.Components `json:"fingerprint_inputs"`
}

// TrialConsumeRequest spends one credit for a device.
type TrialConsumeRequest struct {
	Fingerprint string `json:"fingerprint" validate:"required,len=64,hexadecimal"`
	Action      string `json:"action" validate:"required,max=128"`
	ReferenceID string `json:"reference_id,omitempty" validate:"max=128"`
}

// Check handles POST /api/trial/check.
func (h *TrialHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &TrialCheckRequest{}
	if err := render.Decode(r, data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}

	identity := fingerprint.Resolve(data.FingerprintInputs)

	result, err := h.registry.CheckEligibility(ctx, identity)
	if err != nil {
		h.logger.ErrorContext(ctx, "trial check failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.MapError(err, reqID))
		return
	}

	h.logger.InfoContext(ctx, "trial check completed",
		slog.String("request_id", reqID),
		slog.Bool("eligible", result.Eligible),
		slog.Int("credits_remaining", result.CreditsRemaining),
		slog.String("reason", result.Reason),
	)

	render.JSON(w, r, struct {
		*trial.EligibilityResult
		Fingerprint string `json:"fingerprint"`
		Signature   string `json:"signature"`
	}{
		EligibilityResult: result,
		Fingerprint:       identity.InstallationFingerprint,
		Signature:         identity.HardwareSignature,
	})
}

// Consume handles POST /api/trial/consume.
func (h *TrialHandler) Consume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &TrialConsumeRequest{}
	if err := render.Decode(r, data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}

	result, err := h.registry.ConsumeCredit(ctx, data.Fingerprint, data.Action, data.ReferenceID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrInsufficientCredits) {
			h.logger.ErrorContext(ctx, "credit consumption failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		render.Render(w, r, apperrors.MapError(err, reqID))
		return
	}

	render.JSON(w, r, result)
}
