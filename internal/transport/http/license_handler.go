package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "keymint/internal/errors"
	"keymint/internal/fingerprint"
	"keymint/internal/license"
)

// LicenseHandler exposes license issuance, activation, verification,
// and revocation.
type LicenseHandler struct {
	issuer     *license.Issuer
	activator  *license.Activator
	verifier   *license.Verifier
	validate   *validator.Validate
	adminToken string
	logger     *slog.Logger
}

// NewLicenseHandler creates a license handler. adminToken guards the
// privileged issuer-side endpoints; when empty they are disabled.
func NewLicenseHandler(issuer *license.Issuer, activator *license.Activator, verifier *license.Verifier, validate *validator.Validate, adminToken string, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		issuer:     issuer,
		activator:  activator,
		verifier:   verifier,
		validate:   validate,
		adminToken: adminToken,
		logger:     logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/activate", h.Activate)
	r.Post("/verify", h.Verify)

	// Issuer-side endpoints, never exposed to end-user installations.
	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/generate", h.Generate)
		r.Post("/revoke", h.Revoke)
	})
	return r
}

// GenerateLicenseRequest describes a license purchase.
type GenerateLicenseRequest struct {
	CustomerName      string   `json:"customer_name" validate:"max=256"`
	CustomerEmail     string   `json:"customer_email" validate:"omitempty,email"`
	LicenseType       string   `json:"license_type" validate:"required,max=64"`
	MaxActivations    int      `json:"max_activations" validate:"min=1,max=1000"`
	ExpiresInDays     int      `json:"expires_in_days" validate:"min=0"`
	Features          []string `json:"features"`
	CreditLimit       int      `json:"credit_limit" validate:"min=0"`
	DeviceFingerprint string   `json:"device_fingerprint" validate:"omitempty,len=64,hexadecimal"`
	HardwareSignature string   `json:"hardware_signature" validate:"omitempty,len=64,hexadecimal"`
}

// ActivateLicenseRequest binds a license to a device.
type ActivateLicenseRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"required,len=64,hexadecimal"`
	Signature   string `json:"signature" validate:"required,len=64,hexadecimal"`
	Method      string `json:"method" validate:"max=64"`
}

// VerifyLicenseRequest checks a signed entitlement token.
type VerifyLicenseRequest struct {
	SignedToken string `json:"signed_token" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"omitempty,len=64,hexadecimal"`
}

// RevokeLicenseRequest revokes a license key.
type RevokeLicenseRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Reason     string `json:"reason" validate:"required,max=512"`
}

// Generate handles POST /api/license/generate.
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &GenerateLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}

	result, err := h.issuer.Generate(ctx, license.GenerateRequest{
		CustomerName:      data.CustomerName,
		CustomerEmail:     data.CustomerEmail,
		LicenseType:       data.LicenseType,
		MaxActivations:    data.MaxActivations,
		ExpiresInDays:     data.ExpiresInDays,
		Features:          data.Features,
		CreditLimit:       data.CreditLimit,
		DeviceFingerprint: data.DeviceFingerprint,
		HardwareSignature: data.HardwareSignature,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "license generation failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.MapError(err, reqID))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &ActivateLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}
	if !license.ValidKeyFormat(data.LicenseKey) {
		render.Render(w, r, apperrors.InvalidRequest(
			"license key must be four dash-separated groups of eight characters", reqID))
		return
	}

	identity := fingerprint.Identity{
		InstallationFingerprint: data.Fingerprint,
		HardwareSignature:       data.Signature,
	}
	result, err := h.activator.Activate(ctx, data.LicenseKey, identity, data.Method, r.RemoteAddr)
	if err != nil {
		render.Render(w, r, apperrors.MapError(err, reqID))
		return
	}

	render.JSON(w, r, result)
}

// Verify handles POST /api/license/verify.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &VerifyLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}

	// A failed verification is still a well-formed answer: the caller
	// needs the reason, not a problem document.
	result, _ := h.verifier.Verify(ctx, data.SignedToken, data.Fingerprint)
	render.JSON(w, r, result)
}

// Revoke handles POST /api/license/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &RevokeLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error(), reqID))
		return
	}

	if err := h.issuer.Revoke(ctx, data.LicenseKey, data.Reason); err != nil {
		render.Render(w, r, apperrors.MapError(err, reqID))
		return
	}

	render.JSON(w, r, struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{
		Success: true,
		Message: "license revoked",
	})
}

// requireAdmin guards the issuer-side endpoints with a shared token.
func (h *LicenseHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		token := r.Header.Get("X-Admin-Token")
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.logger.WarnContext(r.Context(), "privileged endpoint denied",
				slog.String("request_id", reqID),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			problem := apperrors.NewProblemDetails(
				http.StatusForbidden,
				"/errors/forbidden",
				"Forbidden",
				"This endpoint requires issuer credentials.",
				r.URL.Path,
			).WithExtension("trace_id", reqID)
			render.Render(w, r, problem)
			return
		}
		next.ServeHTTP(w, r)
	})
}
