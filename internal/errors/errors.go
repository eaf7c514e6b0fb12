// Package errors defines the licensing core's error taxonomy and its
// HTTP problem-details mapping. Every condition here is expected and
// caller-recoverable; none should crash the process.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors for license and trial operations. Callers branch on
// these with errors.Is and report the matching reason code to clients.
var (
	ErrInvalidKey             = errors.New("license key not found")
	ErrRevoked                = errors.New("license revoked")
	ErrExpired                = errors.New("license expired")
	ErrActivationLimitReached = errors.New("activation limit reached")
	ErrDeviceMismatch         = errors.New("device mismatch")
	ErrInsufficientCredits    = errors.New("insufficient trial credits")
	ErrInvalidToken           = errors.New("invalid license token")
	ErrKeyStoreUnavailable    = errors.New("key store unavailable")
	ErrTrialExhausted         = errors.New("trial exhausted")
	ErrTrialConverted         = errors.New("trial already converted to a paid license")
	ErrResetAttempt           = errors.New("trial reset attempt detected")
)

// Reason codes returned in API payloads. Stable strings, safe to branch on.
const (
	ReasonInvalidKey             = "INVALID_KEY"
	ReasonRevoked                = "REVOKED"
	ReasonExpired                = "EXPIRED"
	ReasonActivationLimitReached = "ACTIVATION_LIMIT_REACHED"
	ReasonDeviceMismatch         = "DEVICE_MISMATCH"
	ReasonInsufficientCredits    = "INSUFFICIENT_CREDITS"
	ReasonInvalidToken           = "INVALID_TOKEN"
	ReasonTrialExhausted         = "TRIAL_EXHAUSTED"
	ReasonTrialConverted         = "TRIAL_CONVERTED"
	ReasonResetAttempt           = "RESET_ATTEMPT"
)

// Reason maps a domain error to its stable reason code. Unknown errors
// map to an empty string so callers can fall through to a generic path.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return ReasonInvalidKey
	case errors.Is(err, ErrRevoked):
		return ReasonRevoked
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrActivationLimitReached):
		return ReasonActivationLimitReached
	case errors.Is(err, ErrDeviceMismatch):
		return ReasonDeviceMismatch
	case errors.Is(err, ErrInsufficientCredits):
		return ReasonInsufficientCredits
	case errors.Is(err, ErrInvalidToken):
		return ReasonInvalidToken
	case errors.Is(err, ErrTrialExhausted):
		return ReasonTrialExhausted
	case errors.Is(err, ErrTrialConverted):
		return ReasonTrialConverted
	case errors.Is(err, ErrResetAttempt):
		return ReasonResetAttempt
	default:
		return ""
	}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapError maps domain errors to HTTP problem details.
func MapError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrInvalidKey):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/invalid-key",
			"License Key Not Found",
			"The provided license key does not exist.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonInvalidKey)

	case errors.Is(err, ErrRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/revoked",
			"License Revoked",
			"This license has been revoked and can no longer be used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonRevoked)

	case errors.Is(err, ErrExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/expired",
			"License Expired",
			"This license has expired. Please purchase a new license to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonExpired)

	case errors.Is(err, ErrActivationLimitReached):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/activation-limit-reached",
			"Activation Limit Reached",
			"This license has used all of its activation slots.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonActivationLimitReached)

	case errors.Is(err, ErrDeviceMismatch):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/device-mismatch",
			"Device Mismatch",
			"This license is bound to a different device.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonDeviceMismatch)

	case errors.Is(err, ErrInsufficientCredits):
		return NewProblemDetails(
			http.StatusPaymentRequired,
			"/errors/insufficient-credits",
			"Insufficient Trial Credits",
			"The trial for this device has no credits remaining.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonInsufficientCredits)

	case errors.Is(err, ErrInvalidToken):
		return NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/invalid-token",
			"Invalid Token",
			"The license token failed signature verification.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonInvalidToken)

	case errors.Is(err, ErrKeyStoreUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/keystore-unavailable",
			"Key Store Unavailable",
			"The signing key store is not available. Contact the operator.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEYSTORE_UNAVAILABLE")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}

// InvalidRequest creates a 400 problem for malformed request bodies.
func InvalidRequest(detail, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-request",
		"Invalid Request",
		detail,
		fmt.Sprintf("/api#trace-%s", traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "INVALID_REQUEST")
}
