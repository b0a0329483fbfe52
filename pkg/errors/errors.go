package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeBadRequest                   = "bad_request"
	ErrCodeNotFound                     = "not_found"
	ErrCodeConflict                     = "conflict"
	ErrCodeInternalError                = "internal_error"
	ErrCodeInvalidKeyFormat             = "invalid_key_format"
	ErrCodeDecryptionFailed             = "decryption_failed"
	ErrCodeIdentityNotFound             = "identity_not_found"
	ErrCodeMissingServerShare           = "missing_server_share"
	ErrCodeSponsorshipDeclined          = "sponsorship_declined"
	ErrCodeInsufficientFeeToken         = "insufficient_fee_token"
	ErrCodeDeploymentVerificationFailed = "deployment_verification_failed"
	ErrCodeTimeout                      = "timeout"
	ErrCodeRateLimited                  = "rate_limited"
)

// Predefined errors
var (
	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// InvalidKeyFormat creates an invalid key format error.
// The caller must not retry with the same input.
func InvalidKeyFormat(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidKeyFormat,
		Message:    "Malformed key share",
		Detail:     detail,
		StatusCode: http.StatusBadRequest,
	}
}

// DecryptionFailed creates a decryption error. Indicates tampering, a wrong
// master secret, or corrupted storage; not retryable without operator
// intervention.
func DecryptionFailed(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeDecryptionFailed,
		Message:    "Authenticated decryption failed",
		Detail:     detail,
		StatusCode: http.StatusInternalServerError,
	}
}

// IdentityNotFound creates an identity not found error
func IdentityNotFound(identityID string) *AppError {
	return &AppError{
		Code:       ErrCodeIdentityNotFound,
		Message:    "Identity not found",
		Detail:     fmt.Sprintf("identity_id: %s", identityID),
		StatusCode: http.StatusNotFound,
	}
}

// MissingServerShare creates a missing server share error
func MissingServerShare(identityID string) *AppError {
	return &AppError{
		Code:       ErrCodeMissingServerShare,
		Message:    "Identity has no server share",
		Detail:     fmt.Sprintf("identity_id: %s", identityID),
		StatusCode: http.StatusPreconditionFailed,
	}
}

// SponsorshipDeclined creates the non-fatal branch signal emitted when the
// sponsor refuses to pay for an operation. It triggers the fee-token
// fallback and is never surfaced to the end user as an error.
func SponsorshipDeclined(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeSponsorshipDeclined,
		Message:    "Sponsorship declined",
		Detail:     reason,
		StatusCode: http.StatusPaymentRequired,
	}
}

// InsufficientFeeToken creates an insufficient fee token error carrying the
// shortfall so the caller can prompt funding. Amounts are decimal strings in
// the token's smallest unit.
func InsufficientFeeToken(required, available string) *AppError {
	return &AppError{
		Code:       ErrCodeInsufficientFeeToken,
		Message:    "Insufficient fee token balance",
		Detail:     fmt.Sprintf("required: %s, available: %s", required, available),
		StatusCode: http.StatusPaymentRequired,
	}
}

// DeploymentVerificationFailed creates a deployment verification error
func DeploymentVerificationFailed(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeDeploymentVerificationFailed,
		Message:    "Account deployment could not be verified",
		Detail:     detail,
		StatusCode: http.StatusInternalServerError,
	}
}

// Timeout creates a timeout error. Recoverable: the caller may re-query
// chain state to discover whether the operation nonetheless succeeded.
func Timeout(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    "Confirmation wait exceeded",
		Detail:     detail,
		StatusCode: http.StatusGatewayTimeout,
	}
}

// RateLimited creates a rate limited error
func RateLimited(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    "Upstream rate limit exceeded",
		Detail:     detail,
		StatusCode: http.StatusTooManyRequests,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError with the given code
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}
