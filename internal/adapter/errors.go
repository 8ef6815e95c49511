package adapter

import "strings"

// Error type constants, per the classification table: each maps to a
// default HTTP-shaped status code used when persisting a RunError even
// for failures that never produced a real HTTP response.
const (
	ErrorTypeConfigError         = "CONFIG_ERROR"
	ErrorTypeRateLimit           = "RATE_LIMIT"
	ErrorTypeAuthError           = "AUTH_ERROR"
	ErrorTypeBadRequest          = "BAD_REQUEST"
	ErrorTypeNotFound            = "NOT_FOUND"
	ErrorTypeTimeout             = "TIMEOUT"
	ErrorTypeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrorTypeEmptyResponse       = "EMPTY_RESPONSE"
	ErrorTypeDependencyError     = "DEPENDENCY_ERROR"
	ErrorTypeInitError           = "INIT_ERROR"
	ErrorTypeProviderCrash       = "PROVIDER_CRASH"
	ErrorTypeUnknown             = "UNKNOWN_ERROR"
)

// ClassifyError maps an HTTP status code (0 if the failure never reached
// a response) and an error message to an (error_type, status_code) pair,
// per the classification table. Checks run in table order: a 429 status or
// a rate-limit message first, then the 401/400/404 status codes, then the
// "timeout" and "credit balance" message checks, which apply to any status
// not matched above; anything else is UNKNOWN_ERROR with the given status
// (500 when there is none).
func ClassifyError(statusCode int, message string) (errorType string, classifiedStatus int) {
	lower := strings.ToLower(message)

	switch {
	case statusCode == 429 || strings.Contains(lower, "ratelimit") || strings.Contains(lower, "rate limit"):
		return ErrorTypeRateLimit, 429
	case statusCode == 401:
		return ErrorTypeAuthError, 401
	case statusCode == 400:
		return ErrorTypeBadRequest, 400
	case statusCode == 404:
		return ErrorTypeNotFound, 404
	case strings.Contains(lower, "timeout"):
		return ErrorTypeTimeout, 504
	case strings.Contains(lower, "credit balance"):
		return ErrorTypeInsufficientCredits, 402
	default:
		status := statusCode
		if status == 0 {
			status = 500
		}
		return ErrorTypeUnknown, status
	}
}
