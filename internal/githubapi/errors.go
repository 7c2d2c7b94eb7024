package githubapi

import (
	"errors"
	"fmt"
)

const (
	// CodeNotFound marks a target account that does not exist upstream.
	CodeNotFound = "NOT_FOUND"
	// CodeRateLimit marks an exhausted upstream rate-limit quota.
	CodeRateLimit = "RATE_LIMIT"
	// CodeNetworkError marks timeouts, 5xx responses, malformed bodies, and
	// any otherwise unclassified upstream failure.
	CodeNetworkError = "NETWORK_ERROR"
)

// APIError describes a classified upstream failure. StatusCode is zero when
// the request never produced a response (timeout, connection failure).
type APIError struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface.
func (apiError *APIError) Error() string {
	if apiError.StatusCode == 0 {
		return apiError.Message
	}
	return fmt.Sprintf("%s (status %d)", apiError.Message, apiError.StatusCode)
}

// IsNotFound reports whether the error is an APIError with the not-found code.
func IsNotFound(err error) bool {
	return errorHasCode(err, CodeNotFound)
}

// IsRateLimit reports whether the error is an APIError with the rate-limit code.
func IsRateLimit(err error) bool {
	return errorHasCode(err, CodeRateLimit)
}

func errorHasCode(err error, code string) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.Code == code
}
