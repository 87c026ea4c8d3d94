package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is the typed error every exchange call surfaces: the HTTP status
// plus the provider's own error code. The control plane only consumes the
// diagnosis, never the wire format.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error: http=%d code=%d msg=%q", e.Status, e.Code, e.Message)
}

// Diagnose maps the error onto a human-readable category for operators.
func (e *APIError) Diagnose() string {
	switch {
	case e.Code == -1022:
		return "signature mismatch: check API secret and parameter ordering"
	case e.Code == -1021:
		return "timestamp outside recv window: local clock drifted from server time"
	case e.Code == -2015 || e.Status == http.StatusForbidden:
		return "permission denied: key lacks permission or IP not whitelisted"
	case e.Code == -1003 || e.Status == http.StatusTooManyRequests:
		return "rate limited: reduce request rate"
	case e.Status >= 500:
		return "exchange server error: transient, safe to retry"
	default:
		return fmt.Sprintf("unclassified exchange error (http=%d code=%d)", e.Status, e.Code)
	}
}

// Retryable reports whether blind retry is safe. Auth-class failures are
// never retried automatically; retrying a bad signature only burns quota.
func (e *APIError) Retryable() bool {
	if e.Code == -1022 || e.Code == -1021 || e.Code == -2015 {
		return false
	}
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return false
	}
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
