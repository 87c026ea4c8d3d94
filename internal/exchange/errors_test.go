package exchange

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnoseCategories(t *testing.T) {
	cases := []struct {
		name string
		err  APIError
		want string
	}{
		{"signature", APIError{Status: 400, Code: -1022}, "signature mismatch"},
		{"timestamp", APIError{Status: 400, Code: -1021}, "timestamp outside recv window"},
		{"permission code", APIError{Status: 400, Code: -2015}, "permission denied"},
		{"permission status", APIError{Status: http.StatusForbidden}, "permission denied"},
		{"rate limit", APIError{Status: http.StatusTooManyRequests}, "rate limited"},
		{"server", APIError{Status: 502}, "exchange server error"},
		{"unknown", APIError{Status: 400, Code: -9999}, "unclassified"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, tc.err.Diagnose(), tc.want)
		})
	}
}

func TestAuthErrorsAreNotRetryable(t *testing.T) {
	for _, code := range []int{-1022, -1021, -2015} {
		err := APIError{Status: 400, Code: code}
		assert.False(t, err.Retryable(), "code %d must not be blindly retried", code)
	}

	assert.True(t, (&APIError{Status: 503}).Retryable())
	assert.True(t, (&APIError{Status: http.StatusTooManyRequests}).Retryable())
	assert.False(t, (&APIError{Status: 400, Code: -1100}).Retryable())
}

func TestAsAPIErrorUnwraps(t *testing.T) {
	inner := &APIError{Status: 502, Code: -1000, Message: "boom"}
	wrapped := fmt.Errorf("call failed: %w", inner)

	got, ok := AsAPIError(wrapped)
	require.True(t, ok)
	assert.Equal(t, inner, got)

	_, ok = AsAPIError(fmt.Errorf("plain"))
	assert.False(t, ok)
}
