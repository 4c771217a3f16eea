package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
	}{
		{"validation", ValidationError("bad kind"), TypeValidation, http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("missing token"), TypeUnauthorized, http.StatusUnauthorized},
		{"forbidden", ForbiddenError("not a party"), TypeForbidden, http.StatusForbidden},
		{"not_found", NotFoundError("session not found"), TypeNotFound, http.StatusNotFound},
		{"conflict", ConflictError("astrologer busy"), TypeConflict, http.StatusConflict},
		{"payment_required", PaymentRequiredError("insufficient balance"), TypePaymentRequired, http.StatusPaymentRequired},
		{"internal", InternalError("ledger write failed", nil), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("redis unavailable", nil), TypeExternal, http.StatusBadGateway},
		{"rate_limited", RateLimitedError("too many connections"), TypeRateLimited, http.StatusTooManyRequests},
		{"unavailable", UnavailableError("connection limit reached"), TypeUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestHTTPStatusUnknownType(t *testing.T) {
	err := &Error{Type: ErrorType("unknown")}
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestErrorStringWithCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := InternalError("failed to apply tick", cause)

	assert.Equal(t, "internal: failed to apply tick: connection reset", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := ValidationError("limit must be positive")
	assert.Equal(t, "validation: limit must be positive", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestWithField(t *testing.T) {
	err := NotFoundError("session not found").
		WithField("session_id", "abc-123").
		WithField("user_id", "u-1")

	assert.Len(t, err.Context, 2)
	assert.Equal(t, "abc-123", err.Context["session_id"])
}

func TestWithFieldNilMap(t *testing.T) {
	err := &Error{Type: TypeValidation, Message: "test"}
	err = err.WithField("key", "value")

	require.NotNil(t, err.Context)
	assert.Equal(t, "value", err.Context["key"])
}

func TestToResponse(t *testing.T) {
	resp := ConflictError("astrologer busy").WithField("payee_id", "p-1").ToResponse("req-7")

	assert.Equal(t, "astrologer busy", resp.Error)
	assert.Equal(t, TypeConflict, resp.Type)
	assert.Equal(t, "req-7", resp.Ref)
	assert.Equal(t, "p-1", resp.Context["payee_id"])
}

func TestToResponse_HidesServerErrorContext(t *testing.T) {
	resp := InternalError("failed to load wallet", errors.New("pool closed")).
		WithField("query", "SELECT balance").
		ToResponse("")

	assert.Equal(t, "failed to load wallet", resp.Error)
	assert.Empty(t, resp.Ref)
	assert.Nil(t, resp.Context)
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("structured", func(t *testing.T) {
		original := ValidationError("original")
		assert.Same(t, original, AsStructuredError(original))
	})

	t.Run("wrapped structured", func(t *testing.T) {
		original := NotFoundError("user not found")
		result := AsStructuredError(fmt.Errorf("lookup: %w", original))
		assert.Same(t, original, result)
	})

	t.Run("plain", func(t *testing.T) {
		original := fmt.Errorf("boom")
		result := AsStructuredError(original)
		assert.Equal(t, TypeInternal, result.Type)
		assert.Equal(t, "internal server error", result.Message)
		assert.Equal(t, original, result.Cause)
	})
}
