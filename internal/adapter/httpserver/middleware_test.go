package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/correlation"
	apperrors "github.com/pscheid92/consultline/internal/platform/errors"
)

// runMiddleware sends one request through ErrorHandlingMiddleware around h.
func runMiddleware(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, apperrors.ErrorResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("abc")

	require.NoError(t, ErrorHandlingMiddleware()(h)(c))

	var resp apperrors.ErrorResponse
	if rec.Code >= 400 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestErrorHandlingMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantType    apperrors.ErrorType
		wantMessage string
	}{
		{"validation", apperrors.ValidationError("invalid UUID format"), http.StatusBadRequest, apperrors.TypeValidation, "invalid UUID format"},
		{"payment required", apperrors.PaymentRequiredError("insufficient balance"), http.StatusPaymentRequired, apperrors.TypePaymentRequired, "insufficient balance"},
		{"unauthorized", apperrors.UnauthorizedError("missing operator token"), http.StatusUnauthorized, apperrors.TypeUnauthorized, "missing operator token"},
		{"rate limited", apperrors.RateLimitedError("rate limit exceeded"), http.StatusTooManyRequests, apperrors.TypeRateLimited, "rate limit exceeded"},
		{"unavailable", apperrors.UnavailableError("connection limit reached"), http.StatusServiceUnavailable, apperrors.TypeUnavailable, "connection limit reached"},
		{"external", apperrors.ExternalError("redis unavailable", errors.New("dial tcp")), http.StatusBadGateway, apperrors.TypeExternal, "redis unavailable"},
		{"wrapped structured", fmt.Errorf("handler: %w", apperrors.ConflictError("session is not in a state that allows this")), http.StatusConflict, apperrors.TypeConflict, "session is not in a state that allows this"},
		{"plain error hides detail", errors.New("pq: connection reset"), http.StatusInternalServerError, apperrors.TypeInternal, "internal server error"},
		{"echo not found", echo.ErrNotFound, http.StatusNotFound, apperrors.TypeNotFound, "Not Found"},
		{"echo bind error", echo.NewHTTPError(http.StatusBadRequest, "code=400, message=Syntax error"), http.StatusBadRequest, apperrors.TypeValidation, "code=400, message=Syntax error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := runMiddleware(t, func(echo.Context) error { return tt.err })

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, resp.Type)
			assert.Equal(t, tt.wantMessage, resp.Error)
		})
	}
}

func TestErrorHandlingMiddleware_Context(t *testing.T) {
	rec, resp := runMiddleware(t, func(echo.Context) error {
		return apperrors.NotFoundError("session not found").WithField("session_id", "abc")
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, map[string]any{"session_id": "abc"}, resp.Context)
}

func TestErrorHandlingMiddleware_Ref(t *testing.T) {
	rec, resp := runMiddleware(t, func(c echo.Context) error {
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), "req-99")))
		return apperrors.InternalError("failed to credit wallet", errors.New("tx aborted")).WithField("user_id", "u-1")
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-99", resp.Ref)
	assert.Nil(t, resp.Context)
}

func TestErrorHandlingMiddleware_NoError(t *testing.T) {
	rec, _ := runMiddleware(t, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestErrorHandlingMiddleware_CommittedResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)
	boom := errors.New("write after upgrade")

	err := ErrorHandlingMiddleware()(func(c echo.Context) error {
		_ = c.NoContent(http.StatusSwitchingProtocols)
		return boom
	})(c)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}

func TestCorrelationMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantSame bool
	}{
		{"generated", "", false},
		{"accepted", "req-42_abc", true},
		{"rejected", "bad id\nwith=stuff", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(requestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()

			var seen string
			err := correlationMiddleware(func(c echo.Context) error {
				seen, _ = correlation.ID(c.Request().Context())
				return nil
			})(e.NewContext(req, rec))
			require.NoError(t, err)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(requestIDHeader))
			if tt.wantSame {
				assert.Equal(t, tt.inbound, seen)
			} else {
				assert.NotEqual(t, tt.inbound, seen)
			}
		})
	}
}

func TestWrapHTTPError(t *testing.T) {
	tests := []struct {
		name        string
		httpErr     *echo.HTTPError
		wantType    apperrors.ErrorType
		wantMessage string
	}{
		{"bad request", echo.NewHTTPError(http.StatusBadRequest, "bad body"), apperrors.TypeValidation, "bad body"},
		{"method not allowed", echo.ErrMethodNotAllowed, apperrors.TypeValidation, "Method Not Allowed"},
		{"payload too large", echo.ErrStatusRequestEntityTooLarge, apperrors.TypeValidation, "Request Entity Too Large"},
		{"forbidden", echo.NewHTTPError(http.StatusForbidden), apperrors.TypeForbidden, "Forbidden"},
		{"too many requests", echo.NewHTTPError(http.StatusTooManyRequests, "slow down"), apperrors.TypeRateLimited, "slow down"},
		{"bad gateway", echo.NewHTTPError(http.StatusBadGateway, "upstream"), apperrors.TypeExternal, "upstream"},
		{"unavailable", echo.NewHTTPError(http.StatusServiceUnavailable, "draining"), apperrors.TypeUnavailable, "draining"},
		{"teapot becomes internal", echo.NewHTTPError(http.StatusTeapot, "short and stout"), apperrors.TypeInternal, "internal server error"},
		{"non-string message", echo.NewHTTPError(http.StatusBadRequest, 12345), apperrors.TypeValidation, "Bad Request"},
		{"nil message", &echo.HTTPError{Code: http.StatusNotFound}, apperrors.TypeNotFound, "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapHTTPError(tt.httpErr)

			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantMessage, err.Message)
		})
	}
}

func TestWrapHTTPError_KeepsInternalCause(t *testing.T) {
	cause := errors.New("unexpected EOF")
	httpErr := echo.NewHTTPError(http.StatusBadRequest, "bad body").SetInternal(cause)

	err := WrapHTTPError(httpErr)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
}

func TestRequireOperator(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "operator-token-wrong-value", http.StatusForbidden},
		{"prefix of the real token", testOperatorToken[:10], http.StatusForbidden},
		{"valid", testOperatorToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", nil)
			if tt.token != "" {
				req.Header.Set(operatorTokenHeader, tt.token)
			}
			rec := httptest.NewRecorder()
			c := srv.echo.NewContext(req, rec)

			handler := ErrorHandlingMiddleware()(srv.requireOperator(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			}))

			require.NoError(t, handler(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType apperrors.ErrorType
	}{
		{"user", domain.ErrUserNotFound, apperrors.TypeNotFound},
		{"wallet", domain.ErrWalletNotFound, apperrors.TypeNotFound},
		{"session", fmt.Errorf("load: %w", domain.ErrSessionNotFound), apperrors.TypeNotFound},
		{"amount", domain.ErrInvalidAmount, apperrors.TypeValidation},
		{"participant", domain.ErrNotParticipant, apperrors.TypeForbidden},
		{"transition", domain.ErrInvalidTransition, apperrors.TypeConflict},
		{"conflict", domain.ErrStatusConflict, apperrors.TypeConflict},
		{"reference taken", domain.ErrReferenceTaken, apperrors.TypeConflict},
		{"balance", domain.ErrInsufficientBalance, apperrors.TypePaymentRequired},
		{"unknown", errors.New("connection reset"), apperrors.TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromDomain(tt.err, "operation failed")
			assert.Equal(t, tt.wantType, got.Type)
		})
	}

	internal := fromDomain(errors.New("connection reset"), "operation failed")
	assert.Equal(t, "operation failed", internal.Message)
	assert.EqualError(t, internal.Cause, "connection reset")
}
