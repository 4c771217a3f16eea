package httpserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/correlation"
	apperrors "github.com/pscheid92/consultline/internal/platform/errors"
)

const (
	operatorTokenHeader = "X-Operator-Token"
	requestIDHeader     = "X-Request-ID"
)

// correlationMiddleware tags the request context with a correlation ID,
// reusing a well-formed X-Request-ID from the caller, and echoes it back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := correlation.Accept(c.Request().Header.Get(requestIDHeader))
		if !ok {
			id = correlation.NewID()
		}
		c.Response().Header().Set(requestIDHeader, id)
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
		return next(c)
	}
}

// ErrorHandlingMiddleware renders every handler error, including echo's own
// routing and binding errors, as a JSON ErrorResponse.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if c.Response().Committed {
				return err
			}

			var structuredErr *apperrors.Error
			var httpErr *echo.HTTPError
			switch {
			case errors.As(err, &structuredErr):
			case errors.As(err, &httpErr):
				structuredErr = WrapHTTPError(httpErr)
			default:
				structuredErr = apperrors.AsStructuredError(err)
			}

			logError(c, structuredErr)
			ref, _ := correlation.ID(c.Request().Context())
			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse(ref)); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

var errorLogLevels = map[apperrors.ErrorType]struct {
	level slog.Level
	msg   string
}{
	apperrors.TypeValidation:      {slog.LevelInfo, "Validation error"},
	apperrors.TypePaymentRequired: {slog.LevelInfo, "Payment required"},
	apperrors.TypeNotFound:        {slog.LevelInfo, "Not found"},
	apperrors.TypeUnauthorized:    {slog.LevelWarn, "Access denied"},
	apperrors.TypeForbidden:       {slog.LevelWarn, "Access denied"},
	apperrors.TypeConflict:        {slog.LevelWarn, "Conflict"},
	apperrors.TypeRateLimited:     {slog.LevelWarn, "Request refused"},
	apperrors.TypeUnavailable:     {slog.LevelWarn, "Request refused"},
	apperrors.TypeInternal:        {slog.LevelError, "Internal error"},
	apperrors.TypeExternal:        {slog.LevelError, "External service error"},
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if id := c.Param("id"); id != "" {
		attrs = append(attrs, "resource_id", id)
	}

	entry, ok := errorLogLevels[err.Type]
	if !ok {
		entry.level, entry.msg = slog.LevelError, "Unknown error type"
	}
	if entry.level >= slog.LevelError && err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}
	slog.Log(c.Request().Context(), entry.level, entry.msg, attrs...)
}

// requireOperator guards routes that move money or override sessions.
func (s *Server) requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	want := []byte(s.config.OperatorToken)
	return func(c echo.Context) error {
		got := c.Request().Header.Get(operatorTokenHeader)
		if got == "" {
			return apperrors.UnauthorizedError("missing operator token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return apperrors.ForbiddenError("invalid operator token")
		}
		return next(c)
	}
}

// fromDomain maps service errors onto API errors.
func fromDomain(err error, message string) *apperrors.Error {
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		return apperrors.NotFoundError("user not found")
	case errors.Is(err, domain.ErrWalletNotFound):
		return apperrors.NotFoundError("wallet not found")
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NotFoundError("session not found")
	case errors.Is(err, domain.ErrInvalidAmount):
		return apperrors.ValidationError(domain.ErrInvalidAmount.Error())
	case errors.Is(err, domain.ErrNotParticipant):
		return apperrors.ForbiddenError(domain.ErrNotParticipant.Error())
	case errors.Is(err, domain.ErrReferenceTaken):
		return apperrors.ConflictError(domain.ErrReferenceTaken.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStatusConflict):
		return apperrors.ConflictError("session is not in a state that allows this")
	case errors.Is(err, domain.ErrInsufficientBalance):
		return apperrors.PaymentRequiredError(domain.ErrInsufficientBalance.Error())
	default:
		return apperrors.InternalError(message, err)
	}
}

var httpErrorTypes = map[int]apperrors.ErrorType{
	http.StatusBadRequest:            apperrors.TypeValidation,
	http.StatusMethodNotAllowed:      apperrors.TypeValidation,
	http.StatusRequestEntityTooLarge: apperrors.TypeValidation,
	http.StatusUnsupportedMediaType:  apperrors.TypeValidation,
	http.StatusUnauthorized:          apperrors.TypeUnauthorized,
	http.StatusForbidden:             apperrors.TypeForbidden,
	http.StatusNotFound:              apperrors.TypeNotFound,
	http.StatusConflict:              apperrors.TypeConflict,
	http.StatusTooManyRequests:       apperrors.TypeRateLimited,
	http.StatusBadGateway:            apperrors.TypeExternal,
	http.StatusServiceUnavailable:    apperrors.TypeUnavailable,
}

// WrapHTTPError converts an echo error into a structured one. Statuses
// without a dedicated type become internal errors.
func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	errType, ok := httpErrorTypes[httpErr.Code]
	if !ok {
		errType = apperrors.TypeInternal
	}

	message, _ := httpErr.Message.(string)
	if message == "" {
		message = http.StatusText(httpErr.Code)
	}
	if errType == apperrors.TypeInternal {
		message = "internal server error"
	}

	return &apperrors.Error{
		Type:    errType,
		Message: message,
		Cause:   httpErr.Internal,
		Context: make(map[string]any),
	}
}
