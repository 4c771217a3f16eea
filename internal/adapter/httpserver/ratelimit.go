package httpserver

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/pscheid92/consultline/internal/platform/correlation"
	apperrors "github.com/pscheid92/consultline/internal/platform/errors"
)

// Idle client buckets are dropped after this long.
const clientBucketTTL = 5 * time.Minute

// newRateLimiter gives each client IP a token bucket refilled at
// ratePerSecond. Preflight requests are not counted. Echo's limiter drops
// the deny handler's return value, so the 429 is written here.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	buckets := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(ratePerSecond),
		Burst:     burst,
		ExpiresIn: clientBucketTTL,
	})
	retryAfterSeconds := strconv.Itoa(int(math.Ceil(1 / ratePerSecond)))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method == http.MethodOptions
		},
		Store:               buckets,
		IdentifierExtractor: func(c echo.Context) (string, error) { return c.RealIP(), nil },
		DenyHandler: func(c echo.Context, clientIP string, _ error) error {
			refused := apperrors.RateLimitedError("rate limit exceeded").WithField("client_ip", clientIP)
			logError(c, refused)

			ref, _ := correlation.ID(c.Request().Context())
			c.Response().Header().Set("Retry-After", retryAfterSeconds)
			if err := c.JSON(refused.HTTPStatus(), refused.ToResponse(ref)); err != nil {
				return fmt.Errorf("failed to write rate limit response: %w", err)
			}
			return nil
		},
	})
}
