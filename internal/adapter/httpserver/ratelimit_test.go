package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/consultline/internal/platform/config"
	apperrors "github.com/pscheid92/consultline/internal/platform/errors"
)

// limitedHandler returns a function that sends one request from ip through
// the limiter and reports the handler error and response.
func limitedHandler(ratePerSecond float64, burst int) func(ip string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	handler := newRateLimiter(ratePerSecond, burst)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return func(ip string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/api/users/x/wallet", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		err := handler(e.NewContext(req, rec))
		return rec, err
	}
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	hit := limitedHandler(10, 3)

	for range 3 {
		rec, err := hit("10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiter_RefusesBeyondBurst(t *testing.T) {
	hit := limitedHandler(0.5, 1)

	_, err := hit("10.0.0.1")
	require.NoError(t, err)

	rec, err := hit("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	resp := decodeError(t, rec)
	assert.Equal(t, apperrors.TypeRateLimited, resp.Type)
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.Equal(t, "10.0.0.1", resp.Context["client_ip"])
}

func TestRateLimiter_SkipsPreflight(t *testing.T) {
	e := echo.New()
	handler := newRateLimiter(0.01, 1)(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	for range 3 {
		req := httptest.NewRequest(http.MethodOptions, "/api/users/x/wallet", nil)
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRateLimiter_BucketsPerIP(t *testing.T) {
	hit := limitedHandler(0.01, 1)

	_, err := hit("10.0.0.1")
	require.NoError(t, err)

	rec, err := hit("10.0.0.2")
	require.NoError(t, err, "second client has its own bucket")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, err = hit("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_ThroughServer(t *testing.T) {
	srv := NewServer(&config.Config{
		OperatorToken:    testOperatorToken,
		APIRatePerSecond: 0.01,
		APIBurst:         1,
	}, Deps{Sessions: &mockSessionService{}, Wallets: &mockWalletService{}, Transcripts: &mockTranscripts{}})

	var last *httptest.ResponseRecorder
	statuses := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/api/users/3f1c2a9e-0000-4000-8000-000000000001/presence", nil)
		req.RemoteAddr = "10.0.0.9:4000"
		req.Header.Set(requestIDHeader, "req-limit-1")
		last = httptest.NewRecorder()
		srv.echo.ServeHTTP(last, req)
		statuses = append(statuses, last.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, statuses)

	resp := decodeError(t, last)
	assert.Equal(t, apperrors.TypeRateLimited, resp.Type)
	assert.Equal(t, "req-limit-1", resp.Ref)
	assert.Equal(t, "100", last.Header().Get("Retry-After"))
}
