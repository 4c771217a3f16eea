package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/consultline/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named health check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	return s.writeHealth(c, s.runHealthChecks(ctx))
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Seconds(),
		"instance_id": s.config.InstanceID,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	return s.writeHealth(c, s.runHealthChecks(ctx))
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Failed []string          `json:"failed,omitempty"`
}

// runHealthChecks runs all checks concurrently and reports each result.
func (s *Server) runHealthChecks(ctx context.Context) healthReport {
	results := make([]error, len(s.healthChecks))
	var wg sync.WaitGroup
	for i, hc := range s.healthChecks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = hc.Check(ctx)
		}()
	}
	wg.Wait()

	report := healthReport{Status: "ready", Checks: make(map[string]string, len(results))}
	for i, err := range results {
		name := s.healthChecks[i].Name
		if err == nil {
			report.Checks[name] = "ok"
			continue
		}
		report.Status = "unhealthy"
		report.Checks[name] = err.Error()
		report.Failed = append(report.Failed, name)
	}
	return report
}

func (s *Server) writeHealth(c echo.Context, report healthReport) error {
	status := http.StatusOK
	if len(report.Failed) > 0 {
		status = http.StatusServiceUnavailable
		slog.WarnContext(c.Request().Context(), "Health check failed", "probe", c.Path(), "failed", report.Failed)
	}
	if err := c.JSON(status, report); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get(s.config.InstanceID)); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
