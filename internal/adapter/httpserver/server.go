package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/app"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/config"
)

type sessionService interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error)
	Status(ctx context.Context, userID uuid.UUID) (app.UserStatus, error)
	ForceEnd(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason) (*domain.Session, error)
}

type walletService interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*domain.Wallet, error)
	Ledger(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
}

type transcriptService interface {
	Transcript(ctx context.Context, sessionID, viewerID uuid.UUID, limit int) ([]domain.ChatMessage, error)
}

type Deps struct {
	Sessions         sessionService
	Wallets          walletService
	Transcripts      transcriptService
	WebsocketHandler echo.HandlerFunc
	MetricsHandler   http.Handler
	HTTPMetrics      *metrics.HTTPMetrics
	HealthChecks     []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	sessions    sessionService
	wallets     walletService
	transcripts transcriptService

	websocketHandler echo.HandlerFunc
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		config:           cfg,
		sessions:         deps.Sessions,
		wallets:          deps.Wallets,
		transcripts:      deps.Transcripts,
		websocketHandler: deps.WebsocketHandler,
		metricsHandler:   deps.MetricsHandler,
		httpMetrics:      deps.HTTPMetrics,
		healthChecks:     deps.HealthChecks,
		startTime:        time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
