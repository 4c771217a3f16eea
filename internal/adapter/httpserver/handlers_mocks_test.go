package httpserver

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/consultline/internal/app"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/config"
)

const testOperatorToken = "operator-token-0123456789"

// --- Mock implementations ---

type mockSessionService struct {
	getFn         func(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	listForUserFn func(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error)
	statusFn      func(ctx context.Context, userID uuid.UUID) (app.UserStatus, error)
	forceEndFn    func(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason) (*domain.Session, error)
}

func (m *mockSessionService) Get(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	if m.getFn != nil {
		return m.getFn(ctx, sessionID)
	}
	return nil, domain.ErrSessionNotFound
}

func (m *mockSessionService) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	if m.listForUserFn != nil {
		return m.listForUserFn(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockSessionService) Status(ctx context.Context, userID uuid.UUID) (app.UserStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID)
	}
	return app.UserStatus{UserID: userID}, nil
}

func (m *mockSessionService) ForceEnd(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason) (*domain.Session, error) {
	if m.forceEndFn != nil {
		return m.forceEndFn(ctx, sessionID, reason)
	}
	return nil, errors.New("not implemented")
}

type mockWalletService struct {
	getWalletFn func(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	creditFn    func(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*domain.Wallet, error)
	ledgerFn    func(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
}

func (m *mockWalletService) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	if m.getWalletFn != nil {
		return m.getWalletFn(ctx, userID)
	}
	return nil, domain.ErrWalletNotFound
}

func (m *mockWalletService) Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*domain.Wallet, error) {
	if m.creditFn != nil {
		return m.creditFn(ctx, userID, amount, reference)
	}
	return nil, errors.New("not implemented")
}

func (m *mockWalletService) Ledger(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if m.ledgerFn != nil {
		return m.ledgerFn(ctx, userID, limit)
	}
	return nil, nil
}

type mockTranscripts struct {
	transcriptFn func(ctx context.Context, sessionID, viewerID uuid.UUID, limit int) ([]domain.ChatMessage, error)
}

func (m *mockTranscripts) Transcript(ctx context.Context, sessionID, viewerID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	if m.transcriptFn != nil {
		return m.transcriptFn(ctx, sessionID, viewerID, limit)
	}
	return nil, nil
}

// --- Test helpers ---

func newTestServer(t *testing.T, opts ...func(*Deps)) *Server {
	t.Helper()

	deps := Deps{
		Sessions:    &mockSessionService{},
		Wallets:     &mockWalletService{},
		Transcripts: &mockTranscripts{},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	cfg := &config.Config{
		OperatorToken:    testOperatorToken,
		InstanceID:       "test-instance",
		APIRatePerSecond: 1000,
		APIBurst:         1000,
	}
	return NewServer(cfg, deps)
}

func withSessions(m *mockSessionService) func(*Deps) {
	return func(d *Deps) { d.Sessions = m }
}

func withWallets(m *mockWalletService) func(*Deps) {
	return func(d *Deps) { d.Wallets = m }
}

func withTranscripts(m *mockTranscripts) func(*Deps) {
	return func(d *Deps) { d.Transcripts = m }
}

func withHealthChecks(checks ...HealthCheck) func(*Deps) {
	return func(d *Deps) { d.HealthChecks = checks }
}

func withWebsocketHandler(h echo.HandlerFunc) func(*Deps) {
	return func(d *Deps) { d.WebsocketHandler = h }
}

func withMetricsHandler(h http.Handler) func(*Deps) {
	return func(d *Deps) { d.MetricsHandler = h }
}
