package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/consultline/internal/domain"
	apperrors "github.com/pscheid92/consultline/internal/platform/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxReferenceLen  = 128
)

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", newRateLimiter(s.config.APIRatePerSecond, s.config.APIBurst))

	api.GET("/users/:id/wallet", s.handleGetWallet)
	api.GET("/users/:id/sessions", s.handleListSessions)
	api.GET("/users/:id/presence", s.handlePresence)
	api.GET("/sessions/:id", s.handleGetSession)

	api.POST("/users/:id/wallet/credit", s.handleCredit, s.requireOperator)
	api.GET("/users/:id/ledger", s.handleLedger, s.requireOperator)
	api.POST("/sessions/:id/end", s.handleForceEnd, s.requireOperator)
	api.GET("/sessions/:id/messages", s.handleTranscript, s.requireOperator)
}

type walletResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newWalletResponse(w *domain.Wallet) walletResponse {
	return walletResponse{UserID: w.UserID, Balance: w.Balance, UpdatedAt: w.UpdatedAt}
}

type ledgerEntryResponse struct {
	ID           int64             `json:"id"`
	SessionID    *uuid.UUID        `json:"session_id,omitempty"`
	TickSeq      int64             `json:"tick_seq,omitempty"`
	Kind         domain.LedgerKind `json:"kind"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	Reference    string            `json:"reference,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (s *Server) handleGetWallet(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}

	wallet, err := s.wallets.GetWallet(c.Request().Context(), userID)
	if err != nil {
		return fromDomain(err, "failed to load wallet")
	}

	if err := c.JSON(http.StatusOK, newWalletResponse(wallet)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCredit(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}

	var req creditRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Amount <= 0 {
		return apperrors.ValidationError("amount must be positive").WithField("amount", req.Amount)
	}
	if req.Reference == "" || len(req.Reference) > maxReferenceLen {
		return apperrors.ValidationError(fmt.Sprintf("reference is required and at most %d characters", maxReferenceLen))
	}

	wallet, err := s.wallets.Credit(c.Request().Context(), userID, req.Amount, req.Reference)
	if err != nil {
		return fromDomain(err, "failed to credit wallet")
	}

	if err := c.JSON(http.StatusOK, newWalletResponse(wallet)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLedger(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	entries, err := s.wallets.Ledger(c.Request().Context(), userID, limit)
	if err != nil {
		return fromDomain(err, "failed to load ledger")
	}

	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			ID:           e.ID,
			SessionID:    e.SessionID,
			TickSeq:      e.TickSeq,
			Kind:         e.Kind,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Reference:    e.Reference,
			CreatedAt:    e.CreatedAt,
		})
	}

	if err := c.JSON(http.StatusOK, out); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleListSessions(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	sessions, err := s.sessions.ListForUser(c.Request().Context(), userID, limit)
	if err != nil {
		return fromDomain(err, "failed to list sessions")
	}

	out := make([]domain.SessionView, 0, len(sessions))
	for i := range sessions {
		out = append(out, domain.NewSessionView(&sessions[i]))
	}

	if err := c.JSON(http.StatusOK, out); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handlePresence(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}

	status, err := s.sessions.Status(c.Request().Context(), userID)
	if err != nil {
		return fromDomain(err, "failed to load presence")
	}

	if err := c.JSON(http.StatusOK, status); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	sessionID, err := pathID(c)
	if err != nil {
		return err
	}

	sess, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return fromDomain(err, "failed to load session")
	}

	if err := c.JSON(http.StatusOK, domain.NewSessionView(sess)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleForceEnd(c echo.Context) error {
	sessionID, err := pathID(c)
	if err != nil {
		return err
	}

	sess, err := s.sessions.ForceEnd(c.Request().Context(), sessionID, domain.EndOperator)
	if err != nil {
		return fromDomain(err, "failed to end session").WithField("session_id", sessionID.String())
	}

	if err := c.JSON(http.StatusOK, domain.NewSessionView(sess)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleTranscript(c echo.Context) error {
	sessionID, err := pathID(c)
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	// Operators read any transcript.
	msgs, err := s.transcripts.Transcript(c.Request().Context(), sessionID, uuid.Nil, limit)
	if err != nil {
		return fromDomain(err, "failed to load transcript")
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}

	if err := c.JSON(http.StatusOK, msgs); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid UUID format").WithField("id", raw)
	}
	return id, nil
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, apperrors.ValidationError(fmt.Sprintf("limit must be between 1 and %d", maxListLimit)).WithField("limit", raw)
	}
	return limit, nil
}
