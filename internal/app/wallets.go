package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/domain"
)

// WalletService exposes balances and operator top-ups. Balances only change
// here and in the billing ledger.
type WalletService struct {
	users   domain.UserRepository
	wallets domain.WalletRepository
	metrics *metrics.LedgerMetrics
}

func NewWalletService(users domain.UserRepository, wallets domain.WalletRepository, m *metrics.LedgerMetrics) *WalletService {
	return &WalletService{users: users, wallets: wallets, metrics: m}
}

func (s *WalletService) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return s.wallets.GetWallet(ctx, userID)
}

// Credit tops up a wallet. The reference makes retries idempotent.
func (s *WalletService) Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*domain.Wallet, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = "topup-" + uuid.NewString()
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}

	wallet, err := s.wallets.Credit(ctx, userID, amount, reference)
	if err != nil {
		return nil, err
	}
	s.metrics.Topup()
	slog.InfoContext(ctx, "Wallet credited", "user_id", userID, "amount", amount, "reference", reference, "balance", wallet.Balance)
	return wallet, nil
}

func (s *WalletService) Ledger(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.wallets.ListLedger(ctx, userID, limit)
}
