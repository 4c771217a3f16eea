package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Wallet holds a user's prepaid balance in minor units. Balance never goes
// negative; every change is mirrored by a ledger entry.
type Wallet struct {
	UserID    uuid.UUID
	Balance   int64
	UpdatedAt time.Time
}

type LedgerKind string

const (
	LedgerDebit      LedgerKind = "debit"
	LedgerCredit     LedgerKind = "credit"
	LedgerCommission LedgerKind = "commission"
	LedgerTopup      LedgerKind = "topup"
)

// LedgerEntry is an immutable balance movement. UserID is nil for the
// platform's commission share.
type LedgerEntry struct {
	ID           int64
	UserID       *uuid.UUID
	SessionID    *uuid.UUID
	TickSeq      int64
	Kind         LedgerKind
	Amount       int64
	BalanceAfter int64
	Reference    string
	CreatedAt    time.Time
}

// WalletDrift reports a wallet whose balance disagrees with its ledger.
type WalletDrift struct {
	UserID    uuid.UUID
	Balance   int64
	LedgerSum int64
}

type WalletRepository interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	// Credit tops up a wallet. A repeated reference is a no-op returning the
	// current wallet.
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*Wallet, error)
	ListLedger(ctx context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error)
	FindDrift(ctx context.Context) ([]WalletDrift, error)
	TickApplier
}
