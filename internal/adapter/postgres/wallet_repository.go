package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/consultline/internal/domain"
)

// ledgerColumns must match the Scan order in ListLedger.
const ledgerColumns = `id, user_id, session_id, tick_seq, kind, amount, balance_after, reference, created_at`

// WalletRepo owns wallets and the ledger. Every balance change happens in a
// transaction together with its ledger rows.
type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

func (r *WalletRepo) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	var w domain.Wallet
	err := r.pool.QueryRow(ctx, `SELECT user_id, balance, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// Credit tops up a wallet. Top-up references are unique across all users:
// repeating one for the same user is a no-op, using one booked for another
// user fails with domain.ErrReferenceTaken.
func (r *WalletRepo) Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*domain.Wallet, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, kind, amount, balance_after, reference)
		VALUES ($1, 'topup', $2, $3, $4)
		ON CONFLICT (reference) WHERE kind = 'topup' DO NOTHING`,
		userID, amount, balance+amount, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to book top-up: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var owner uuid.UUID
		err = tx.QueryRow(ctx, `SELECT user_id FROM ledger_entries WHERE kind = 'topup' AND reference = $1`, reference).Scan(&owner)
		if err != nil {
			return nil, fmt.Errorf("failed to look up top-up reference: %w", err)
		}
		if owner != userID {
			return nil, domain.ErrReferenceTaken
		}
	}

	var w domain.Wallet
	if tag.RowsAffected() == 0 {
		err = tx.QueryRow(ctx, `SELECT user_id, balance, updated_at FROM wallets WHERE user_id = $1`, userID).
			Scan(&w.UserID, &w.Balance, &w.UpdatedAt)
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE wallets SET balance = balance + $2, updated_at = NOW()
			WHERE user_id = $1
			RETURNING user_id, balance, updated_at`, userID, amount).
			Scan(&w.UserID, &w.Balance, &w.UpdatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &w, nil
}

// ListLedger returns the user's most recent entries first.
func (r *WalletRepo) ListLedger(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LedgerEntry, error) {
		var e domain.LedgerEntry
		var kind string
		var reference *string
		err := row.Scan(&e.ID, &e.UserID, &e.SessionID, &e.TickSeq, &kind, &e.Amount, &e.BalanceAfter, &reference, &e.CreatedAt)
		e.Kind = domain.LedgerKind(kind)
		if reference != nil {
			e.Reference = *reference
		}
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return entries, nil
}

// FindDrift returns wallets whose balance differs from the sum of their
// ledger entries.
func (r *WalletRepo) FindDrift(ctx context.Context) ([]domain.WalletDrift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.user_id, w.balance, COALESCE(SUM(l.amount), 0)::BIGINT AS ledger_sum
		FROM wallets w
		LEFT JOIN ledger_entries l ON l.user_id = w.user_id
		GROUP BY w.user_id, w.balance
		HAVING w.balance <> COALESCE(SUM(l.amount), 0)`)
	if err != nil {
		return nil, fmt.Errorf("failed to audit wallets: %w", err)
	}

	drift, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WalletDrift, error) {
		var d domain.WalletDrift
		err := row.Scan(&d.UserID, &d.Balance, &d.LedgerSum)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet drift: %w", err)
	}
	return drift, nil
}

// ApplyTick bills one tick. The session row is locked first, then both
// wallets in user ID order, so concurrent ticks and top-ups serialize
// without deadlocking. Lock timeouts and serialization failures are
// reported as domain.ErrLedgerContention.
func (r *WalletRepo) ApplyTick(ctx context.Context, req domain.TickRequest) (*domain.TickResult, error) {
	res, err := r.applyTick(ctx, req)
	if isContention(err) {
		return nil, fmt.Errorf("%w: %w", domain.ErrLedgerContention, err)
	}
	return res, err
}

func (r *WalletRepo) applyTick(ctx context.Context, req domain.TickRequest) (*domain.TickResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, req.SessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if s.Status != domain.StatusActive {
		return nil, domain.ErrSessionNotActive
	}

	balances, err := lockWallets(ctx, tx, s.PayerID, s.PayeeID)
	if err != nil {
		return nil, err
	}

	if req.Seq <= s.LastTickSeq {
		return &domain.TickResult{
			Seq:          s.LastTickSeq,
			PayerBalance: balances[s.PayerID],
			TotalCharged: s.TotalCharged,
			PayeeEarned:  s.PayeeEarned,
			BilledMillis: s.BilledMillis,
			Replayed:     true,
		}, nil
	}

	c := domain.ComputeTick(s.RatePerMinute, s.TickMillis, req.Seq, s.TotalCharged, s.CommissionBps)
	payerBalance := balances[s.PayerID]
	if payerBalance < c.Amount {
		return nil, domain.ErrInsufficientBalance
	}

	if c.Amount > 0 {
		payerBalance -= c.Amount
		payeeBalance := balances[s.PayeeID] + c.PayeeCredit

		if err := moveMoney(ctx, tx, s, req.Seq, c, payerBalance, payeeBalance); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET last_tick_seq = $2, last_tick_at = $3, billed_millis = $4,
			total_charged = total_charged + $5, payee_earned = payee_earned + $6
		WHERE id = $1`,
		s.ID, req.Seq, req.At, c.BilledMillis, c.Amount, c.PayeeCredit)
	if err != nil {
		return nil, fmt.Errorf("failed to advance session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &domain.TickResult{
		Seq:          req.Seq,
		Charge:       c,
		PayerBalance: payerBalance,
		TotalCharged: s.TotalCharged + c.Amount,
		PayeeEarned:  s.PayeeEarned + c.PayeeCredit,
		BilledMillis: c.BilledMillis,
	}, nil
}

func lockWallets(ctx context.Context, tx pgx.Tx, payerID, payeeID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT user_id, balance FROM wallets
		WHERE user_id = ANY($1)
		ORDER BY user_id
		FOR UPDATE`, []uuid.UUID{payerID, payeeID})
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallets: %w", err)
	}

	balances := make(map[uuid.UUID]int64, 2)
	var userID uuid.UUID
	var balance int64
	_, err = pgx.ForEachRow(rows, []any{&userID, &balance}, func() error {
		balances[userID] = balance
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallets: %w", err)
	}
	if len(balances) != 2 {
		return nil, domain.ErrWalletNotFound
	}
	return balances, nil
}

func moveMoney(ctx context.Context, tx pgx.Tx, s *domain.Session, seq int64, c domain.TickCharge, payerBalance, payeeBalance int64) error {
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE wallets SET balance = $2, updated_at = NOW() WHERE user_id = $1`, s.PayerID, payerBalance)
	batch.Queue(`UPDATE wallets SET balance = $2, updated_at = NOW() WHERE user_id = $1`, s.PayeeID, payeeBalance)
	batch.Queue(`
		INSERT INTO ledger_entries (user_id, session_id, tick_seq, kind, amount, balance_after)
		VALUES ($1, $2, $3, 'debit', $4, $5)`, s.PayerID, s.ID, seq, -c.Amount, payerBalance)
	batch.Queue(`
		INSERT INTO ledger_entries (user_id, session_id, tick_seq, kind, amount, balance_after)
		VALUES ($1, $2, $3, 'credit', $4, $5)`, s.PayeeID, s.ID, seq, c.PayeeCredit, payeeBalance)
	if c.Commission > 0 {
		// Platform rows carry no user and no running balance.
		batch.Queue(`
			INSERT INTO ledger_entries (user_id, session_id, tick_seq, kind, amount, balance_after)
			VALUES (NULL, $1, $2, 'commission', $3, 0)`, s.ID, seq, c.Commission)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to book tick: %w", err)
	}
	return nil
}
