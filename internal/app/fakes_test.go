package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/consultline/internal/domain"
)

// --- users ---

type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*domain.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[uuid.UUID]*domain.User)}
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUsers) Create(_ context.Context, nu domain.NewUser) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &domain.User{ID: uuid.New(), DisplayName: nu.DisplayName, Role: nu.Role, ChatRate: nu.ChatRate, CallRate: nu.CallRate}
	f.users[u.ID] = u
	c := *u
	return &c, nil
}

// --- sessions, wallets, ledger, chat ---

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
	wallets  map[uuid.UUID]int64
	ledger   []domain.LedgerEntry
	refs     map[string]uuid.UUID
	chats    []domain.ChatMessage

	applyErr   error
	applyCalls int
	driftErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]*domain.Session),
		wallets:  make(map[uuid.UUID]int64),
		refs:     make(map[string]uuid.UUID),
	}
}

func (f *fakeStore) Create(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if !existing.Status.IsLive() {
			continue
		}
		if existing.PayeeID == s.PayeeID || existing.PayerID == s.PayeeID {
			return domain.ErrPayeeBusy
		}
		if existing.PayerID == s.PayerID || existing.PayeeID == s.PayerID {
			return domain.ErrPayerBusy
		}
	}
	c := *s
	f.sessions[s.ID] = &c
	return nil
}

func (f *fakeStore) put(s domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) Transition(_ context.Context, id uuid.UUID, from, to domain.SessionStatus, at time.Time, reason domain.EndReason) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.Status != from {
		return nil, domain.ErrStatusConflict
	}
	s.Status = to
	if to == domain.StatusActive {
		s.AcceptedAt = &at
	}
	if to.IsTerminal() {
		s.EndedAt = &at
		s.EndReason = reason
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) FindLiveForUser(_ context.Context, userID uuid.UUID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Status.IsLive() && s.IsParty(userID) {
			c := *s
			return &c, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (f *fakeStore) ListForUser(_ context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.IsParty(userID) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListByStatus(_ context.Context, status domain.SessionStatus, before time.Time) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.Status == status && !s.LastActivity().After(before) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) session(id uuid.UUID) domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeStore) GetWallet(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &domain.Wallet{UserID: userID, Balance: b}, nil
}

func (f *fakeStore) Credit(_ context.Context, userID uuid.UUID, amount int64, reference string) (*domain.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.wallets[userID]; !ok {
		return nil, domain.ErrWalletNotFound
	}
	owner, seen := f.refs[reference]
	switch {
	case !seen:
		f.refs[reference] = userID
		f.wallets[userID] += amount
		f.book(userID, nil, 0, domain.LedgerTopup, amount)
	case owner != userID:
		return nil, domain.ErrReferenceTaken
	}
	return &domain.Wallet{UserID: userID, Balance: f.wallets[userID]}, nil
}

func (f *fakeStore) ListLedger(_ context.Context, userID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(f.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if e := f.ledger[i]; e.UserID != nil && *e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) FindDrift(context.Context) ([]domain.WalletDrift, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.driftErr != nil {
		return nil, f.driftErr
	}
	sums := make(map[uuid.UUID]int64)
	for _, e := range f.ledger {
		if e.UserID != nil {
			sums[*e.UserID] += e.Amount
		}
	}
	var out []domain.WalletDrift
	for id, balance := range f.wallets {
		if sums[id] != balance {
			out = append(out, domain.WalletDrift{UserID: id, Balance: balance, LedgerSum: sums[id]})
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyTick(_ context.Context, req domain.TickRequest) (*domain.TickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.applyErr != nil {
		return nil, f.applyErr
	}

	s, ok := f.sessions[req.SessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.Status != domain.StatusActive {
		return nil, domain.ErrSessionNotActive
	}
	if req.Seq <= s.LastTickSeq {
		return &domain.TickResult{Seq: s.LastTickSeq, PayerBalance: f.wallets[s.PayerID], TotalCharged: s.TotalCharged, PayeeEarned: s.PayeeEarned, BilledMillis: s.BilledMillis, Replayed: true}, nil
	}

	c := domain.ComputeTick(s.RatePerMinute, s.TickMillis, req.Seq, s.TotalCharged, s.CommissionBps)
	if f.wallets[s.PayerID] < c.Amount {
		return nil, domain.ErrInsufficientBalance
	}
	if c.Amount > 0 {
		f.wallets[s.PayerID] -= c.Amount
		f.wallets[s.PayeeID] += c.PayeeCredit
		sid := s.ID
		f.book(s.PayerID, &sid, req.Seq, domain.LedgerDebit, -c.Amount)
		f.book(s.PayeeID, &sid, req.Seq, domain.LedgerCredit, c.PayeeCredit)
	}
	at := req.At
	s.LastTickSeq = req.Seq
	s.LastTickAt = &at
	s.BilledMillis = c.BilledMillis
	s.TotalCharged += c.Amount
	s.PayeeEarned += c.PayeeCredit

	return &domain.TickResult{Seq: req.Seq, Charge: c, PayerBalance: f.wallets[s.PayerID], TotalCharged: s.TotalCharged, PayeeEarned: s.PayeeEarned, BilledMillis: s.BilledMillis}, nil
}

func (f *fakeStore) book(userID uuid.UUID, sessionID *uuid.UUID, seq int64, kind domain.LedgerKind, amount int64) {
	uid := userID
	f.ledger = append(f.ledger, domain.LedgerEntry{ID: int64(len(f.ledger) + 1), UserID: &uid, SessionID: sessionID, TickSeq: seq, Kind: kind, Amount: amount, BalanceAfter: f.wallets[userID]})
}

func (f *fakeStore) balance(userID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallets[userID]
}

func (f *fakeStore) setApplyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErr = err
}

func (f *fakeStore) Save(_ context.Context, msg *domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, *msg)
	return nil
}

func (f *fakeStore) ListBySession(_ context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ChatMessage
	for _, m := range f.chats {
		if m.SessionID == sessionID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- notifier ---

type fakeNotifier struct {
	mu      sync.Mutex
	events  map[uuid.UUID][]domain.Event
	offline map[uuid.UUID]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[uuid.UUID][]domain.Event), offline: make(map[uuid.UUID]bool)}
}

func (n *fakeNotifier) Notify(_ context.Context, userID uuid.UUID, ev domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline[userID] {
		return domain.ErrPeerOffline
	}
	n.events[userID] = append(n.events[userID], ev)
	return nil
}

func (n *fakeNotifier) count(userID uuid.UUID, t domain.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events[userID] {
		if ev.Type == t {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) last(userID uuid.UUID, t domain.EventType) (domain.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	evs := n.events[userID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == t {
			return evs[i], true
		}
	}
	return domain.Event{}, false
}

// --- leader ---

type fakeLeader struct {
	leader bool
	err    error
	calls  int
}

func (l *fakeLeader) TryAcquire(context.Context) (bool, error) {
	l.calls++
	return l.leader, l.err
}

// advanceUntil steps the fake clock until cond holds.
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clock.Advance(step)
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}
