package domain

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrSessionNotFound = errors.New("session not found")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrLedgerContention    = errors.New("ledger is busy")
	ErrReferenceTaken      = errors.New("top-up reference already used for another user")

	ErrInvalidKind       = errors.New("invalid session kind")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrStatusConflict    = errors.New("session status changed concurrently")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrNotParticipant    = errors.New("user is not a party of the session")
	ErrForbiddenRole     = errors.New("user role not allowed for this action")
	ErrSelfSession       = errors.New("cannot start a session with yourself")
	ErrPayeeOffline      = errors.New("astrologer is offline")
	ErrPayeeBusy         = errors.New("astrologer is in another session")
	ErrPayerBusy         = errors.New("client already has a live session")

	ErrPeerOffline        = errors.New("peer is offline")
	ErrUnsupportedSignal  = errors.New("unsupported signal type")
	ErrInvalidChatMessage = errors.New("invalid chat message")
)
