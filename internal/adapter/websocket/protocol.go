package websocket

import (
	"encoding/json"
	"errors"

	"github.com/pscheid92/consultline/internal/domain"
)

// Inbound message types. Signal types share their names with the outbound
// events they become.
const (
	msgSessionRequest = "session_request"
	msgSessionAccept  = "session_accept"
	msgSessionReject  = "session_reject"
	msgSessionCancel  = "session_cancel"
	msgSessionEnd     = "session_end"
	msgPing           = "ping"
)

const maxFrameBytes = 64 << 10

// frameLabel bounds the metric label to known message types.
func frameLabel(msgType string) string {
	switch msgType {
	case msgSessionRequest, msgSessionAccept, msgSessionReject, msgSessionCancel, msgSessionEnd, msgPing:
		return msgType
	}
	if domain.EventType(msgType).IsSignal() {
		return msgType
	}
	return "unknown"
}

type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type sessionRequestPayload struct {
	PayeeID string `json:"payee_id"`
	Kind    string `json:"kind"`
}

// Error codes sent in error frames.
const (
	codeBadRequest     = "bad_request"
	codeRateLimited    = "rate_limited"
	codeUnsupported    = "unsupported_type"
	codeInternal       = "internal"
	codePeerOffline    = "peer_offline"
	codeInvalidState   = "invalid_state"
	codeNotFound       = "not_found"
	codeNotParticipant = "not_participant"
)

var (
	errBadRequest      = errors.New("malformed message")
	errUnsupportedType = errors.New("unsupported message type")
	errRateLimited     = errors.New("too many messages")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{errBadRequest, codeBadRequest},
	{errUnsupportedType, codeUnsupported},
	{errRateLimited, codeRateLimited},
	{domain.ErrInsufficientBalance, "insufficient_balance"},
	{domain.ErrPayeeOffline, "payee_offline"},
	{domain.ErrPayeeBusy, "payee_busy"},
	{domain.ErrPayerBusy, "payer_busy"},
	{domain.ErrPeerOffline, codePeerOffline},
	{domain.ErrSelfSession, "self_session"},
	{domain.ErrForbiddenRole, "forbidden_role"},
	{domain.ErrNotParticipant, codeNotParticipant},
	{domain.ErrSessionNotFound, codeNotFound},
	{domain.ErrUserNotFound, codeNotFound},
	{domain.ErrWalletNotFound, codeNotFound},
	{domain.ErrSessionNotActive, "session_not_active"},
	{domain.ErrInvalidTransition, codeInvalidState},
	{domain.ErrStatusConflict, codeInvalidState},
	{domain.ErrInvalidKind, "invalid_kind"},
	{domain.ErrInvalidChatMessage, "invalid_message"},
	{domain.ErrUnsupportedSignal, codeUnsupported},
}

// errorCode maps err to its wire code and the message shown to the client.
// Unknown errors are internal and their text is not sent.
func errorCode(err error) (code, message string, public bool) {
	for _, ec := range errorCodes {
		if !errors.Is(err, ec.err) {
			continue
		}
		if ec.err == errBadRequest {
			// Parse errors say which field was wrong.
			return ec.code, err.Error(), true
		}
		return ec.code, ec.err.Error(), true
	}
	return codeInternal, "internal error", false
}

func errorFrame(sessionID, code, message, ref string) []byte {
	data, _ := json.Marshal(domain.Event{
		Type:      domain.EventError,
		SessionID: sessionID,
		Payload:   domain.ErrorPayload{Code: code, Message: message, Ref: ref},
	})
	return data
}

func pongFrame() []byte {
	data, _ := json.Marshal(domain.Event{Type: domain.EventPong})
	return data
}

func supersededFrame() []byte {
	data, _ := json.Marshal(domain.Event{Type: domain.EventSuperseded})
	return data
}
