package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/correlation"
	apperrors "github.com/pscheid92/consultline/internal/platform/errors"
)

const (
	frameTimeout   = 10 * time.Second
	cleanupTimeout = 5 * time.Second
)

// SessionCommands is the part of the session service driven by sockets.
type SessionCommands interface {
	Request(ctx context.Context, payerID, payeeID uuid.UUID, kind domain.SessionKind) (*domain.Session, error)
	Accept(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error)
	Reject(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error)
	Cancel(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error)
	End(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error)
	OnConnect(ctx context.Context, userID uuid.UUID)
	OnDisconnect(ctx context.Context, userID uuid.UUID)
}

type SignalRelay interface {
	Forward(ctx context.Context, senderID, sessionID uuid.UUID, t domain.EventType, payload json.RawMessage) error
}

// Deliverer writes a frame to a specific connection wherever it lives.
type Deliverer interface {
	Deliver(ctx context.Context, userID uuid.UUID, ref domain.ConnRef, frame []byte, closeAfter bool) error
}

type UserLookup interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

type Config struct {
	InstanceID          string
	AppURL              string
	AllowedOrigins      []string
	Development         bool
	MaxConnections      int64
	MaxConnectionsPerIP int
	FrameRate           float64
	FrameBurst          int
	PingInterval        time.Duration
	PongWait            time.Duration
}

type GatewayDeps struct {
	Users     UserLookup
	Sessions  SessionCommands
	Relay     SignalRelay
	Presence  domain.PresenceRegistry
	Deliverer Deliverer
	Hub       *Hub
	Clock     clockwork.Clock
	Metrics   *metrics.WebSocketMetrics
}

// Gateway terminates client sockets and turns inbound frames into session
// commands and relayed signals.
type Gateway struct {
	cfg       Config
	users     UserLookup
	sessions  SessionCommands
	relay     SignalRelay
	presence  domain.PresenceRegistry
	deliverer Deliverer
	hub       *Hub
	clock     clockwork.Clock
	metrics   *metrics.WebSocketMetrics
	limits    *connectionLimits
	upgrader  websocket.Upgrader
}

func NewGateway(cfg Config, deps GatewayDeps) *Gateway {
	return &Gateway{
		cfg:       cfg,
		users:     deps.Users,
		sessions:  deps.Sessions,
		relay:     deps.Relay,
		presence:  deps.Presence,
		deliverer: deps.Deliverer,
		hub:       deps.Hub,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		limits:    newConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newOriginPolicy(cfg.AppURL, cfg.AllowedOrigins, cfg.Development).check,
		},
	}
}

// ActiveConnections returns the number of sockets admitted on this instance.
func (g *Gateway) ActiveConnections() int64 {
	return g.limits.count()
}

// HandleWebSocket serves GET /ws?user_id=<uuid>.
func (g *Gateway) HandleWebSocket(c echo.Context) error {
	userID, err := uuid.Parse(c.QueryParam("user_id"))
	if err != nil {
		return apperrors.ValidationError("user_id must be a UUID")
	}

	ctx := c.Request().Context()

	if _, err := g.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return apperrors.NotFoundError("user not found")
		}
		return apperrors.InternalError("failed to load user", err)
	}

	ip := c.RealIP()
	if ok, reason := g.limits.acquire(ip); !ok {
		slog.WarnContext(ctx, "WebSocket connection rejected", "reason", reason, "remote_ip", ip)
		if reason == limitPerIP {
			return apperrors.RateLimitedError("too many connections from this address")
		}
		return apperrors.UnavailableError("connection limit reached")
	}
	defer g.limits.release(ip)

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		slog.WarnContext(ctx, "WebSocket upgrade failed", "error", err)
		return nil
	}
	conn.SetReadLimit(maxFrameBytes)

	// The request context ends with the handler; socket work outlives it.
	base := context.WithoutCancel(ctx)
	g.serve(base, conn, userID)
	return nil
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, userID uuid.UUID) {
	ref := domain.ConnRef{
		ConnID:      ulid.Make().String(),
		InstanceID:  g.cfg.InstanceID,
		ConnectedAt: g.clock.Now(),
	}

	cl := &client{userID: userID, connID: ref.ConnID}
	cl.writer = newClientWriter(conn, g.clock, g.cfg.PingInterval, g.cfg.PongWait, func() {
		g.touch(ctx, cl)
	})

	if err := g.hub.register(cl); err != nil {
		slog.ErrorContext(ctx, "Failed to register connection", "user_id", userID, "error", err)
		cl.writer.stop()
		return
	}

	if err := g.claimPresence(ctx, cl, ref); err != nil {
		slog.ErrorContext(ctx, "Failed to register presence", "user_id", userID, "error", err)
		g.hub.unregister(cl.connID)
		return
	}

	slog.InfoContext(ctx, "Client connected", "user_id", userID, "conn_id", cl.connID)
	g.sessions.OnConnect(ctx, userID)

	g.readLoop(ctx, conn, cl)
	g.cleanup(ctx, cl)
}

// claimPresence points the user's presence entry at this connection and
// closes the connection it replaced.
func (g *Gateway) claimPresence(ctx context.Context, cl *client, ref domain.ConnRef) error {
	prev, err := g.presence.Register(ctx, cl.userID, ref)
	if err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	if prev == nil || prev.ConnID == ref.ConnID {
		return nil
	}

	g.metrics.Supersede()
	err = g.deliverer.Deliver(ctx, cl.userID, *prev, supersededFrame(), true)
	if err != nil && !errors.Is(err, domain.ErrPeerOffline) {
		slog.WarnContext(ctx, "Failed to close superseded connection", "user_id", cl.userID, "conn_id", prev.ConnID, "instance_id", prev.InstanceID, "error", err)
	}
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, cl *client) {
	limiter := rate.NewLimiter(rate.Limit(g.cfg.FrameRate), g.cfg.FrameBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "WebSocket read ended", "user_id", cl.userID, "conn_id", cl.connID, "error", err)
			}
			return
		}

		frameCtx, cancel := context.WithTimeout(correlation.WithID(ctx, correlation.NewID()), frameTimeout)
		g.handleFrame(frameCtx, cl, limiter, data)
		cancel()
	}
}

func (g *Gateway) handleFrame(ctx context.Context, cl *client, limiter *rate.Limiter, data []byte) {
	if !limiter.Allow() {
		g.reject(ctx, cl, "", errRateLimited)
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		g.reject(ctx, cl, "", fmt.Errorf("%w: expected a JSON object with a type", errBadRequest))
		return
	}
	g.metrics.Frame(frameLabel(env.Type))

	if env.SessionID != "" {
		ctx = correlation.WithSession(ctx, env.SessionID)
	}
	if err := g.dispatch(ctx, cl, env); err != nil {
		g.reject(ctx, cl, env.SessionID, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, cl *client, env envelope) error {
	switch env.Type {
	case msgPing:
		g.hub.Send(cl.connID, pongFrame(), false)
		g.touch(ctx, cl)
		return nil

	case msgSessionRequest:
		var p sessionRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: invalid session_request payload", errBadRequest)
		}
		payeeID, err := uuid.Parse(p.PayeeID)
		if err != nil {
			return fmt.Errorf("%w: payee_id must be a UUID", errBadRequest)
		}
		kind, err := domain.ParseSessionKind(p.Kind)
		if err != nil {
			return err
		}
		_, err = g.sessions.Request(ctx, cl.userID, payeeID, kind)
		return err

	case msgSessionAccept, msgSessionReject, msgSessionCancel, msgSessionEnd:
		sessionID, err := parseSessionID(env.SessionID)
		if err != nil {
			return err
		}
		_, err = g.sessionCommand(env.Type)(ctx, sessionID, cl.userID)
		return err
	}

	t := domain.EventType(env.Type)
	if !t.IsSignal() {
		return fmt.Errorf("%w: %q", errUnsupportedType, env.Type)
	}
	sessionID, err := parseSessionID(env.SessionID)
	if err != nil {
		return err
	}
	return g.relay.Forward(ctx, cl.userID, sessionID, t, env.Payload)
}

func (g *Gateway) sessionCommand(msgType string) func(context.Context, uuid.UUID, uuid.UUID) (*domain.Session, error) {
	switch msgType {
	case msgSessionAccept:
		return g.sessions.Accept
	case msgSessionReject:
		return g.sessions.Reject
	case msgSessionCancel:
		return g.sessions.Cancel
	default:
		return g.sessions.End
	}
}

func parseSessionID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: session_id must be a UUID", errBadRequest)
	}
	return id, nil
}

// reject answers a frame with an error frame carrying the frame's
// correlation ID. Internal failures are logged under that reference and
// their detail stays out of the frame.
func (g *Gateway) reject(ctx context.Context, cl *client, sessionID string, err error) {
	code, message, public := errorCode(err)
	g.metrics.Rejected(code)

	ref, _ := correlation.ID(ctx)
	if !public {
		slog.ErrorContext(ctx, "Frame handling failed", "user_id", cl.userID, "conn_id", cl.connID, "error", err)
	}
	g.hub.Send(cl.connID, errorFrame(sessionID, code, message, ref), false)
}

func (g *Gateway) touch(ctx context.Context, cl *client) {
	if err := g.presence.Touch(ctx, cl.userID, cl.connID); err != nil {
		slog.WarnContext(ctx, "Presence heartbeat failed", "user_id", cl.userID, "conn_id", cl.connID, "error", err)
	}
}

func (g *Gateway) cleanup(ctx context.Context, cl *client) {
	g.hub.unregister(cl.connID)

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	removed, err := g.presence.Unregister(ctx, cl.userID, cl.connID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to unregister presence", "user_id", cl.userID, "conn_id", cl.connID, "error", err)
		return
	}

	slog.InfoContext(ctx, "Client disconnected", "user_id", cl.userID, "conn_id", cl.connID, "superseded", !removed)
	if removed {
		g.sessions.OnDisconnect(ctx, cl.userID)
	}
}
