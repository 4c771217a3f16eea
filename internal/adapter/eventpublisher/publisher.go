package eventpublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/adapter/redis"
	"github.com/pscheid92/consultline/internal/domain"
)

// LocalHub writes frames to sockets held by this instance.
type LocalHub interface {
	Send(connID string, frame []byte, closeAfter bool) bool
}

// RemoteBus forwards frames to the instance holding a socket.
type RemoteBus interface {
	Publish(ctx context.Context, instanceID string, d redis.Delivery) (bool, error)
}

// EventPublisher implements domain.Notifier by resolving the user's socket
// through the presence registry and writing to it locally or via the bus.
type EventPublisher struct {
	presence   domain.PresenceRegistry
	hub        LocalHub
	bus        RemoteBus
	instanceID string
	metrics    *metrics.WebSocketMetrics
}

var _ domain.Notifier = (*EventPublisher)(nil)

// New creates a publisher. bus may be nil when running a single instance.
func New(presence domain.PresenceRegistry, hub LocalHub, bus RemoteBus, instanceID string, m *metrics.WebSocketMetrics) *EventPublisher {
	return &EventPublisher{
		presence:   presence,
		hub:        hub,
		bus:        bus,
		instanceID: instanceID,
		metrics:    m,
	}
}

func (p *EventPublisher) Notify(ctx context.Context, userID uuid.UUID, ev domain.Event) error {
	ref, online, err := p.presence.Lookup(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence lookup: %w", err)
	}
	if !online {
		p.metrics.Delivered("offline")
		return domain.ErrPeerOffline
	}

	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Deliver(ctx, userID, ref, frame, false)
}

// Deliver writes frame to the connection ref. closeAfter drops the
// connection once the frame is written.
func (p *EventPublisher) Deliver(ctx context.Context, userID uuid.UUID, ref domain.ConnRef, frame []byte, closeAfter bool) error {
	if ref.InstanceID == p.instanceID {
		if !p.hub.Send(ref.ConnID, frame, closeAfter) {
			p.metrics.Delivered("offline")
			return domain.ErrPeerOffline
		}
		p.metrics.Delivered("local")
		return nil
	}

	if p.bus == nil {
		p.metrics.Delivered("offline")
		return domain.ErrPeerOffline
	}

	received, err := p.bus.Publish(ctx, ref.InstanceID, redis.Delivery{
		UserID: userID,
		ConnID: ref.ConnID,
		Frame:  frame,
		Close:  closeAfter,
	})
	if err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	if !received {
		// The owning instance is gone; its presence entry will expire.
		p.metrics.Delivered("offline")
		return domain.ErrPeerOffline
	}
	p.metrics.Delivered("remote")
	return nil
}

// HandleDelivery consumes frames other instances routed to this one.
func (p *EventPublisher) HandleDelivery(d redis.Delivery) {
	if !p.hub.Send(d.ConnID, d.Frame, d.Close) {
		slog.Debug("Dropped delivery for unknown connection", "user_id", d.UserID, "conn_id", d.ConnID)
	}
}
