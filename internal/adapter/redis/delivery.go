package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Delivery carries an encoded outbound frame to the instance that owns the
// target connection. Close asks that instance to drop the connection after
// writing the frame.
type Delivery struct {
	UserID uuid.UUID       `json:"user_id"`
	ConnID string          `json:"conn_id"`
	Frame  json.RawMessage `json:"frame"`
	Close  bool            `json:"close,omitempty"`
}

func deliveryChannel(instanceID string) string {
	return "deliver:" + instanceID
}

// DeliveryBus routes frames between instances over Redis Pub/Sub, one
// channel per instance.
type DeliveryBus struct {
	rdb *goredis.Client
}

func NewDeliveryBus(rdb *goredis.Client) *DeliveryBus {
	return &DeliveryBus{rdb: rdb}
}

// Publish sends d to instanceID. It reports whether any subscriber received it.
func (b *DeliveryBus) Publish(ctx context.Context, instanceID string, d Delivery) (bool, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("failed to marshal delivery: %w", err)
	}
	n, err := b.rdb.Publish(ctx, deliveryChannel(instanceID), data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to publish delivery: %w", err)
	}
	return n > 0, nil
}

// Subscribe consumes deliveries addressed to instanceID until ctx is done.
// The subscription is confirmed before Subscribe returns.
func (b *DeliveryBus) Subscribe(ctx context.Context, instanceID string, handle func(Delivery)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, deliveryChannel(instanceID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to deliveries: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					slog.Warn("Failed to unmarshal delivery", "error", err)
					continue
				}
				handle(d)
			case <-subCtx.Done():
				return
			}
		}
	}()

	stop := func() {
		cancel()
		_ = sub.Close()
		<-done
	}
	return stop, nil
}
