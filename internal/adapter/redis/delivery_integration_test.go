package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryBus_RoutesToInstance(t *testing.T) {
	bus := NewDeliveryBus(setupTestClient(t))
	ctx := context.Background()

	got := make(chan Delivery, 1)
	stop, err := bus.Subscribe(ctx, "inst-b", func(d Delivery) { got <- d })
	require.NoError(t, err)
	defer stop()

	want := Delivery{UserID: uuid.New(), ConnID: "c1", Frame: json.RawMessage(`{"type":"offer"}`)}
	received, err := bus.Publish(ctx, "inst-b", want)
	require.NoError(t, err)
	assert.True(t, received)

	select {
	case d := <-got:
		assert.Equal(t, want.UserID, d.UserID)
		assert.Equal(t, "c1", d.ConnID)
		assert.JSONEq(t, `{"type":"offer"}`, string(d.Frame))
		assert.False(t, d.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not received")
	}
}

func TestDeliveryBus_PublishWithoutSubscriber(t *testing.T) {
	bus := NewDeliveryBus(setupTestClient(t))

	received, err := bus.Publish(context.Background(), "nobody", Delivery{ConnID: "c1"})
	require.NoError(t, err)
	assert.False(t, received)
}
