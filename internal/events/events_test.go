package events

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	bus.Subscribe(EventOperationDiscarded, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	payload := OperationDiscardedPayload{OperationID: "op-1", Type: "photo.create", Reason: "exhausted", RetryCount: 5}
	require.NoError(t, bus.PublishJSON(EventOperationDiscarded, payload))

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventOperationDiscarded, received.Type)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded OperationDiscardedPayload
	require.NoError(t, received.Decode(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestEventBusMultipleSubscribersInOrder(t *testing.T) {
	bus := NewEventBus(nil)
	var order []int

	bus.Subscribe(EventSyncCompleted, func(_ *Event) error { order = append(order, 1); return nil })
	bus.Subscribe(EventSyncCompleted, func(_ *Event) error { order = append(order, 2); return nil })

	bus.Publish(&Event{Type: EventSyncCompleted})

	assert.Equal(t, []int{1, 2}, order)
}

func TestEventBusHandlerErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	bus := NewEventBus(&logger)

	called := false
	bus.Subscribe(EventSyncFailed, func(_ *Event) error { return errors.New("handler broke") })
	bus.Subscribe(EventSyncFailed, func(_ *Event) error { called = true; return nil })

	bus.Publish(&Event{Type: EventSyncFailed})

	assert.True(t, called, "later handlers still run")
	assert.Contains(t, buf.String(), "handler broke")
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	assert.NoError(t, bus.PublishJSON(EventQueueDrained, QueueDrainedPayload{}))
}

func TestNilEventBus(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventQueueDrained, QueueDrainedPayload{}))
	bus.Publish(&Event{Type: EventQueueDrained})
}

func TestPublishJSONEncodeError(t *testing.T) {
	bus := NewEventBus(nil)
	assert.Error(t, bus.PublishJSON("bad", make(chan int)))
}
