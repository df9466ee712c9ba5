package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventNetworkOnline      = "network_online"
	EventOperationDiscarded = "operation_discarded"
	EventQueueDrained       = "queue_drained"
	EventSyncCompleted      = "sync_completed"
	EventSyncFailed         = "sync_failed"
	EventCleanupCompleted   = "cleanup_completed"
)

// OperationDiscardedPayload explains why a pending operation was dropped.
type OperationDiscardedPayload struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	EntityKey   string `json:"entity_key"`
	RetryCount  int    `json:"retry_count"`
	Reason      string `json:"reason"`
	LastError   string `json:"last_error,omitempty"`
}

// QueueDrainedPayload summarizes one drain pass.
type QueueDrainedPayload struct {
	Completed int    `json:"completed"`
	Retried   int    `json:"retried"`
	Discarded int    `json:"discarded"`
	Pruned    int    `json:"pruned"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

// SyncPayload summarizes one calendar sync pass.
type SyncPayload struct {
	Trigger    string    `json:"trigger"`
	Pulled     int       `json:"pulled"`
	FullPull   bool      `json:"full_pull"`
	Pushed     int       `json:"pushed"`
	Updated    int       `json:"updated"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Event is a lightweight in-process notification.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors are logged to logger when set.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type synchronously, in registration order.
func (b *EventBus) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event. A nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
