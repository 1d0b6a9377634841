package call

import (
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Lifecycle event types published to the call events topic.
const (
	EventCallCreated        = "call.created"
	EventCallCompleted      = "call.completed"
	EventCallFailed         = "call.failed"
	EventCallRetryScheduled = "call.retry_scheduled"
)

type Event struct {
	Type                   string     `json:"type"`
	CallID                 string     `json:"call_id"`
	ExternalConversationID *string    `json:"external_conversation_id,omitempty"`
	Status                 string     `json:"status"`
	DriverID               *int64     `json:"driver_id,omitempty"`
	RetryCount             int        `json:"retry_count"`
	NextRetryAt            *time.Time `json:"next_retry_at,omitempty"`
	OccurredAt             time.Time  `json:"occurred_at"`
}

// EventPublisher is satisfied by kafka.Producer.
type EventPublisher interface {
	SendMessage(topic string, key, value []byte) (int32, int64, error)
}

// PublishEvent emits a lifecycle event. Delivery is best effort: the call
// record is the source of truth and a broker outage must not fail the
// operation that produced the event.
func PublishEvent(publisher EventPublisher, eventType string, c *Call) {
	if publisher == nil {
		return
	}

	event := Event{
		Type:                   eventType,
		CallID:                 c.CallID,
		ExternalConversationID: c.ExternalConversationID,
		Status:                 c.Status,
		DriverID:               c.DriverID,
		RetryCount:             c.RetryCount,
		NextRetryAt:            c.NextRetryAt,
		OccurredAt:             time.Now().UTC(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		logging.Logger.Error("[PublishEvent] Failed to marshal call event",
			zap.String("type", eventType),
			zap.String("call_id", c.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	_, _, err = publisher.SendMessage(config.Conf.KafkaCallEventsTopic, []byte(c.CallID), value)
	if err != nil {
		logging.Logger.Warn("[PublishEvent] Failed to publish call event",
			zap.String("type", eventType),
			zap.String("call_id", c.CallID),
			zap.String("error", err.Error()),
		)
	}
}
