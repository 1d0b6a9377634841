package call

import (
	"testing"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	topics []string
	keys   [][]byte
	values [][]byte
}

func (publisher *capturingPublisher) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	publisher.topics = append(publisher.topics, topic)
	publisher.keys = append(publisher.keys, key)
	publisher.values = append(publisher.values, value)

	return 0, int64(len(publisher.values)), nil
}

func TestPublishEventSendsKeyedByCallID(t *testing.T) {
	publisher := &capturingPublisher{}
	nextRetryAt := time.Date(2025, 8, 1, 12, 10, 0, 0, time.UTC)

	PublishEvent(publisher, EventCallRetryScheduled, &Call{
		CallID:      "EL_1_200",
		Status:      StatusFailed,
		RetryCount:  1,
		NextRetryAt: &nextRetryAt,
	})

	require.Len(t, publisher.values, 1)
	require.Equal(t, config.Conf.KafkaCallEventsTopic, publisher.topics[0])
	require.Equal(t, []byte("EL_1_200"), publisher.keys[0])

	var event Event
	require.NoError(t, json.Unmarshal(publisher.values[0], &event))
	require.Equal(t, EventCallRetryScheduled, event.Type)
	require.Equal(t, "EL_1_200", event.CallID)
	require.Equal(t, StatusFailed, event.Status)
	require.Equal(t, 1, event.RetryCount)
	require.NotNil(t, event.NextRetryAt)
	require.False(t, event.OccurredAt.IsZero())
}

func TestPublishEventNilPublisherIsNoOp(t *testing.T) {
	require.NotPanics(t, func() {
		PublishEvent(nil, EventCallCreated, &Call{CallID: "EL_1_201"})
	})
}
