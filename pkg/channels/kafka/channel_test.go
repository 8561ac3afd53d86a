package kafka_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/devicehub/pkg/channels/kafka"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, kafka.ParseBrokers(" a:9092, ,b:9092,"))
	assert.Empty(t, kafka.ParseBrokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, nil, "devicehub")
	assert.Error(t, err)
}

func TestMarshaler_UsesKeyMetadata(t *testing.T) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	msg.Metadata.Set(events.EventMetadataKey, "10.0.0.5")

	produced, err := kafka.Marshaler().Marshal(events.CommandTopic, msg)
	require.NoError(t, err)
	require.NotNil(t, produced.Key)

	key, err := produced.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", string(key))
}

func TestCreateChannel_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("devicehub-test"))
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, container.Terminate(context.Background()))
	}()

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))

	pub, sub, err := kafka.CreateChannel(logger, brokers, "devicehub-test")
	require.NoError(t, err)

	defer func() {
		_ = pub.Close()
		_ = sub.Close()
	}()

	messages, err := sub.Subscribe(ctx, events.ReportTopic)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"device_id":"10.0.0.5"}`))
	msg.Metadata.Set(events.EventMetadataKey, "10.0.0.5")
	msg.Metadata.Set(events.EventTypeMetadataKey, string(events.DeviceHeartbeatEvent))
	require.NoError(t, pub.Publish(events.ReportTopic, msg))

	select {
	case received := <-messages:
		received.Ack()
		assert.Equal(t, string(events.DeviceHeartbeatEvent), received.Metadata.Get(events.EventTypeMetadataKey))
		assert.JSONEq(t, `{"device_id":"10.0.0.5"}`, string(received.Payload))
	case <-ctx.Done():
		t.Fatal("message was not consumed")
	}
}
