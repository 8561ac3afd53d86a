package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/devicehub/pkg/events"
)

var ErrUnknownEventType = errors.New("unknown event type")

// decoders allocates the concrete value a payload of each type decodes into.
var decoders = map[events.EventType]func() any{
	events.TaskAssignedEvent:              func() any { return &events.TaskAssigned{} },
	events.TaskCancelRequestedEvent:       func() any { return &events.TaskCancelRequested{} },
	events.AgentReportEvent:               func() any { return &events.AgentReport{} },
	events.DeviceHeartbeatEvent:           func() any { return &events.DeviceHeartbeat{} },
	events.TaskFinishedEvent:              func() any { return &events.TaskFinished{} },
	events.WorkflowExecutionFinishedEvent: func() any { return &events.WorkflowExecutionFinished{} },
}

// Decode parses a payload of the given type into its event struct.
func Decode(eventType events.EventType, payload []byte) (any, error) {
	factory, ok := decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	event := factory()

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}

type WatermillEventBus struct {
	logger        *slog.Logger
	publisher     message.Publisher
	subscriber    message.Subscriber
	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(logger *slog.Logger, pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		logger:        logger.With("module", "eventbus"),
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish sends event on its type's topic. key selects the partition, so
// events sharing a key are consumed in publish order.
func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))
	msg.SetContext(ctx)

	return eb.publisher.Publish(event.GetType().Topic(), msg)
}

// Subscribe starts one consumer per topic carrying a handled event type.
// Handlers must be registered first.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	eb.mu.RLock()
	topics := make(map[string]struct{})

	for eventType := range eb.subscriptions {
		topics[eventType.Topic()] = struct{}{}
	}
	eb.mu.RUnlock()

	for topic := range topics {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		go eb.consume(ctx, topic, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		event, err := Decode(eventType, msg.Payload)
		if err != nil {
			// A payload that cannot be decoded never will be; drop it.
			eb.logger.ErrorContext(ctx, "Dropping undecodable message",
				"topic", topic, "message_id", msg.UUID, "event_type", eventType, "error", err)
			msg.Ack()

			continue
		}

		err = handler(ctx, event)
		if err != nil {
			eb.logger.WarnContext(ctx, "Event handler failed, message will be redelivered",
				"topic", topic, "message_id", msg.UUID, "event_type", eventType, "error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	if _, ok := decoders[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
