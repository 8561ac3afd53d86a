package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/devicehub/pkg/channels/gochannel"
	"github.com/dukex/devicehub/pkg/channels/kafka"
	"github.com/dukex/devicehub/pkg/channels/redisqueue"
	"github.com/dukex/devicehub/pkg/config"
	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/eventbus"
)

// NewEventBus builds the bus named by provider. Kafka subscribers of one
// serviceName share a consumer group.
func NewEventBus(provider string, brokers []string, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	var (
		pub message.Publisher
		sub message.Subscriber
		err error
	)

	adapter := watermill.NewSlogLogger(logger)

	switch provider {
	case config.EventBusKafka:
		pub, sub, err = kafka.CreateChannel(adapter, brokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}
	case config.EventBusGoChannel:
		pub, sub, err = gochannel.CreateChannel(adapter)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}

	return eventbus.NewWatermillEventBus(logger, pub, sub), nil
}

// NewDeliverer selects how tasks reach devices. Redis delivery also returns
// the queue so agents can pull from it; it is nil otherwise.
func NewDeliverer(ctx context.Context, cfg config.Config, bus eventbus.EventPublisher, logger *slog.Logger) (dispatcher.Deliverer, *redisqueue.Queue, error) {
	switch cfg.Delivery {
	case config.DeliveryRedis:
		queue, err := redisqueue.NewFromURL(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}

		return queue, queue, nil
	case config.DeliveryEventBus:
		return eventbus.NewDeliverer(bus), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported delivery %q", cfg.Delivery)
	}
}
