// Package redisqueue delivers commands to devices that pull their work: each
// device has a Redis list acting as its inbox.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/eventbus"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const DefaultPrefix = "devicehub:devices:"

// Envelope is one inbox entry.
type Envelope struct {
	Type  events.EventType `json:"type"`
	Event json.RawMessage  `json:"event"`
}

// Decode returns the typed event carried by the envelope.
func (e *Envelope) Decode() (any, error) {
	return eventbus.Decode(e.Type, e.Event)
}

type Queue struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func New(client redis.UniversalClient, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		prefix: DefaultPrefix,
		logger: logger.With("module", "redisqueue"),
	}
}

// NewFromURL connects using a redis:// URL.
func NewFromURL(ctx context.Context, url string, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, logger), nil
}

func (q *Queue) inbox(deviceID string) string {
	return q.prefix + deviceID + ":inbox"
}

func (q *Queue) push(ctx context.Context, deviceID string, event eventbus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.GetType(), err)
	}

	entry, err := json.Marshal(Envelope{Type: event.GetType(), Event: payload})
	if err != nil {
		return fmt.Errorf("failed to encode inbox entry: %w", err)
	}

	err = q.client.RPush(ctx, q.inbox(deviceID), entry).Err()
	if err != nil {
		return fmt.Errorf("failed to push to inbox of %s: %w", deviceID, err)
	}

	return nil
}

func (q *Queue) Deliver(ctx context.Context, task *models.Task) error {
	return q.push(ctx, task.DeviceID, events.TaskAssigned{
		BaseEvent: events.NewBaseEvent(events.TaskAssignedEvent),
		Task:      task,
	})
}

func (q *Queue) DeliverCancel(ctx context.Context, task *models.Task, reason string) error {
	return q.push(ctx, task.DeviceID, events.TaskCancelRequested{
		BaseEvent: events.NewBaseEvent(events.TaskCancelRequestedEvent),
		TaskID:    task.ID,
		DeviceID:  task.DeviceID,
		Kind:      task.Kind,
		Status:    task.Status,
		Reason:    reason,
	})
}

// Pull pops the oldest inbox entry, waiting up to wait for one to arrive. It
// returns nil without error when the inbox stayed empty.
func (q *Queue) Pull(ctx context.Context, deviceID string, wait time.Duration) (*Envelope, error) {
	if wait <= 0 {
		wait = time.Second
	}

	result, err := q.client.BLPop(ctx, wait, q.inbox(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to pull from inbox of %s: %w", deviceID, err)
	}

	// BLPop answers [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(result))
	}

	var envelope Envelope

	err = json.Unmarshal([]byte(result[1]), &envelope)
	if err != nil {
		q.logger.ErrorContext(ctx, "Dropping malformed inbox entry", "device_id", deviceID, "error", err)

		return nil, fmt.Errorf("failed to decode inbox entry: %w", err)
	}

	return &envelope, nil
}

// Pending returns how many entries wait in the device's inbox.
func (q *Queue) Pending(ctx context.Context, deviceID string) (int64, error) {
	return q.client.LLen(ctx, q.inbox(deviceID)).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
