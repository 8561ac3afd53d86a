package eventbus

import (
	"context"

	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/models"
)

// Deliverer pushes tasks and cancel notices to devices over the command
// topic, keyed by device id so each device sees its commands in order.
type Deliverer struct {
	publisher EventPublisher
}

func NewDeliverer(publisher EventPublisher) *Deliverer {
	return &Deliverer{publisher: publisher}
}

func (d *Deliverer) Deliver(ctx context.Context, task *models.Task) error {
	return d.publisher.Publish(ctx, task.DeviceID, events.TaskAssigned{
		BaseEvent: events.NewBaseEvent(events.TaskAssignedEvent),
		Task:      task,
	})
}

func (d *Deliverer) DeliverCancel(ctx context.Context, task *models.Task, reason string) error {
	return d.publisher.Publish(ctx, task.DeviceID, events.TaskCancelRequested{
		BaseEvent: events.NewBaseEvent(events.TaskCancelRequestedEvent),
		TaskID:    task.ID,
		DeviceID:  task.DeviceID,
		Kind:      task.Kind,
		Status:    task.Status,
		Reason:    reason,
	})
}
