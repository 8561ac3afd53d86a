package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks the span failed and records err with attrs.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// TaskAttributes returns the span attributes identifying a task.
func TaskAttributes(taskID, deviceID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TaskIDKey, taskID),
		attribute.String(DeviceIDKey, deviceID),
		attribute.String(TaskKindKey, kind),
	}
}
