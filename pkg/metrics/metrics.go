// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records lifecycle counters. A nil *Collector discards everything,
// so components can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	tasksSubmitted      *prometheus.CounterVec
	taskTransitions     *prometheus.CounterVec
	tasksTimedOut       prometheus.Counter
	transitionsRejected prometheus.Counter
	chunksAcknowledged  prometheus.Counter
	workflowExecutions  *prometheus.CounterVec
	tasksByStatus       *prometheus.GaugeVec
	devicesOnline       prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_tasks_submitted_total",
			Help: "Total number of tasks persisted as pending",
		}, []string{"kind"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_task_transitions_total",
			Help: "Total number of accepted task status transitions",
		}, []string{"status"}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicehub_tasks_timed_out_total",
			Help: "Total number of tasks forced to timeout by the sweep",
		}),
		transitionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicehub_transitions_rejected_total",
			Help: "Total number of status reports rejected by the state machine",
		}),
		chunksAcknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicehub_chunks_acknowledged_total",
			Help: "Total number of transfer chunks acknowledged for the first time",
		}),
		workflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_workflow_executions_total",
			Help: "Total number of finished workflow executions",
		}, []string{"status"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devicehub_tasks",
			Help: "Current number of stored tasks per status",
		}, []string{"status"}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicehub_devices_online",
			Help: "Number of devices online at the last liveness sweep",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksSubmitted,
		c.taskTransitions,
		c.tasksTimedOut,
		c.transitionsRejected,
		c.chunksAcknowledged,
		c.workflowExecutions,
		c.tasksByStatus,
		c.devicesOnline,
	)

	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) TaskSubmitted(kind models.TaskKind) {
	if c == nil {
		return
	}

	c.tasksSubmitted.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) TaskTransitioned(status models.TaskStatus) {
	if c == nil {
		return
	}

	c.taskTransitions.WithLabelValues(string(status)).Inc()

	if status == models.TaskStatusTimeout {
		c.tasksTimedOut.Inc()
	}
}

func (c *Collector) TransitionRejected() {
	if c == nil {
		return
	}

	c.transitionsRejected.Inc()
}

func (c *Collector) ChunkAcknowledged() {
	if c == nil {
		return
	}

	c.chunksAcknowledged.Inc()
}

func (c *Collector) ExecutionFinished(status models.WorkflowStatus) {
	if c == nil {
		return
	}

	c.workflowExecutions.WithLabelValues(string(status)).Inc()
}

// SetTaskCounts replaces the per-status task gauge.
func (c *Collector) SetTaskCounts(counts map[models.TaskStatus]int) {
	if c == nil {
		return
	}

	for _, status := range models.TaskStatuses {
		c.tasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) SetDevicesOnline(n int) {
	if c == nil {
		return
	}

	c.devicesOnline.Set(float64(n))
}
