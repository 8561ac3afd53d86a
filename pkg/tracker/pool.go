package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReportWorkers = 8
	defaultShardBuffer   = 64
)

// ErrPoolStopped is returned for reports that arrive after Run has returned.
var ErrPoolStopped = errors.New("report pool stopped")

type envelope struct {
	deviceID string
	report   models.TaskReport
	reply    chan error
}

// Pool applies agent reports in parallel. Reports are sharded by task id, so
// reports for one task keep their arrival order while different tasks
// proceed independently.
type Pool struct {
	tracker *Tracker
	logger  *slog.Logger
	shards  []chan envelope
	drained chan struct{}
}

func NewPool(tracker *Tracker, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultReportWorkers
	}

	shards := make([]chan envelope, workers)
	for i := range shards {
		shards[i] = make(chan envelope, defaultShardBuffer)
	}

	return &Pool{
		tracker: tracker,
		logger:  tracker.logger.With("component", "report-pool"),
		shards:  shards,
		drained: make(chan struct{}),
	}
}

// Workers returns the number of shards.
func (p *Pool) Workers() int {
	return len(p.shards)
}

// Pending returns the number of reports waiting in the shards.
func (p *Pool) Pending() int {
	pending := 0
	for _, shard := range p.shards {
		pending += len(shard)
	}

	return pending
}

func (p *Pool) shard(taskID string) chan envelope {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))

	return p.shards[int(h.Sum32()%uint32(len(p.shards)))]
}

// Submit queues a report and waits until a shard worker has applied it.
// Rejected reports return nil; storage failures are returned so the caller
// can redeliver.
func (p *Pool) Submit(ctx context.Context, deviceID string, report models.TaskReport) error {
	reply := make(chan error, 1)

	select {
	case p.shard(report.TaskID) <- envelope{deviceID: deviceID, report: report, reply: reply}:
	case <-p.drained:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.drained:
		select {
		case err := <-reply:
			return err
		default:
			return ErrPoolStopped
		}
	}
}

// HandleAgentReportEvent applies reports arriving on the event bus. The
// message is acknowledged only once its report is stored.
func (p *Pool) HandleAgentReportEvent(ctx context.Context, event any) error {
	report, ok := event.(*events.AgentReport)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	return p.Submit(ctx, report.DeviceID, report.Report)
}

// Run processes queued reports until ctx ends, then applies whatever is
// still buffered before returning. Run must be called once.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.drained)

	g, gctx := errgroup.WithContext(ctx)
	// reports already taken off a shard are applied even while stopping
	applyCtx := context.WithoutCancel(ctx)

	for i, shard := range p.shards {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					p.drain(applyCtx, i, shard)

					return nil
				case item := <-shard:
					p.apply(applyCtx, i, item)
				}
			}
		})
	}

	err := g.Wait()

	p.logger.InfoContext(applyCtx, "Report pool stopped", "pending", p.Pending())

	return err
}

func (p *Pool) drain(ctx context.Context, i int, shard chan envelope) {
	for {
		select {
		case item := <-shard:
			p.apply(ctx, i, item)
		default:
			return
		}
	}
}

func (p *Pool) apply(ctx context.Context, i int, item envelope) {
	err := p.tracker.handleReport(ctx, item.deviceID, item.report)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to apply agent report",
			"shard", i, "task_id", item.report.TaskID, "status", item.report.Status, "error", err)
	}

	item.reply <- err
}

// BatchResult is the outcome of one report in a batch.
type BatchResult struct {
	TaskID string       `json:"task_id"`
	Task   *models.Task `json:"task,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// ReportBatch applies reports concurrently, at most workers at a time, and
// returns one result per report in input order. Reports for the same task
// within a batch are applied in order.
func (t *Tracker) ReportBatch(ctx context.Context, reports []models.TaskReport, workers int) []BatchResult {
	if workers <= 0 {
		workers = DefaultReportWorkers
	}

	results := make([]BatchResult, len(reports))
	byTask := make(map[string][]int)
	order := make([]string, 0)

	for i, report := range reports {
		if _, seen := byTask[report.TaskID]; !seen {
			order = append(order, report.TaskID)
		}

		byTask[report.TaskID] = append(byTask[report.TaskID], i)
	}

	var g errgroup.Group

	g.SetLimit(workers)

	for _, taskID := range order {
		indexes := byTask[taskID]

		g.Go(func() error {
			for _, i := range indexes {
				task, err := t.ReportTransition(ctx, reports[i])

				results[i] = BatchResult{TaskID: reports[i].TaskID, Task: task}
				if err != nil {
					results[i].Error = err.Error()
				}
			}

			return nil
		})
	}

	_ = g.Wait()

	return results
}
