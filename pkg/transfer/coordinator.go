// Package transfer drives chunked file uploads and downloads: it plans chunk
// records, accepts chunk acknowledgements, answers resumption queries and
// verifies hashes before a transfer may complete.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/metrics"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/otelhelper"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Submitter persists and delivers new tasks.
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (*models.Task, error)
}

type UploadRequest struct {
	DeviceID        string   `json:"device_id"`
	DestinationPath string   `json:"destination_path"`
	Filename        string   `json:"filename"`
	TotalSize       int64    `json:"total_size"`
	FileHash        string   `json:"file_hash,omitempty"`
	ChunkSize       int64    `json:"chunk_size"`
	ChunkHashes     []string `json:"chunk_hashes,omitempty"`
	Overwrite       bool     `json:"overwrite"`
	CreateDirs      *bool    `json:"create_dirs,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
}

type DownloadRequest struct {
	DeviceID        string `json:"device_id"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Filename        string `json:"filename,omitempty"`
	ChunkSize       int64  `json:"chunk_size,omitempty"`
	VerifyHash      *bool  `json:"verify_hash,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// FileDeclaration is what a device reports about the file it is about to send.
type FileDeclaration struct {
	TotalSize   int64    `json:"total_size"             validate:"min=0"`
	FileHash    string   `json:"file_hash,omitempty"`
	ChunkHashes []string `json:"chunk_hashes,omitempty"`
}

// FinalizeResult is recorded as the result of a completed transfer.
type FinalizeResult struct {
	FileHash   string `json:"file_hash,omitempty"`
	TotalSize  int64  `json:"total_size"`
	ChunkCount int    `json:"chunk_count"`
}

type Option func(*Coordinator)

func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = collector
	}
}

type Coordinator struct {
	logger    *slog.Logger
	submitter Submitter
	tracker   dispatcher.Tracker
	tasks     persistence.TaskRepository
	chunks    persistence.ChunkRepository
	registry  *registry.Registry
	metrics   *metrics.Collector
	tracer    trace.Tracer
	clock     func() time.Time
}

func New(
	logger *slog.Logger,
	submitter Submitter,
	tracker dispatcher.Tracker,
	tasks persistence.TaskRepository,
	chunks persistence.ChunkRepository,
	kinds *registry.Registry,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		logger:    logger.With("module", "transfer"),
		submitter: submitter,
		tracker:   tracker,
		tasks:     tasks,
		chunks:    chunks,
		registry:  kinds,
		tracer:    otelhelper.Tracer("devicehub/transfer"),
		clock:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC()
}

// BeginUpload creates an upload task with its full chunk plan.
func (c *Coordinator) BeginUpload(ctx context.Context, req UploadRequest) (*models.Task, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "transfer.begin_upload", attribute.String(otelhelper.DeviceIDKey, req.DeviceID))
	defer span.End()

	if req.ChunkSize <= 0 {
		return nil, models.NewParamsError(models.TaskKindFileUpload, "chunk_size", "must be positive")
	}

	if req.TotalSize < 0 {
		return nil, models.NewParamsError(models.TaskKindFileUpload, "total_size", "must not be negative")
	}

	createDirs := true
	if req.CreateDirs != nil {
		createDirs = *req.CreateDirs
	}

	raw, err := json.Marshal(models.FileUploadParams{
		DestinationPath: req.DestinationPath,
		Filename:        req.Filename,
		TotalSize:       req.TotalSize,
		FileHash:        req.FileHash,
		ChunkSize:       req.ChunkSize,
		ChunkHashes:     req.ChunkHashes,
		Overwrite:       req.Overwrite,
		CreateDirs:      createDirs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload params: %w", err)
	}

	decoded, err := c.registry.Decode(models.TaskKindFileUpload, raw)
	if err != nil {
		return nil, err
	}

	params := decoded.(*models.FileUploadParams)
	chunks := models.PlanChunks("", params.TotalSize, params.ChunkSize, params.ChunkHashes)

	task, err := c.submitter.Submit(ctx, dispatcher.SubmitRequest{
		DeviceID:       req.DeviceID,
		Kind:           models.TaskKindFileUpload,
		Params:         raw,
		TimeoutSeconds: req.TimeoutSeconds,
		Transfer: &models.FileTransfer{
			Direction:       models.DirectionUpload,
			DestinationPath: params.DestinationPath,
			Filename:        params.Filename,
			TotalSize:       params.TotalSize,
			FileHash:        params.FileHash,
			ChunkSize:       params.ChunkSize,
			ChunkCount:      len(chunks),
			VerifyHash:      true,
			Declared:        true,
			Overwrite:       params.Overwrite,
			CreateDirs:      params.CreateDirs,
		},
		Chunks: chunks,
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Upload started",
		"task_id", task.ID, "device_id", task.DeviceID, "total_size", params.TotalSize, "chunk_count", len(chunks))

	return task, nil
}

// BeginDownload creates a download task. Its chunk plan is laid out once the
// device declares the file.
func (c *Coordinator) BeginDownload(ctx context.Context, req DownloadRequest) (*models.Task, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "transfer.begin_download", attribute.String(otelhelper.DeviceIDKey, req.DeviceID))
	defer span.End()

	if req.ChunkSize < 0 {
		return nil, models.NewParamsError(models.TaskKindFileDownload, "chunk_size", "must be positive")
	}

	if req.ChunkSize == 0 {
		req.ChunkSize = models.DefaultChunkSize
	}

	verify := true
	if req.VerifyHash != nil {
		verify = *req.VerifyHash
	}

	if req.Filename == "" {
		req.Filename = baseName(req.SourcePath)
	}

	raw, err := json.Marshal(models.FileDownloadParams{
		SourcePath:      req.SourcePath,
		DestinationPath: req.DestinationPath,
		Filename:        req.Filename,
		ChunkSize:       req.ChunkSize,
		VerifyHash:      verify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode download params: %w", err)
	}

	_, err = c.registry.Decode(models.TaskKindFileDownload, raw)
	if err != nil {
		return nil, err
	}

	task, err := c.submitter.Submit(ctx, dispatcher.SubmitRequest{
		DeviceID:       req.DeviceID,
		Kind:           models.TaskKindFileDownload,
		Params:         raw,
		TimeoutSeconds: req.TimeoutSeconds,
		Transfer: &models.FileTransfer{
			Direction:       models.DirectionDownload,
			SourcePath:      req.SourcePath,
			DestinationPath: req.DestinationPath,
			Filename:        req.Filename,
			ChunkSize:       req.ChunkSize,
			VerifyHash:      verify,
		},
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Download started", "task_id", task.ID, "device_id", task.DeviceID, "source_path", req.SourcePath)

	return task, nil
}

func baseName(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}

	return p
}

// DeclareFile records the size and hashes of the file a device is sending
// and lays out the chunk plan. A declaration may be repeated until the first
// chunk is acknowledged.
func (c *Coordinator) DeclareFile(ctx context.Context, taskID string, decl FileDeclaration) (*models.Task, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "transfer.declare_file", attribute.String(otelhelper.TaskIDKey, taskID))
	defer span.End()

	task, err := c.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Kind != models.TaskKindFileDownload {
		return nil, models.NewParamsError(task.Kind, "kind", "only downloads declare their file")
	}

	if decl.TotalSize < 0 {
		return nil, models.NewParamsError(task.Kind, "total_size", "must not be negative")
	}

	chunks := models.PlanChunks(task.ID, decl.TotalSize, task.Transfer.ChunkSize, decl.ChunkHashes)
	if len(decl.ChunkHashes) > 0 && len(decl.ChunkHashes) != len(chunks) {
		return nil, models.NewParamsError(task.Kind, "chunk_hashes", "must list one hash per chunk")
	}

	if task.Status.IsTerminal() {
		return nil, &models.TransitionError{TaskID: task.ID, From: task.Status, To: models.TaskStatusRunning}
	}

	err = c.chunks.Replace(ctx, task.ID, chunks)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		return nil, models.NewParamsError(task.Kind, "file", "cannot be redeclared after chunks were acknowledged")
	}

	if err != nil {
		return nil, fmt.Errorf("failed to plan chunks of %s: %w", task.ID, err)
	}

	err = c.start(ctx, task)
	if err != nil {
		return nil, err
	}

	updated, err := c.tracker.Mutate(ctx, task.ID, func(task *models.Task) (bool, error) {
		task.Transfer.TotalSize = decl.TotalSize
		task.Transfer.FileHash = decl.FileHash
		task.Transfer.ChunkCount = len(chunks)
		task.Transfer.Declared = true
		task.DeadlineAt = c.extendedDeadline(task)

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Download file declared", "task_id", task.ID, "total_size", decl.TotalSize, "chunk_count", len(chunks))

	return updated, nil
}

// AckChunk marks one chunk as received and returns the updated progress.
// Acknowledging a chunk again changes nothing. A chunk whose hash differs from
// the declared one fails the transfer.
func (c *Coordinator) AckChunk(ctx context.Context, taskID string, index int, hash string) (*models.TransferProgress, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "transfer.ack_chunk",
		attribute.String(otelhelper.TaskIDKey, taskID),
		attribute.Int(otelhelper.ChunkIndexKey, index),
	)
	defer span.End()

	task, err := c.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status.IsTerminal() {
		return nil, &models.TransitionError{TaskID: task.ID, From: task.Status, To: task.Status}
	}

	if !task.Transfer.Declared {
		return nil, fmt.Errorf("%w: %s", models.ErrTransferNotDeclared, task.ID)
	}

	if index < 0 || index >= task.Transfer.ChunkCount {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", models.ErrInvalidChunkIndex, index, task.Transfer.ChunkCount)
	}

	chunks, err := c.chunks.List(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", task.ID, err)
	}

	if chunk := findChunk(chunks, index); chunk != nil && !chunk.Acknowledged &&
		chunk.ExpectedHash != "" && hash != "" && !models.HashEqual(chunk.ExpectedHash, hash) {
		return nil, c.failChunk(ctx, task, chunk, hash)
	}

	changed, err := c.chunks.Acknowledge(ctx, task.ID, index, hash, c.now())
	if persistence.IsChunkNotFound(err) {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidChunkIndex, index)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge chunk %d of %s: %w", index, task.ID, err)
	}

	if changed {
		c.metrics.ChunkAcknowledged()

		err = c.touch(ctx, task)
		if err != nil {
			return nil, err
		}
	}

	return c.Progress(ctx, task.ID)
}

func findChunk(chunks []*models.Chunk, index int) *models.Chunk {
	for _, chunk := range chunks {
		if chunk.Index == index {
			return chunk
		}
	}

	return nil
}

func (c *Coordinator) failChunk(ctx context.Context, task *models.Task, chunk *models.Chunk, hash string) error {
	mismatch := fmt.Errorf("%w: chunk %d expected %s, got %s", models.ErrHashMismatch, chunk.Index, chunk.ExpectedHash, hash)

	c.logger.WarnContext(ctx, "Chunk failed hash verification", "task_id", task.ID, "chunk_index", chunk.Index)

	_, err := c.tracker.ReportTransition(ctx, models.TaskReport{
		TaskID: task.ID,
		Status: models.TaskStatusFailed,
		Error:  mismatch.Error(),
		Source: models.SourceTransfer,
	})
	if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("failed to fail transfer %s: %w", task.ID, err)
	}

	return mismatch
}

// touch moves a pending transfer to running on its first chunk and pushes
// the deadline forward while chunks keep arriving.
func (c *Coordinator) touch(ctx context.Context, task *models.Task) error {
	err := c.start(ctx, task)
	if err != nil {
		return err
	}

	_, err = c.tracker.Mutate(ctx, task.ID, func(task *models.Task) (bool, error) {
		deadline := c.extendedDeadline(task)
		if !deadline.After(task.DeadlineAt) {
			return false, nil
		}

		task.DeadlineAt = deadline

		return true, nil
	})
	if errors.Is(err, models.ErrInvalidTransition) {
		c.logger.DebugContext(ctx, "Transfer finished while acknowledging", "task_id", task.ID)

		return nil
	}

	return err
}

func (c *Coordinator) start(ctx context.Context, task *models.Task) error {
	if task.Status != models.TaskStatusPending {
		return nil
	}

	_, err := c.tracker.ReportTransition(ctx, models.TaskReport{
		TaskID: task.ID,
		Status: models.TaskStatusRunning,
		Source: models.SourceTransfer,
	})
	if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("failed to start transfer %s: %w", task.ID, err)
	}

	return nil
}

func (c *Coordinator) extendedDeadline(task *models.Task) time.Time {
	deadline := c.now().Add(task.Timeout())
	if deadline.Before(task.DeadlineAt) {
		return task.DeadlineAt
	}

	return deadline
}

// PendingChunks returns the indexes still to be sent, in order.
func (c *Coordinator) PendingChunks(ctx context.Context, taskID string) ([]int, error) {
	progress, err := c.Progress(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return progress.PendingChunks, nil
}

// Progress summarises acknowledged chunks and bytes.
func (c *Coordinator) Progress(ctx context.Context, taskID string) (*models.TransferProgress, error) {
	task, err := c.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	chunks, err := c.chunks.List(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", task.ID, err)
	}

	progress := models.Progress(task.ID, task.Transfer, chunks)

	return &progress, nil
}

// Finalize asks for completion. fileHash is the whole-file hash computed by
// the receiving side. Missing chunks or a missing hash reject the request and
// leave the task running; a hash mismatch fails the task.
func (c *Coordinator) Finalize(ctx context.Context, taskID, fileHash string) (*models.Task, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "transfer.finalize", attribute.String(otelhelper.TaskIDKey, taskID))
	defer span.End()

	task, err := c.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(FinalizeResult{
		FileHash:   fileHash,
		TotalSize:  task.Transfer.TotalSize,
		ChunkCount: task.Transfer.ChunkCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer result: %w", err)
	}

	task, err = c.tracker.ReportTransition(ctx, models.TaskReport{
		TaskID: taskID,
		Status: models.TaskStatusCompleted,
		Result: result,
		Source: models.SourceTransfer,
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Transfer finalized", "task_id", task.ID, "status", task.Status)

	return task, nil
}

// VerifyCompletion implements tracker.CompletionVerifier. Every chunk must
// be acknowledged; when hash verification is on and a hash was declared, the
// whole-file hash in result must match it.
func (c *Coordinator) VerifyCompletion(ctx context.Context, task *models.Task, result json.RawMessage) error {
	if task.Transfer == nil {
		return models.NewParamsError(task.Kind, "transfer", "is missing")
	}

	if !task.Transfer.Declared {
		return fmt.Errorf("%w: %s", models.ErrTransferNotDeclared, task.ID)
	}

	chunks, err := c.chunks.List(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to list chunks of %s: %w", task.ID, err)
	}

	pending := 0

	for _, chunk := range chunks {
		if !chunk.Acknowledged {
			pending++

			continue
		}

		if chunk.ExpectedHash != "" && chunk.Hash != "" && !models.HashEqual(chunk.ExpectedHash, chunk.Hash) {
			return fmt.Errorf("%w: chunk %d expected %s, got %s", models.ErrHashMismatch, chunk.Index, chunk.ExpectedHash, chunk.Hash)
		}
	}

	if pending > 0 {
		return fmt.Errorf("%w: %d of %d chunks pending", models.ErrChunksIncomplete, pending, len(chunks))
	}

	if !task.Transfer.VerifyHash || task.Transfer.FileHash == "" {
		return nil
	}

	var reported FinalizeResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &reported); err != nil {
			return fmt.Errorf("%w: unreadable result: %w", models.ErrHashMismatch, err)
		}
	}

	if reported.FileHash == "" {
		return fmt.Errorf("%w: expected %s", models.ErrFileHashMissing, task.Transfer.FileHash)
	}

	if !models.HashEqual(task.Transfer.FileHash, reported.FileHash) {
		return fmt.Errorf("%w: expected %s, got %s", models.ErrHashMismatch, task.Transfer.FileHash, reported.FileHash)
	}

	return nil
}

func (c *Coordinator) load(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.tasks.GetByID(ctx, taskID)
	if persistence.IsTaskNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, taskID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	if !task.Kind.IsTransfer() || task.Transfer == nil {
		return nil, fmt.Errorf("%w: %s is a %s task, not a file transfer", models.ErrUnknownTask, taskID, task.Kind)
	}

	return task, nil
}
