package models

import (
	"math"
	"strings"
	"time"
)

// DefaultChunkSize is the chunk size used when a transfer does not declare one.
const DefaultChunkSize = 1 << 20

// TransferDirection tells which side holds the source file.
type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"   // Control plane to device
	DirectionDownload TransferDirection = "download" // Device to control plane
)

// FileTransfer carries the file-specific fields of an upload or download task.
type FileTransfer struct {
	Direction       TransferDirection `json:"direction"`
	SourcePath      string            `json:"source_path,omitempty"`
	DestinationPath string            `json:"destination_path"`
	Filename        string            `json:"filename"`
	TotalSize       int64             `json:"total_size"`
	FileHash        string            `json:"file_hash,omitempty"`
	ChunkSize       int64             `json:"chunk_size"`
	ChunkCount      int               `json:"chunk_count"`
	VerifyHash      bool              `json:"verify_hash"`
	Declared        bool              `json:"declared"`
	Overwrite       bool              `json:"overwrite"`
	CreateDirs      bool              `json:"create_dirs"`
}

// Chunk is one fixed-size contiguous byte range of a transfer.
type Chunk struct {
	TaskID         string     `json:"task_id"`
	Index          int        `json:"index"`
	Size           int64      `json:"size"`
	ExpectedHash   string     `json:"expected_hash,omitempty"`
	Hash           string     `json:"hash,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// TransferProgress summarises chunk acknowledgement for a transfer.
type TransferProgress struct {
	TaskID        string  `json:"task_id"`
	TotalChunks   int     `json:"total_chunks"`
	AckedChunks   int     `json:"acked_chunks"`
	TotalBytes    int64   `json:"total_bytes"`
	AckedBytes    int64   `json:"acked_bytes"`
	Percent       float64 `json:"percent"`
	PendingChunks []int   `json:"pending_chunks"`
}

// ChunkCount returns ceil(total / chunkSize).
func ChunkCount(total, chunkSize int64) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}

	return int((total + chunkSize - 1) / chunkSize)
}

// PlanChunks lays out the chunk records for a transfer. The last chunk holds
// the remainder.
func PlanChunks(taskID string, total, chunkSize int64, expected []string) []*Chunk {
	count := ChunkCount(total, chunkSize)
	chunks := make([]*Chunk, 0, count)

	for i := range count {
		offset := int64(i) * chunkSize
		chunk := &Chunk{
			TaskID: taskID,
			Index:  i,
			Size:   min(chunkSize, total-offset),
		}

		if i < len(expected) {
			chunk.ExpectedHash = expected[i]
		}

		chunks = append(chunks, chunk)
	}

	return chunks
}

// Progress derives aggregate progress from chunk records.
func Progress(taskID string, transfer *FileTransfer, chunks []*Chunk) TransferProgress {
	progress := TransferProgress{
		TaskID:        taskID,
		TotalChunks:   len(chunks),
		PendingChunks: make([]int, 0),
	}

	if transfer != nil {
		progress.TotalBytes = transfer.TotalSize
	}

	for _, chunk := range chunks {
		if chunk.Acknowledged {
			progress.AckedChunks++
			progress.AckedBytes += chunk.Size

			continue
		}

		progress.PendingChunks = append(progress.PendingChunks, chunk.Index)
	}

	switch {
	case progress.TotalBytes > 0:
		progress.Percent = math.Round(float64(progress.AckedBytes)/float64(progress.TotalBytes)*10000) / 100
	case progress.TotalChunks == 0 && transfer != nil && transfer.Declared:
		progress.Percent = 100
	}

	return progress
}

// HashEqual compares two hex digests ignoring case and surrounding space.
func HashEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
