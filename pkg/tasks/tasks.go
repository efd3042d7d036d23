// Package tasks defines the messages published about file processing.
package tasks

import "time"

// FileEventType 标识文件生命周期中的阶段。
type FileEventType string

const (
	FileCreated      FileEventType = "file.created"
	ChunkingDone     FileEventType = "file.chunking.done"
	EmbeddingDone    FileEventType = "file.embedding.done"
	ProcessingFailed FileEventType = "file.processing.failed"
	FileRemoved      FileEventType = "file.removed"
)

// FileEvent 是发送到 Kafka 的文件生命周期事件。
type FileEvent struct {
	Type       FileEventType `json:"type"`
	FileID     string        `json:"file_id"`
	JobID      string        `json:"job_id,omitempty"`
	UserID     uint          `json:"user_id"`
	FileName   string        `json:"file_name,omitempty"`
	Hash       string        `json:"hash,omitempty"`
	ChunkCount int           `json:"chunk_count,omitempty"`
	Stage      string        `json:"stage,omitempty"`
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
