// Package model 定义了与数据库表对应的 Go 结构体以及对外的 DTO。
package model

import "time"

// TaskStatus 描述切块或向量化阶段的状态。
// 空字符串表示该阶段尚未产生状态（任务未触发或尚未上报）。
type TaskStatus string

const (
	TaskStatusUnavailable TaskStatus = ""
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusProcessing  TaskStatus = "processing"
	TaskStatusSuccess     TaskStatus = "success"
	TaskStatusError       TaskStatus = "error"
)

// FileMetadata 记录对象存储中的位置信息。
// Date 为按小时划分的时间桶。
type FileMetadata struct {
	Date     string `json:"date"`
	Dirname  string `json:"dirname"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// File 定义了 files 表的 ORM 模型。
// 同一个 hash 的多条记录共享同一个存储位置 URL。
type File struct {
	ID              string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID          uint         `gorm:"not null;index" json:"userId"`
	Name            string       `gorm:"type:varchar(255);not null" json:"name"`
	Size            int64        `gorm:"not null" json:"size"`
	FileType        string       `gorm:"type:varchar(255)" json:"fileType"`
	Hash            string       `gorm:"type:varchar(64);index" json:"hash"`
	URL             string       `gorm:"type:varchar(1024);not null" json:"url"`
	Metadata        FileMetadata `gorm:"serializer:json;type:json" json:"metadata"`
	KnowledgeBaseID string       `gorm:"type:varchar(36);index" json:"knowledgeBaseId,omitempty"`
	JobID           string       `gorm:"type:varchar(36)" json:"jobId,omitempty"`
	ChunkingStatus  TaskStatus   `gorm:"type:varchar(16)" json:"chunkingStatus"`
	ChunkingError   string       `gorm:"type:text" json:"chunkingError,omitempty"`
	EmbeddingStatus TaskStatus   `gorm:"type:varchar(16)" json:"embeddingStatus"`
	EmbeddingError  string       `gorm:"type:text" json:"embeddingError,omitempty"`
	FinishEmbedding bool         `gorm:"not null;default:false" json:"finishEmbedding"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (File) TableName() string {
	return "files"
}

// JobStatus 是一次轮询拿到的文件任务状态快照。
// ChunkCount 为 nil 表示切块尚未产出结果。
type JobStatus struct {
	FileID          string     `json:"fileId"`
	JobID           string     `json:"jobId,omitempty"`
	ChunkingStatus  TaskStatus `json:"chunkingStatus"`
	ChunkingError   string     `json:"chunkingError,omitempty"`
	EmbeddingStatus TaskStatus `json:"embeddingStatus"`
	EmbeddingError  string     `json:"embeddingError,omitempty"`
	ChunkCount      *int       `json:"chunkCount"`
	FinishEmbedding bool       `json:"finishEmbedding"`
}

// HashCheckResult 是内容哈希查询的结果。
type HashCheckResult struct {
	IsExist  bool          `json:"isExist"`
	URL      string        `json:"url,omitempty"`
	Metadata *FileMetadata `json:"metadata,omitempty"`
}
