package model

import (
	"fmt"
	"time"
)

// ChunkType 区分普通文本与结构化表格。
type ChunkType string

const (
	ChunkTypeText  ChunkType = "Text"
	ChunkTypeTable ChunkType = "Table"
)

// ChunkMetadata 是每个分块附带的元数据。
type ChunkMetadata struct {
	PageNumber *int   `json:"pageNumber,omitempty"`
	TextAsHTML string `json:"text_as_html,omitempty"`
}

// Chunk 对应于数据库中的 chunks 表。
// (file_id, chunk_index) 唯一，chunk_index 定义了文档内的顺序。
type Chunk struct {
	ID        string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	FileID    string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_chunks_file_index" json:"fileId"`
	UserID    uint          `gorm:"not null;index" json:"userId"`
	Index     int           `gorm:"column:chunk_index;not null;uniqueIndex:idx_chunks_file_index" json:"index"`
	Type      ChunkType     `gorm:"type:varchar(16);not null" json:"type"`
	Text      string        `gorm:"type:text" json:"text"`
	Metadata  ChunkMetadata `gorm:"serializer:json;type:json" json:"metadata"`
	CreatedAt time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// Embedding 对应于 embeddings 表，ChunkID 为主键，保证每个分块至多一条向量。
type Embedding struct {
	ChunkID   string    `gorm:"type:varchar(36);primaryKey" json:"chunkId"`
	FileID    string    `gorm:"type:varchar(36);not null;index" json:"fileId"`
	UserID    uint      `gorm:"not null" json:"userId"`
	Vector    []float32 `gorm:"serializer:json;type:json" json:"vector"`
	Model     string    `gorm:"type:varchar(64)" json:"model"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Embedding) TableName() string {
	return "embeddings"
}

// ChunkText 返回分块可读的文本。表格类型会在原始文本后拼接 HTML 表示。
func ChunkText(c *Chunk) string {
	if c.Type == ChunkTypeTable {
		return fmt.Sprintf("%s\n\ncontent in Table html is below:\n%s\n", c.Text, c.Metadata.TextAsHTML)
	}
	return c.Text
}

// FileChunk 是分页返回给前端的分块，不包含 userId 与 fileId。
type FileChunk struct {
	ID         string        `json:"id"`
	Index      int           `json:"index"`
	Type       ChunkType     `json:"type"`
	Text       string        `json:"text"`
	Metadata   ChunkMetadata `json:"metadata"`
	PageNumber *int          `json:"pageNumber"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// ChunkTextItem 是 TextByFileID 的返回项。
type ChunkTextItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// FileChunkCount 是按文件聚合的分块数量。
type FileChunkCount struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}
