package model

// ScoredChunk 是向量索引返回的候选分块。
// Similarity 为 nil 表示该分块尚无向量。
type ScoredChunk struct {
	Chunk      Chunk
	Similarity *float64
}

// SemanticSearchChunk 是通用语义检索的返回项。
type SemanticSearchChunk struct {
	ID         string        `json:"id"`
	Index      int           `json:"index"`
	Metadata   ChunkMetadata `json:"metadata"`
	Type       ChunkType     `json:"type"`
	Text       string        `json:"text"`
	Similarity *float64      `json:"similarity"`
}

// ChatSearchChunk 是聊天上下文检索的返回项，Text 为重建后的文本。
type ChatSearchChunk struct {
	ID         string   `json:"id"`
	Index      int      `json:"index"`
	FileID     string   `json:"fileId"`
	FileName   string   `json:"fileName"`
	Similarity *float64 `json:"similarity"`
	Text       string   `json:"text"`
}

// EsChunkDocument 定义了镜像到 Elasticsearch 中的分块向量文档。
type EsChunkDocument struct {
	ChunkID    string    `json:"chunk_id"`
	FileID     string    `json:"file_id"`
	ChunkIndex int       `json:"chunk_index"`
	UserID     uint      `json:"user_id"`
	Vector     []float32 `json:"vector"`
	Model      string    `json:"model_version"`
}
