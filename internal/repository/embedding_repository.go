package repository

import (
	"knowledge-ingest-go/internal/model"

	"gorm.io/gorm"
)

// inBatchSize 限制单条 IN 查询中的参数个数。
const inBatchSize = 500

// EmbeddingRepository 定义了对 embeddings 表的数据操作接口。
type EmbeddingRepository interface {
	BulkCreate(embeddings []*model.Embedding) error
	CreateForFile(fileID string, embeddings []*model.Embedding) error
	FindByChunkIDs(chunkIDs []string) (map[string]model.Embedding, error)
	DeleteByFileID(fileID string) error
}

type embeddingRepository struct {
	db *gorm.DB
}

// NewEmbeddingRepository 创建一个新的 EmbeddingRepository 实例。
func NewEmbeddingRepository(db *gorm.DB) EmbeddingRepository {
	return &embeddingRepository{db: db}
}

// BulkCreate 批量写入向量记录。
func (r *embeddingRepository) BulkCreate(embeddings []*model.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	return r.db.CreateInBatches(embeddings, 100).Error
}

// CreateForFile 在确认文件记录仍存在的同一事务中写入向量。
func (r *embeddingRepository) CreateForFile(fileID string, embeddings []*model.Embedding) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := touchFile(tx, fileID); err != nil {
			return err
		}
		if len(embeddings) == 0 {
			return nil
		}
		return tx.CreateInBatches(embeddings, 100).Error
	})
}

// FindByChunkIDs 以分块 ID 为键返回已有的向量。
func (r *embeddingRepository) FindByChunkIDs(chunkIDs []string) (map[string]model.Embedding, error) {
	out := make(map[string]model.Embedding, len(chunkIDs))
	for start := 0; start < len(chunkIDs); start += inBatchSize {
		end := start + inBatchSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}
		var rows []model.Embedding
		if err := r.db.Where("chunk_id IN ?", chunkIDs[start:end]).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, e := range rows {
			out[e.ChunkID] = e
		}
	}
	return out, nil
}

// DeleteByFileID 删除文件的全部向量。
func (r *embeddingRepository) DeleteByFileID(fileID string) error {
	return r.db.Where("file_id = ?", fileID).Delete(&model.Embedding{}).Error
}
