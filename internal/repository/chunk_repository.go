package repository

import (
	"errors"

	"knowledge-ingest-go/internal/model"

	"gorm.io/gorm"
)

// ChunkPageSize 是分页查询分块时每页的条数。
const ChunkPageSize = 20

// ChunkRepository 定义了对 chunks 表的数据操作接口。
type ChunkRepository interface {
	Create(chunk *model.Chunk) error
	BulkCreate(chunks []*model.Chunk) error
	ReplaceForFile(fileID string, chunks []*model.Chunk) error
	Delete(id string, userID uint) error
	DeleteByFileID(fileID string) error
	FindByID(id string) (*model.Chunk, error)
	FindByFileIDs(fileIDs []string) ([]model.Chunk, error)
	FindByFileID(fileID string, userID uint, page int) ([]model.FileChunk, error)
	TextByFileID(fileID string) ([]model.ChunkTextItem, error)
	CountByFileID(fileID string) (int, error)
	CountByFileIDs(userID uint, fileIDs []string) ([]model.FileChunkCount, error)
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

func (r *chunkRepository) Create(chunk *model.Chunk) error {
	return r.db.Create(chunk).Error
}

// BulkCreate 以一条批量 INSERT 写入全部分块，(file_id, chunk_index) 的唯一性由调用方保证。
func (r *chunkRepository) BulkCreate(chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.Create(&chunks).Error
}

// ReplaceForFile 在一个事务中删除文件原有的分块与向量并写入新的分块。
// 文件记录已被删除时不写入任何分块，返回 ErrFileNotFound。
func (r *chunkRepository) ReplaceForFile(fileID string, chunks []*model.Chunk) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := touchFile(tx, fileID); err != nil {
			return err
		}
		if err := tx.Where("file_id = ?", fileID).Delete(&model.Embedding{}).Error; err != nil {
			return err
		}
		if err := tx.Where("file_id = ?", fileID).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.Create(&chunks).Error
	})
}

// Delete 删除属于该用户的分块及其向量，分块不存在时不报错。
func (r *chunkRepository) Delete(id string, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Chunk{})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.Where("chunk_id = ?", id).Delete(&model.Embedding{}).Error
	})
}

// DeleteByFileID 删除文件的全部分块。
func (r *chunkRepository) DeleteByFileID(fileID string) error {
	return r.db.Where("file_id = ?", fileID).Delete(&model.Chunk{}).Error
}

func (r *chunkRepository) FindByID(id string) (*model.Chunk, error) {
	var chunk model.Chunk
	if err := r.db.Where("id = ?", id).First(&chunk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}
	return &chunk, nil
}

func (r *chunkRepository) FindByFileIDs(fileIDs []string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	if len(fileIDs) == 0 {
		return chunks, nil
	}
	err := r.db.Where("file_id IN ?", fileIDs).Order("file_id, chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// FindByFileID 按 chunk_index 升序返回第 page 页（从 0 开始）的分块。
func (r *chunkRepository) FindByFileID(fileID string, userID uint, page int) ([]model.FileChunk, error) {
	if page < 0 {
		page = 0
	}
	var chunks []model.Chunk
	err := r.db.Where("file_id = ? AND user_id = ?", fileID, userID).
		Order("chunk_index asc").
		Limit(ChunkPageSize).
		Offset(page * ChunkPageSize).
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}

	out := make([]model.FileChunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, model.FileChunk{
			ID:         c.ID,
			Index:      c.Index,
			Type:       c.Type,
			Text:       c.Text,
			Metadata:   c.Metadata,
			PageNumber: c.Metadata.PageNumber,
			CreatedAt:  c.CreatedAt,
			UpdatedAt:  c.UpdatedAt,
		})
	}
	return out, nil
}

// TextByFileID 返回每个分块可读的文本，文本为空的分块被过滤。
func (r *chunkRepository) TextByFileID(fileID string) ([]model.ChunkTextItem, error) {
	var chunks []model.Chunk
	if err := r.db.Where("file_id = ?", fileID).Order("chunk_index asc").Find(&chunks).Error; err != nil {
		return nil, err
	}
	out := make([]model.ChunkTextItem, 0, len(chunks))
	for i := range chunks {
		text := model.ChunkText(&chunks[i])
		if text == "" {
			continue
		}
		out = append(out, model.ChunkTextItem{ID: chunks[i].ID, Text: text})
	}
	return out, nil
}

func (r *chunkRepository) CountByFileID(fileID string) (int, error) {
	var n int64
	err := r.db.Model(&model.Chunk{}).Where("file_id = ?", fileID).Count(&n).Error
	return int(n), err
}

// CountByFileIDs 按文件聚合该用户的分块数量，空列表直接返回空结果。
func (r *chunkRepository) CountByFileIDs(userID uint, fileIDs []string) ([]model.FileChunkCount, error) {
	out := []model.FileChunkCount{}
	if len(fileIDs) == 0 {
		return out, nil
	}
	err := r.db.Model(&model.Chunk{}).
		Select("file_id AS id, COUNT(id) AS count").
		Where("file_id IN ? AND user_id = ?", fileIDs, userID).
		Group("file_id").
		Scan(&out).Error
	return out, err
}
