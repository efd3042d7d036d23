// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"time"

	"knowledge-ingest-go/internal/model"

	"gorm.io/gorm"
)

// FileRepository 接口定义了文件记录相关的数据持久化操作。
type FileRepository interface {
	Create(file *model.File) error
	FindByID(id string) (*model.File, error)
	FindByIDForUser(id string, userID uint) (*model.File, error)
	FindByHash(hash string) (*model.File, error)
	FindByIDs(ids []string) ([]model.File, error)
	ListByUser(userID uint) ([]model.File, error)
	CountByURL(url string) (int64, error)
	SetJob(id, jobID string) error
	UpdateChunking(id string, status model.TaskStatus, errMsg string) error
	UpdateEmbedding(id string, status model.TaskStatus, errMsg string, finish bool) error
	Delete(id string, userID uint) error
}

type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

// Create 在数据库中创建一条文件记录。
func (r *fileRepository) Create(file *model.File) error {
	return r.db.Create(file).Error
}

// FindByID 根据 ID 查找文件，不限定用户。
func (r *fileRepository) FindByID(id string) (*model.File, error) {
	var file model.File
	if err := r.db.Where("id = ?", id).First(&file).Error; err != nil {
		return nil, translate(err)
	}
	return &file, nil
}

// FindByIDForUser 根据 ID 与用户查找文件。
func (r *fileRepository) FindByIDForUser(id string, userID uint) (*model.File, error) {
	var file model.File
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&file).Error; err != nil {
		return nil, translate(err)
	}
	return &file, nil
}

// FindByHash 返回任意一条具有该内容哈希的记录，去重不区分用户。
func (r *fileRepository) FindByHash(hash string) (*model.File, error) {
	var file model.File
	if err := r.db.Where("hash = ?", hash).Order("created_at asc").First(&file).Error; err != nil {
		return nil, translate(err)
	}
	return &file, nil
}

// FindByIDs finds file records by a slice of IDs.
func (r *fileRepository) FindByIDs(ids []string) ([]model.File, error) {
	var files []model.File
	if len(ids) == 0 {
		return files, nil
	}
	err := r.db.Where("id IN ?", ids).Find(&files).Error
	return files, err
}

// ListByUser 按创建时间倒序列出用户的文件。
func (r *fileRepository) ListByUser(userID uint) ([]model.File, error) {
	var files []model.File
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Find(&files).Error
	return files, err
}

// CountByURL 统计引用同一存储位置的记录数。
func (r *fileRepository) CountByURL(url string) (int64, error) {
	var n int64
	err := r.db.Model(&model.File{}).Where("url = ?", url).Count(&n).Error
	return n, err
}

// SetJob 记录新触发的任务：切块阶段置为 pending，向量化阶段清空。
func (r *fileRepository) SetJob(id, jobID string) error {
	return r.updateStatus(id, map[string]interface{}{
		"job_id":           jobID,
		"chunking_status":  model.TaskStatusPending,
		"chunking_error":   "",
		"embedding_status": model.TaskStatusUnavailable,
		"embedding_error":  "",
		"finish_embedding": false,
	})
}

// UpdateChunking 更新切块阶段状态。
func (r *fileRepository) UpdateChunking(id string, status model.TaskStatus, errMsg string) error {
	return r.updateStatus(id, map[string]interface{}{
		"chunking_status": status,
		"chunking_error":  errMsg,
	})
}

// UpdateEmbedding 更新向量化阶段状态，finish 为 true 表示整个任务完成。
func (r *fileRepository) UpdateEmbedding(id string, status model.TaskStatus, errMsg string, finish bool) error {
	return r.updateStatus(id, map[string]interface{}{
		"embedding_status": status,
		"embedding_error":  errMsg,
		"finish_embedding": finish,
	})
}

// updateStatus 更新任务状态列，文件记录已被删除时返回 ErrFileNotFound。
func (r *fileRepository) updateStatus(id string, columns map[string]interface{}) error {
	res := r.db.Model(&model.File{}).Where("id = ?", id).Updates(columns)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// Delete 删除一条属于该用户的文件记录，以及它的分块与向量。
func (r *fileRepository) Delete(id string, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&model.File{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFileNotFound
		}
		if err := tx.Where("file_id = ?", id).Delete(&model.Embedding{}).Error; err != nil {
			return err
		}
		return tx.Where("file_id = ?", id).Delete(&model.Chunk{}).Error
	})
}

// touchFile 在事务内写一次文件行，既确认记录仍然存在，也让并发的 Delete 与当前事务串行。
func touchFile(tx *gorm.DB, fileID string) error {
	res := tx.Model(&model.File{}).Where("id = ?", fileID).UpdateColumn("updated_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrFileNotFound
	}
	return err
}
