package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/pipeline"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/kafka"
	"knowledge-ingest-go/pkg/log"
	"knowledge-ingest-go/pkg/storage"
	"knowledge-ingest-go/pkg/tasks"

	"github.com/google/uuid"
)

// CreateFileRequest 描述由一次内容解析结果创建文件记录所需的信息。
type CreateFileRequest struct {
	Name            string             `json:"name" binding:"required"`
	Size            int64              `json:"size"`
	FileType        string             `json:"fileType"`
	Hash            string             `json:"hash" binding:"required"`
	URL             string             `json:"url" binding:"required"`
	Metadata        model.FileMetadata `json:"metadata"`
	KnowledgeBaseID string             `json:"knowledgeBaseId"`
}

// FileService 接口定义了文件记录与分块相关的业务操作。
type FileService interface {
	CheckHash(ctx context.Context, hash string) (*model.HashCheckResult, error)
	Create(ctx context.Context, userID uint, req CreateFileRequest) (*model.File, error)
	Get(ctx context.Context, userID uint, fileID string) (*model.File, error)
	List(ctx context.Context, userID uint) ([]model.File, error)
	Remove(ctx context.Context, userID uint, fileID string) error
	ListChunks(ctx context.Context, userID uint, fileID string, page int) ([]model.FileChunk, error)
	ChunkTexts(ctx context.Context, userID uint, fileID string) ([]model.ChunkTextItem, error)
	CountChunks(ctx context.Context, userID uint, fileIDs []string) ([]model.FileChunkCount, error)
	DeleteChunk(ctx context.Context, userID uint, chunkID string) error
}

type fileService struct {
	content ContentStore
	index   HashIndex
	files   repository.FileRepository
	chunks  repository.ChunkRepository
	blobs   storage.BlobStore
	mirror  pipeline.VectorMirror
	events  kafka.Publisher
	jobs    JobCanceler
	newID   func() string
}

// NewFileService 创建一个新的 FileService 实例。jobs 为 nil 时删除文件不会取消进行中的任务。
func NewFileService(
	content ContentStore,
	index HashIndex,
	files repository.FileRepository,
	chunks repository.ChunkRepository,
	blobs storage.BlobStore,
	mirror pipeline.VectorMirror,
	events kafka.Publisher,
	jobs JobCanceler,
) FileService {
	if events == nil {
		events = kafka.NopPublisher{}
	}
	return &fileService{
		content: content,
		index:   index,
		files:   files,
		chunks:  chunks,
		blobs:   blobs,
		mirror:  mirror,
		events:  events,
		jobs:    jobs,
		newID:   uuid.NewString,
	}
}

// DetectFileType 返回文件的 MIME 类型。声明的类型为空时根据内容嗅探，无法识别时视为纯文本。
func DetectFileType(data []byte, declared string) string {
	if declared != "" {
		return declared
	}
	if len(data) == 0 {
		return "text/plain"
	}
	detected := http.DetectContentType(data)
	if strings.HasPrefix(detected, "application/octet-stream") {
		return "text/plain"
	}
	return detected
}

// IsImage 判断文件类型是否为图片，图片不参与切块与向量化。
func IsImage(fileType string) bool {
	return strings.HasPrefix(fileType, "image/")
}

func (s *fileService) CheckHash(ctx context.Context, hash string) (*model.HashCheckResult, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: hash is required", ErrInvalidArgument)
	}
	return s.content.CheckHash(ctx, hash)
}

// Create 为已上传（或去重命中）的内容创建一条文件记录。
// hash 与 url 必须对应同一份已存储的内容，存储位置信息以登记表为准。
func (s *fileService) Create(ctx context.Context, userID uint, req CreateFileRequest) (*model.File, error) {
	if req.Name == "" || req.URL == "" || req.Hash == "" {
		return nil, fmt.Errorf("%w: name, url and hash are required", ErrInvalidArgument)
	}
	metadata, err := s.verifyLocator(ctx, req.Hash, req.URL, req.Metadata)
	if err != nil {
		return nil, err
	}
	fileType := req.FileType
	if fileType == "" {
		fileType = "text/plain"
	}

	file := &model.File{
		ID:              s.newID(),
		UserID:          userID,
		Name:            req.Name,
		Size:            req.Size,
		FileType:        fileType,
		Hash:            req.Hash,
		URL:             req.URL,
		Metadata:        metadata,
		KnowledgeBaseID: req.KnowledgeBaseID,
	}
	if err := s.files.Create(file); err != nil {
		return nil, fmt.Errorf("创建文件记录失败: %w", err)
	}
	log.Infof("[FileService] 文件记录已创建, fileID: %s, name: %s, userID: %d", file.ID, file.Name, userID)

	s.publish(ctx, tasks.FileEvent{Type: tasks.FileCreated, FileID: file.ID, UserID: userID, FileName: file.Name, Hash: file.Hash})
	return file, nil
}

// verifyLocator 校验 url 确实保存着 hash 对应的内容。登记表有记录时位置必须一致；
// 没有记录时读取对象重新计算哈希，校验通过后补登记。
func (s *fileService) verifyLocator(ctx context.Context, hash, url string, declared model.FileMetadata) (model.FileMetadata, error) {
	entry, err := s.index.Lookup(ctx, hash)
	if err != nil {
		return model.FileMetadata{}, fmt.Errorf("%w: %w", ErrHashCheckFailed, err)
	}
	if entry != nil {
		if entry.URL != url {
			return model.FileMetadata{}, fmt.Errorf("%w: url does not hold content %s", ErrInvalidArgument, hash)
		}
		return entry.Metadata, nil
	}

	data, err := s.blobs.Get(ctx, url)
	if err != nil || HashContent(data) != hash {
		log.Warnf("[FileService] 拒绝未经校验的存储位置, hash: %s, url: %s, error: %v", hash, url, err)
		return model.FileMetadata{}, fmt.Errorf("%w: url does not hold content %s", ErrInvalidArgument, hash)
	}
	declared.Path = url
	if err := s.index.Remember(ctx, hash, repository.HashEntry{URL: url, Metadata: declared}); err != nil {
		log.Warnf("[FileService] 登记内容哈希失败, hash: %s, error: %v", hash, err)
	}
	return declared, nil
}

func (s *fileService) Get(ctx context.Context, userID uint, fileID string) (*model.File, error) {
	return s.files.FindByIDForUser(fileID, userID)
}

func (s *fileService) List(ctx context.Context, userID uint) ([]model.File, error) {
	return s.files.ListByUser(userID)
}

// Remove 删除文件记录及其分块与向量。没有其他记录引用同一存储位置时，同时删除对象与哈希登记。
func (s *fileService) Remove(ctx context.Context, userID uint, fileID string) error {
	file, err := s.files.FindByIDForUser(fileID, userID)
	if err != nil {
		return err
	}
	if s.jobs != nil {
		s.jobs.CancelJobs(fileID)
	}
	if err := s.files.Delete(fileID, userID); err != nil {
		return fmt.Errorf("删除文件记录失败: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteFile(ctx, fileID); err != nil {
			log.Warnf("[FileService] 清理向量镜像失败, fileID: %s, error: %v", fileID, err)
		}
	}

	refs, err := s.files.CountByURL(file.URL)
	if err != nil {
		log.Warnf("[FileService] 统计存储位置引用失败, url: %s, error: %v", file.URL, err)
	} else if refs == 0 {
		if err := s.index.Forget(ctx, file.Hash); err != nil {
			log.Warnf("[FileService] 清理哈希登记失败, hash: %s, error: %v", file.Hash, err)
		}
		if err := s.blobs.Remove(ctx, file.URL); err != nil {
			log.Warnf("[FileService] 删除存储对象失败, url: %s, error: %v", file.URL, err)
		}
	}

	log.Infof("[FileService] 文件已删除, fileID: %s, userID: %d", fileID, userID)
	s.publish(ctx, tasks.FileEvent{Type: tasks.FileRemoved, FileID: fileID, UserID: userID, FileName: file.Name, Hash: file.Hash})
	return nil
}

func (s *fileService) ListChunks(ctx context.Context, userID uint, fileID string, page int) ([]model.FileChunk, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: page must not be negative", ErrInvalidArgument)
	}
	return s.chunks.FindByFileID(fileID, userID, page)
}

func (s *fileService) ChunkTexts(ctx context.Context, userID uint, fileID string) ([]model.ChunkTextItem, error) {
	if _, err := s.files.FindByIDForUser(fileID, userID); err != nil {
		return nil, err
	}
	return s.chunks.TextByFileID(fileID)
}

func (s *fileService) CountChunks(ctx context.Context, userID uint, fileIDs []string) ([]model.FileChunkCount, error) {
	return s.chunks.CountByFileIDs(userID, fileIDs)
}

func (s *fileService) DeleteChunk(ctx context.Context, userID uint, chunkID string) error {
	return s.chunks.Delete(chunkID, userID)
}

func (s *fileService) publish(ctx context.Context, ev tasks.FileEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Warnf("[FileService] 发送文件事件失败, type: %s, fileID: %s, error: %v", ev.Type, ev.FileID, err)
	}
}

// isNotFound 判断错误是否表示文件不存在。
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrFileNotFound)
}
