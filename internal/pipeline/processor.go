// Package pipeline 定义了文件处理的核心流程：切块、向量化与任务状态轮询。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/embedding"
	"knowledge-ingest-go/pkg/kafka"
	"knowledge-ingest-go/pkg/log"
	"knowledge-ingest-go/pkg/storage"
	"knowledge-ingest-go/pkg/tasks"

	"github.com/google/uuid"
)

// Job 是一次切块与向量化任务。
type Job struct {
	ID     string
	FileID string
	UserID uint
}

// Extractor 把文档转换为 XHTML。
type Extractor interface {
	ExtractHTML(ctx context.Context, r io.Reader, fileName, contentType string) (string, error)
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	extractor  Extractor
	embedder   embedding.Client
	blobs      storage.BlobStore
	files      repository.FileRepository
	chunks     repository.ChunkRepository
	embeddings repository.EmbeddingRepository
	mirror     VectorMirror
	events     kafka.Publisher
	jobsCfg    config.JobsConfig
	newID      func() string
}

// NewProcessor 创建一个新的 Processor 实例。mirror 为 nil 时不写入向量镜像。
func NewProcessor(
	extractor Extractor,
	embedder embedding.Client,
	blobs storage.BlobStore,
	files repository.FileRepository,
	chunks repository.ChunkRepository,
	embeddings repository.EmbeddingRepository,
	mirror VectorMirror,
	events kafka.Publisher,
	jobsCfg config.JobsConfig,
) *Processor {
	if mirror == nil {
		mirror = nopMirror{}
	}
	if events == nil {
		events = kafka.NopPublisher{}
	}
	return &Processor{
		extractor:  extractor,
		embedder:   embedder,
		blobs:      blobs,
		files:      files,
		chunks:     chunks,
		embeddings: embeddings,
		mirror:     mirror,
		events:     events,
		jobsCfg:    jobsCfg,
		newID:      uuid.NewString,
	}
}

// Process 是文件处理的主函数，阶段状态写回 files 表供轮询读取。
func (p *Processor) Process(ctx context.Context, job Job) error {
	logger := log.Ctx(ctx)
	logger.Infof("[Processor] 开始处理文件, FileID: %s, JobID: %s", job.FileID, job.ID)

	file, err := p.files.FindByID(job.FileID)
	if err != nil {
		return fmt.Errorf("加载文件记录失败: %w", err)
	}

	chunks, err := p.chunk(ctx, file)
	if err != nil {
		if abandoned(ctx, err) {
			logger.Infof("[Processor] 文件已删除或任务已取消, 停止处理, FileID: %s, JobID: %s", file.ID, job.ID)
			return err
		}
		logger.Errorf("[Processor] 切块失败, FileID: %s, Error: %v", file.ID, err)
		p.markChunkingError(file, job, err)
		return err
	}
	count := len(chunks)
	p.publish(ctx, tasks.FileEvent{Type: tasks.ChunkingDone, FileID: file.ID, JobID: job.ID, UserID: file.UserID, ChunkCount: count})

	if err := p.embed(ctx, file, chunks); err != nil {
		if abandoned(ctx, err) {
			logger.Infof("[Processor] 文件已删除或任务已取消, 停止处理, FileID: %s, JobID: %s", file.ID, job.ID)
			return err
		}
		logger.Errorf("[Processor] 向量化失败, FileID: %s, Error: %v", file.ID, err)
		if uerr := p.files.UpdateEmbedding(file.ID, model.TaskStatusError, err.Error(), false); uerr != nil {
			logger.Errorf("[Processor] 更新向量化状态失败: %v", uerr)
		}
		p.publish(ctx, tasks.FileEvent{Type: tasks.ProcessingFailed, FileID: file.ID, JobID: job.ID, UserID: file.UserID, Stage: "embedding", Error: err.Error()})
		return err
	}

	if err := p.files.UpdateEmbedding(file.ID, model.TaskStatusSuccess, "", true); err != nil {
		return fmt.Errorf("更新向量化状态失败: %w", err)
	}
	p.publish(ctx, tasks.FileEvent{Type: tasks.EmbeddingDone, FileID: file.ID, JobID: job.ID, UserID: file.UserID, ChunkCount: count})
	logger.Infof("[Processor] 文件处理成功完成, FileID: %s, 分块数: %d", file.ID, count)
	return nil
}

func (p *Processor) chunk(ctx context.Context, file *model.File) ([]*model.Chunk, error) {
	if err := p.files.UpdateChunking(file.ID, model.TaskStatusProcessing, ""); err != nil {
		return nil, fmt.Errorf("更新切块状态失败: %w", err)
	}

	data, err := p.blobs.Get(ctx, file.URL)
	if err != nil {
		return nil, fmt.Errorf("下载文件失败: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("文件内容为空")
	}

	doc, err := p.extractor.ExtractHTML(ctx, bytes.NewReader(data), file.Name, file.FileType)
	if err != nil {
		return nil, fmt.Errorf("使用 Tika 提取内容失败: %w", err)
	}

	segments, err := SegmentXHTML(doc, p.jobsCfg.ChunkSize, p.jobsCfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, errors.New("未生成任何分块")
	}

	chunks := make([]*model.Chunk, 0, len(segments))
	for i, seg := range segments {
		chunks = append(chunks, &model.Chunk{
			ID:     p.newID(),
			FileID: file.ID,
			UserID: file.UserID,
			Index:  i,
			Type:   seg.Type,
			Text:   seg.Text,
			Metadata: model.ChunkMetadata{
				PageNumber: seg.Page,
				TextAsHTML: seg.HTML,
			},
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.mirror.DeleteFile(ctx, file.ID); err != nil {
		log.Warnf("[Processor] 清理向量镜像失败, FileID: %s, Error: %v", file.ID, err)
	}
	if err := p.chunks.ReplaceForFile(file.ID, chunks); err != nil {
		return nil, fmt.Errorf("保存分块失败: %w", err)
	}
	if err := p.files.UpdateChunking(file.ID, model.TaskStatusSuccess, ""); err != nil {
		return nil, fmt.Errorf("更新切块状态失败: %w", err)
	}
	log.Infof("[Processor] 切块完成, FileID: %s, 共 %d 个分块", file.ID, len(chunks))
	return chunks, nil
}

func (p *Processor) embed(ctx context.Context, file *model.File, chunks []*model.Chunk) error {
	if err := p.files.UpdateEmbedding(file.ID, model.TaskStatusProcessing, "", false); err != nil {
		return fmt.Errorf("更新向量化状态失败: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = model.ChunkText(c)
	}
	vectors, err := p.embedder.CreateEmbeddings(ctx, texts)
	if err != nil {
		return fmt.Errorf("调用 Embedding 失败: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("向量数量 %d 与分块数量 %d 不一致", len(vectors), len(chunks))
	}

	rows := make([]*model.Embedding, len(chunks))
	for i, c := range chunks {
		rows[i] = &model.Embedding{
			ChunkID: c.ID,
			FileID:  file.ID,
			UserID:  file.UserID,
			Vector:  vectors[i],
			Model:   p.embedder.Model(),
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.embeddings.CreateForFile(file.ID, rows); err != nil {
		return fmt.Errorf("保存向量失败: %w", err)
	}
	if err := p.mirror.Index(ctx, chunks, rows); err != nil {
		return fmt.Errorf("写入向量镜像失败: %w", err)
	}
	return nil
}

func (p *Processor) markChunkingError(file *model.File, job Job, cause error) {
	if err := p.files.UpdateChunking(file.ID, model.TaskStatusError, cause.Error()); err != nil {
		log.Errorf("[Processor] 更新切块状态失败: %v", err)
	}
	p.publish(context.Background(), tasks.FileEvent{Type: tasks.ProcessingFailed, FileID: file.ID, JobID: job.ID, UserID: file.UserID, Stage: "chunking", Error: cause.Error()})
}

// abandoned 报告任务是否因为文件被删除或 ctx 被取消而中止，这两种情况不回写错误状态。
func abandoned(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, repository.ErrFileNotFound)
}

func (p *Processor) publish(ctx context.Context, ev tasks.FileEvent) {
	if err := p.events.Publish(ctx, ev); err != nil {
		log.Warnf("[Processor] 发送文件事件失败, type: %s, FileID: %s, Error: %v", ev.Type, ev.FileID, err)
	}
}
