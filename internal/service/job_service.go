package service

import (
	"context"
	"fmt"
	"sync"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/pipeline"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/log"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// JobRunner 由 Processor 实现，执行一次切块与向量化。
type JobRunner interface {
	Process(ctx context.Context, job pipeline.Job) error
}

// JobService 接口定义了切块与向量化任务的触发与状态查询。
type JobService interface {
	StartChunkAndEmbedJob(ctx context.Context, userID uint, fileID string) (string, error)
	GetJobStatus(ctx context.Context, userID uint, fileID string) (*model.JobStatus, error)
	JobCanceler
	Close()
}

// JobCanceler 取消某个文件上仍在排队或运行的任务。
type JobCanceler interface {
	CancelJobs(fileID string)
}

type jobService struct {
	files  repository.FileRepository
	chunks repository.ChunkRepository
	runner JobRunner
	pool   *ants.Pool
	newID  func() string

	baseCtx context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	running map[string]map[string]context.CancelFunc
}

// NewJobService 创建任务服务，poolSize 限制同时运行的任务数。
func NewJobService(files repository.FileRepository, chunks repository.ChunkRepository, runner JobRunner, poolSize int) (JobService, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("创建任务协程池失败: %w", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &jobService{
		files:   files,
		chunks:  chunks,
		runner:  runner,
		pool:    pool,
		newID:   uuid.NewString,
		baseCtx: ctx,
		stop:    stop,
		running: make(map[string]map[string]context.CancelFunc),
	}, nil
}

// StartChunkAndEmbedJob 重置文件的任务状态并把任务提交到协程池，同一文件上更早的任务会被取消。
// 协程池已满时阻塞，直到有空闲的 worker。
func (s *jobService) StartChunkAndEmbedJob(ctx context.Context, userID uint, fileID string) (string, error) {
	file, err := s.files.FindByIDForUser(fileID, userID)
	if err != nil {
		return "", err
	}

	job := pipeline.Job{ID: s.newID(), FileID: file.ID, UserID: userID}
	if err := s.files.SetJob(file.ID, job.ID); err != nil {
		return "", fmt.Errorf("记录任务失败: %w", err)
	}

	s.CancelJobs(file.ID)
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	s.track(job, cancel)

	err = s.pool.Submit(func() {
		defer s.untrack(job)
		if err := s.runner.Process(jobCtx, job); err != nil {
			if jobCtx.Err() != nil {
				log.Infof("[JobService] 任务已取消, fileID: %s, jobID: %s", job.FileID, job.ID)
				return
			}
			log.Errorf("[JobService] 任务执行失败, fileID: %s, jobID: %s, error: %v", job.FileID, job.ID, err)
		}
	})
	if err != nil {
		s.untrack(job)
		return "", fmt.Errorf("提交任务失败: %w", err)
	}
	log.Infof("[JobService] 任务已提交, fileID: %s, jobID: %s", job.FileID, job.ID)
	return job.ID, nil
}

// GetJobStatus 返回文件的任务状态快照。切块成功后 ChunkCount 才有值。
func (s *jobService) GetJobStatus(ctx context.Context, userID uint, fileID string) (*model.JobStatus, error) {
	file, err := s.files.FindByIDForUser(fileID, userID)
	if err != nil {
		return nil, err
	}

	status := &model.JobStatus{
		FileID:          file.ID,
		JobID:           file.JobID,
		ChunkingStatus:  file.ChunkingStatus,
		ChunkingError:   file.ChunkingError,
		EmbeddingStatus: file.EmbeddingStatus,
		EmbeddingError:  file.EmbeddingError,
		FinishEmbedding: file.FinishEmbedding,
	}
	if file.ChunkingStatus == model.TaskStatusSuccess {
		count, err := s.chunks.CountByFileID(file.ID)
		if err != nil {
			return nil, fmt.Errorf("统计分块数量失败: %w", err)
		}
		status.ChunkCount = &count
	}
	return status, nil
}

// CancelJobs 取消文件上所有未结束的任务。
func (s *jobService) CancelJobs(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, cancel := range s.running[fileID] {
		cancel()
		log.Infof("[JobService] 取消任务, fileID: %s, jobID: %s", fileID, jobID)
	}
	delete(s.running, fileID)
}

func (s *jobService) track(job pipeline.Job, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[job.FileID] == nil {
		s.running[job.FileID] = make(map[string]context.CancelFunc)
	}
	s.running[job.FileID][job.ID] = cancel
}

func (s *jobService) untrack(job pipeline.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[job.FileID][job.ID]; ok {
		cancel()
		delete(s.running[job.FileID], job.ID)
		if len(s.running[job.FileID]) == 0 {
			delete(s.running, job.FileID)
		}
	}
}

func (s *jobService) Close() {
	s.stop()
	s.pool.Release()
}
