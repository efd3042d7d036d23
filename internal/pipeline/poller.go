package pipeline

import (
	"context"
	"fmt"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/pkg/log"
)

// StartFunc 触发文件的切块与向量化任务并返回任务 ID。
type StartFunc func(ctx context.Context, fileID string) (string, error)

// StatusFunc 查询文件的任务状态快照，文件已不存在时返回 nil, nil。
type StatusFunc func(ctx context.Context, fileID string) (*model.JobStatus, error)

// UpdateFunc 接收每一次成功查询到的快照。
type UpdateFunc func(status *model.JobStatus)

// Poller 按固定间隔轮询单个文件的任务状态直到终态。
// 每个文件使用独立的 Run 调用，彼此之间不共享锁。
type Poller struct {
	cfg    config.PollerConfig
	status StatusFunc
	now    func() time.Time
}

// NewPoller 创建轮询器。
func NewPoller(cfg config.PollerConfig, status StatusFunc) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxTransientFailures <= 0 {
		cfg.MaxTransientFailures = 15
	}
	return &Poller{cfg: cfg, status: status, now: time.Now}
}

// Run 启动任务并轮询，直到 finishEmbedding、某阶段 error、超时或 ctx 被取消。
func (p *Poller) Run(ctx context.Context, fileID string, start StartFunc, onUpdate UpdateFunc) error {
	begin := p.now()

	jobID, err := start(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobStartFailed, err)
	}
	if jobID == "" {
		return ErrJobStartFailed
	}
	log.Infof("[Poller] 任务已触发, fileID: %s, jobID: %s", fileID, jobID)

	failures := 0
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		snapshot, err := p.status(ctx, fileID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Warnf("[Poller] %v, fileID: %s, 连续失败: %d, error: %v", ErrTransientPoll, fileID, failures, err)
			if failures >= p.cfg.MaxTransientFailures {
				return fmt.Errorf("%w: %d consecutive failures: %w", ErrPollingTimedOut, failures, err)
			}
		} else {
			failures = 0
			if snapshot == nil {
				return ErrFileGone
			}
			if onUpdate != nil {
				onUpdate(snapshot)
			}
			if done, err := terminal(snapshot); done {
				return err
			}
		}

		if p.cfg.MaxWait > 0 && p.now().Sub(begin) >= p.cfg.MaxWait {
			return fmt.Errorf("%w: waited %s", ErrPollingTimedOut, p.cfg.MaxWait)
		}
		timer.Reset(p.cfg.Interval)
	}
}

func terminal(s *model.JobStatus) (bool, error) {
	if s.FinishEmbedding {
		return true, nil
	}
	if s.ChunkingStatus == model.TaskStatusError {
		return true, &JobTerminalError{Stage: "chunking", Message: s.ChunkingError}
	}
	if s.EmbeddingStatus == model.TaskStatusError {
		return true, &JobTerminalError{Stage: "embedding", Message: s.EmbeddingError}
	}
	return false, nil
}
