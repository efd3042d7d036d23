package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/pipeline"
	"knowledge-ingest-go/internal/tracker"
	"knowledge-ingest-go/pkg/log"
)

// IngestService 接口定义了会话内的批量上传与处理流程。
type IngestService interface {
	CreateSession(userID uint) string
	Session(userID uint, sessionID string) (*tracker.Store, error)
	StartBatch(userID uint, sessionID, knowledgeBaseID string, sources []model.FileSource) ([]string, error)
	RunBatch(ctx context.Context, userID uint, store *tracker.Store, knowledgeBaseID string, ids []string, sources []model.FileSource)
	RemoveItem(ctx context.Context, userID uint, sessionID, itemID string) error
	CloseSession(userID uint, sessionID string) error
	Shutdown()
}

type ingestService struct {
	sessions  *tracker.Registry
	content   ContentStore
	files     FileService
	jobs      JobService
	pollerCfg config.PollerConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestService 创建一个新的 IngestService 实例。
func NewIngestService(sessions *tracker.Registry, content ContentStore, files FileService, jobs JobService, pollerCfg config.PollerConfig) IngestService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ingestService{
		sessions:  sessions,
		content:   content,
		files:     files,
		jobs:      jobs,
		pollerCfg: pollerCfg,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

func (s *ingestService) CreateSession(userID uint) string {
	id, _ := s.sessions.Create(userID)
	log.Infof("[IngestService] 新建上传会话, sessionID: %s, userID: %d", id, userID)
	return id
}

func (s *ingestService) Session(userID uint, sessionID string) (*tracker.Store, error) {
	return s.sessions.Get(sessionID, userID)
}

// StartBatch 把文件加入会话并在后台处理，立即返回条目 ID。
func (s *ingestService) StartBatch(userID uint, sessionID, knowledgeBaseID string, sources []model.FileSource) ([]string, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidArgument)
	}
	store, err := s.sessions.Get(sessionID, userID)
	if err != nil {
		return nil, err
	}
	ids, err := store.AddFiles(sources)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunBatch(s.baseCtx, userID, store, knowledgeBaseID, ids, sources)
	}()
	return ids, nil
}

// RunBatch 并发处理一批文件并等待全部结束。单个文件失败不会影响同批其他文件。
func (s *ingestService) RunBatch(ctx context.Context, userID uint, store *tracker.Store, knowledgeBaseID string, ids []string, sources []model.FileSource) {
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(id string, src model.FileSource) {
			defer wg.Done()
			s.processFile(ctx, userID, store, knowledgeBaseID, id, src)
		}(ids[i], sources[i])
	}
	wg.Wait()
}

// processFile 依次执行：哈希与上传（或去重跳过）、创建文件记录、触发任务并轮询至终态。
func (s *ingestService) processFile(parent context.Context, userID uint, store *tracker.Store, knowledgeBaseID, id string, src model.FileSource) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := store.Bind(id, cancel); err != nil {
		return
	}

	meter := tracker.NewProgressMeter(nil)
	res, err := s.content.Resolve(ctx, src.Data, src.Name, src.MimeType, func(loaded, total int64) {
		if err := store.ReportProgress(id, meter.Measure(loaded, total)); err != nil {
			log.Debugf("[IngestService] 忽略进度事件, id: %s, error: %v", id, err)
		}
	})
	if err != nil {
		s.fail(ctx, store, id, err)
		return
	}

	state := meter.Complete(src.Size)
	if res.AlreadyExisted {
		state = tracker.Deduplicated()
	}
	if err := store.EnterProcessing(id, state); err != nil {
		s.fail(ctx, store, id, err)
		return
	}

	file, err := s.files.Create(ctx, userID, CreateFileRequest{
		Name:            src.Name,
		Size:            src.Size,
		FileType:        DetectFileType(src.Data, src.MimeType),
		Hash:            res.Hash,
		URL:             res.Locator,
		Metadata:        res.Metadata,
		KnowledgeBaseID: knowledgeBaseID,
	})
	if err != nil {
		s.fail(ctx, store, id, err)
		return
	}
	if err := store.Attach(id, file.ID, file.URL); err != nil {
		// 条目已被移除，撤销刚创建的记录
		if rerr := s.files.Remove(context.Background(), userID, file.ID); rerr != nil {
			log.Warnf("[IngestService] 撤销文件记录失败, fileID: %s, error: %v", file.ID, rerr)
		}
		s.fail(ctx, store, id, err)
		return
	}
	id = file.ID

	if IsImage(file.FileType) {
		s.succeed(store, id)
		return
	}

	if err := store.SetTasks(id, &model.FileTasks{}); err != nil {
		return
	}
	poller := pipeline.NewPoller(s.pollerCfg, func(ctx context.Context, fileID string) (*model.JobStatus, error) {
		status, err := s.jobs.GetJobStatus(ctx, userID, fileID)
		if isNotFound(err) {
			return nil, nil
		}
		return status, err
	})
	err = poller.Run(ctx, id,
		func(ctx context.Context, fileID string) (string, error) {
			return s.jobs.StartChunkAndEmbedJob(ctx, userID, fileID)
		},
		func(status *model.JobStatus) {
			if err := store.SetTasks(id, model.TasksFromStatus(status)); err != nil {
				log.Debugf("[IngestService] 忽略任务状态更新, id: %s, error: %v", id, err)
			}
		},
	)
	if err != nil {
		s.fail(ctx, store, id, err)
		return
	}
	s.succeed(store, id)
}

func (s *ingestService) succeed(store *tracker.Store, id string) {
	if err := store.Transition(id, model.UploadStatusSuccess); err != nil && !errors.Is(err, tracker.ErrItemNotFound) {
		log.Warnf("[IngestService] 更新条目状态失败, id: %s, error: %v", id, err)
		return
	}
	log.Infof("[IngestService] 文件处理完成, id: %s", id)
}

// fail 把条目标记为 error。条目已被移除或 ctx 已取消时不做任何事。
func (s *ingestService) fail(ctx context.Context, store *tracker.Store, id string, cause error) {
	if ctx.Err() != nil || errors.Is(cause, tracker.ErrItemNotFound) {
		return
	}
	log.Errorf("[IngestService] 文件处理失败, id: %s, error: %v", id, cause)
	if err := store.Fail(id, cause); err != nil && !errors.Is(err, tracker.ErrItemNotFound) {
		log.Warnf("[IngestService] 更新条目状态失败, id: %s, error: %v", id, err)
	}
}

// RemoveItem 移除会话条目并取消其流水线。条目已关联文件记录时一并删除服务端文件。
func (s *ingestService) RemoveItem(ctx context.Context, userID uint, sessionID, itemID string) error {
	store, err := s.sessions.Get(sessionID, userID)
	if err != nil {
		return err
	}
	item, err := store.Remove(itemID)
	if err != nil {
		return err
	}
	if item.FileURL == "" {
		return nil
	}
	if err := s.files.Remove(ctx, userID, item.ID); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *ingestService) CloseSession(userID uint, sessionID string) error {
	return s.sessions.Close(sessionID, userID)
}

// Shutdown 取消所有进行中的流水线并等待后台批次退出。
func (s *ingestService) Shutdown() {
	s.cancel()
	s.sessions.CloseAll()
	s.wg.Wait()
}
