// Package tracker 维护会话内上传条目的状态机与进度，并向订阅者推送变更。
package tracker

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"knowledge-ingest-go/internal/model"
)

// EventType 标识条目变更的类型。
type EventType string

const (
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event 是推送给订阅者的条目快照。
type Event struct {
	Type EventType            `json:"type"`
	ID   string               `json:"id"`
	Item model.UploadFileItem `json:"item"`
}

const subscriberBuffer = 64

var transitions = map[model.UploadStatus][]model.UploadStatus{
	model.UploadStatusPending:    {model.UploadStatusUploading, model.UploadStatusProcessing, model.UploadStatusError},
	model.UploadStatusUploading:  {model.UploadStatusProcessing, model.UploadStatusError},
	model.UploadStatusProcessing: {model.UploadStatusSuccess, model.UploadStatusError},
}

// CanTransition 报告状态机是否允许 from -> to。
func CanTransition(from, to model.UploadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store 是单个会话的上传条目集合，按加入顺序保存。
type Store struct {
	mu      sync.Mutex
	order   []string
	items   map[string]*model.UploadFileItem
	cancels map[string]context.CancelFunc
	subs    map[int]*subscriber
	nextSub int
}

// NewStore 创建一个空的会话存储。
func NewStore() *Store {
	return &Store{
		items:   make(map[string]*model.UploadFileItem),
		cancels: make(map[string]context.CancelFunc),
		subs:    make(map[int]*subscriber),
	}
}

// AddFiles 以 pending 状态加入一批文件，条目 ID 为文件名。图片与视频附带 base64 预览。
func (s *Store) AddFiles(sources []model.FileSource) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if _, ok := s.items[src.Name]; ok || seen[src.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, src.Name)
		}
		seen[src.Name] = true
	}

	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		item := &model.UploadFileItem{
			ID:     src.Name,
			File:   src,
			Status: model.UploadStatusPending,
		}
		if previewable(src.MimeType) {
			item.Base64URL = "data:" + src.MimeType + ";base64," + base64.StdEncoding.EncodeToString(src.Data)
		}
		s.items[item.ID] = item
		s.order = append(s.order, item.ID)
		ids = append(ids, item.ID)
		s.publishLocked(EventUpdated, item)
	}
	return ids, nil
}

func previewable(mime string) bool {
	return strings.HasPrefix(mime, "image") || strings.HasPrefix(mime, "video")
}

// Bind 登记条目流水线的取消函数，Remove 与 Clear 时调用。
func (s *Store) Bind(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrItemNotFound
	}
	s.cancels[id] = cancel
	return nil
}

// Transition 执行一次状态迁移。
func (s *Store) Transition(id string, to model.UploadStatus) error {
	return s.mutate(id, func(it *model.UploadFileItem) error {
		return transitionLocked(it, to)
	})
}

func transitionLocked(it *model.UploadFileItem, to model.UploadStatus) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, to)
	}
	it.Status = to
	return nil
}

// ReportProgress 记录一次传输进度。第一次进度事件把条目从 pending 切换到 uploading。
func (s *Store) ReportProgress(id string, state model.UploadState) error {
	return s.mutate(id, func(it *model.UploadFileItem) error {
		if it.Status == model.UploadStatusPending {
			if err := transitionLocked(it, model.UploadStatusUploading); err != nil {
				return err
			}
		}
		if it.Status != model.UploadStatusUploading {
			return fmt.Errorf("%w: progress while %s", ErrInvalidTransition, it.Status)
		}
		st := state
		it.UploadState = &st
		return nil
	})
}

// EnterProcessing 把条目切换到 processing 并写入最终进度，用于传输成功或命中去重。
func (s *Store) EnterProcessing(id string, state model.UploadState) error {
	return s.mutate(id, func(it *model.UploadFileItem) error {
		if err := transitionLocked(it, model.UploadStatusProcessing); err != nil {
			return err
		}
		st := state
		it.UploadState = &st
		return nil
	})
}

// Fail 把条目切换到 error 并保留错误信息。
func (s *Store) Fail(id string, cause error) error {
	return s.mutate(id, func(it *model.UploadFileItem) error {
		if err := transitionLocked(it, model.UploadStatusError); err != nil {
			return err
		}
		it.Error = cause.Error()
		return nil
	})
}

// Update 对条目应用补丁。补丁不能修改 ID 与状态。
func (s *Store) Update(id string, patch func(*model.UploadFileItem)) error {
	return s.mutate(id, func(it *model.UploadFileItem) error {
		origID, origStatus := it.ID, it.Status
		patch(it)
		it.ID, it.Status = origID, origStatus
		return nil
	})
}

// SetTasks 更新条目的任务状态。
func (s *Store) SetTasks(id string, tasks *model.FileTasks) error {
	return s.mutate(id, func(it *model.UploadFileItem) error {
		it.Tasks = tasks
		return nil
	})
}

// Attach 在一次修改中把条目关联到服务端文件：ID 从文件名替换为文件 ID 并写入 FileURL，
// 位置与取消函数保持不变。之后任何时刻移除条目都能看到完整的关联信息。
func (s *Store) Attach(oldID, newID, fileURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[oldID]
	if !ok {
		return ErrItemNotFound
	}
	if oldID == newID {
		it.FileURL = fileURL
		s.publishLocked(EventUpdated, it)
		return nil
	}
	if _, exists := s.items[newID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, newID)
	}

	delete(s.items, oldID)
	it.ID = newID
	it.FileURL = fileURL
	s.items[newID] = it
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			break
		}
	}
	if cancel, ok := s.cancels[oldID]; ok {
		delete(s.cancels, oldID)
		s.cancels[newID] = cancel
	}

	s.publishLocked(EventRemoved, &model.UploadFileItem{ID: oldID})
	s.publishLocked(EventUpdated, it)
	return nil
}

// Remove 删除条目并取消它的流水线。
func (s *Store) Remove(id string) (model.UploadFileItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return model.UploadFileItem{}, ErrItemNotFound
	}
	s.removeLocked(id)
	return it.Clone(), nil
}

func (s *Store) removeLocked(id string) {
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.publishLocked(EventRemoved, &model.UploadFileItem{ID: id})
}

// Clear 删除全部条目并取消所有流水线。
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := append([]string(nil), s.order...)
	for _, id := range ids {
		s.removeLocked(id)
	}
}

// Get 返回条目快照。
func (s *Store) Get(id string) (model.UploadFileItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return model.UploadFileItem{}, ErrItemNotFound
	}
	return it.Clone(), nil
}

// List 按加入顺序返回全部条目快照。
func (s *Store) List() []model.UploadFileItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UploadFileItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out
}

// Subscribe 返回条目变更的通道与取消订阅函数。消费过慢时同一条目的中间状态会被合并，
// 每个条目的最新状态总会送达。
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	sub := newSubscriber(subscriberBuffer)
	s.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.close()
		})
	}
}

func (s *Store) mutate(id string, fn func(*model.UploadFileItem) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if err := fn(it); err != nil {
		return err
	}
	s.publishLocked(EventUpdated, it)
	return nil
}

func (s *Store) publishLocked(t EventType, it *model.UploadFileItem) {
	if len(s.subs) == 0 {
		return
	}
	ev := Event{Type: t, ID: it.ID, Item: it.Clone()}
	for _, sub := range s.subs {
		sub.deliver(ev)
	}
}
