package tracker

import (
	"sync"

	"github.com/google/uuid"
)

type session struct {
	userID uint
	store  *Store
}

// Registry 按会话 ID 管理各用户的上传会话。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]session
}

// NewRegistry 创建一个空的会话注册表。
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]session)}
}

// Create 为用户新建一个会话。
func (r *Registry) Create(userID uint) (string, *Store) {
	id := uuid.NewString()
	st := NewStore()

	r.mu.Lock()
	r.sessions[id] = session{userID: userID, store: st}
	r.mu.Unlock()
	return id, st
}

// Get 返回属于该用户的会话存储。
func (r *Registry) Get(id string, userID uint) (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.userID != userID {
		return nil, ErrSessionNotFound
	}
	return s.store, nil
}

// Close 结束会话：清空条目并取消所有进行中的流水线。
func (r *Registry) Close(id string, userID uint) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.userID != userID {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.store.Clear()
	return nil
}

// CloseAll 在服务关闭时结束全部会话。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.store.Clear()
	}
}
