package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/database"
	"knowledge-ingest-go/pkg/storage"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func defaultUploadConfig() config.UploadConfig {
	return config.UploadConfig{PathPrefix: "files", LockTTL: time.Second}
}

// memBlobs 在内存中模拟对象存储，每次上传报告两次进度。
type memBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	removed  []string
	failBody []byte
	delay    time.Duration
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (b *memBlobs) Presign(_ context.Context, path string) (string, error) {
	return "http://blob.local/" + path, nil
}

func (b *memBlobs) PutViaURL(_ context.Context, url string, body []byte, _ string, onProgress storage.ProgressFunc) error {
	if b.failBody != nil && bytes.Equal(body, b.failBody) {
		return errors.New("unexpected status 500")
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	total := int64(len(body))
	if onProgress != nil {
		onProgress(total/2, total)
		onProgress(total, total)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.objects[url] = body
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects["http://blob.local/"+path]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (b *memBlobs) Remove(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, path)
	return nil
}

func (b *memBlobs) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

// memIndex 是内存中的 HashIndex，可注入查询失败与锁竞争。
type memIndex struct {
	mu         sync.Mutex
	entries    map[string]repository.HashEntry
	lookupErr  error
	lockDenied int
	onLockDeny func(*memIndex)
	forgotten  []string
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]repository.HashEntry)}
}

func (m *memIndex) Lookup(_ context.Context, hash string) (*repository.HashEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	e, ok := m.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memIndex) Remember(_ context.Context, hash string, entry repository.HashEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[hash] = entry
	return nil
}

func (m *memIndex) Forget(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, hash)
	m.forgotten = append(m.forgotten, hash)
	return nil
}

func (m *memIndex) Lock(context.Context, string, time.Duration) (string, bool, error) {
	m.mu.Lock()
	if m.lockDenied > 0 {
		m.lockDenied--
		cb := m.onLockDeny
		m.mu.Unlock()
		if cb != nil {
			cb(m)
		}
		return "", false, nil
	}
	m.mu.Unlock()
	return "token", true, nil
}

func (m *memIndex) Unlock(context.Context, string, string) error { return nil }
