package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContentStore(index HashIndex, blobs *memBlobs) *contentStore {
	cs := NewContentStore(index, blobs, config.UploadConfig{PathPrefix: "files", LockTTL: time.Second}).(*contentStore)
	cs.now = func() time.Time { return time.Unix(36000, 0) }
	cs.newName = func() string { return "fixed-name" }
	cs.lockRetry = time.Millisecond
	return cs
}

func TestContentStore_ResolveUploadsThenDeduplicates(t *testing.T) {
	blobs := newMemBlobs()
	cs := newTestContentStore(newMemIndex(), blobs)
	data := []byte("hello knowledge base")

	var progress [][2]int64
	first, err := cs.Resolve(context.Background(), data, "notes.pdf", "application/pdf", func(loaded, total int64) {
		progress = append(progress, [2]int64{loaded, total})
	})
	require.NoError(t, err)
	assert.False(t, first.AlreadyExisted)
	assert.Equal(t, HashContent(data), first.Hash)
	assert.Equal(t, "files/10/fixed-name.pdf", first.Locator)
	assert.Equal(t, model.FileMetadata{
		Date:     "10",
		Dirname:  "files/10",
		Filename: "fixed-name.pdf",
		Path:     "files/10/fixed-name.pdf",
	}, first.Metadata)
	assert.NotEmpty(t, progress)

	second, err := cs.Resolve(context.Background(), data, "copy.pdf", "application/pdf", func(int64, int64) {
		t.Fatal("dedup hit must not report transport progress")
	})
	require.NoError(t, err)
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, first.Locator, second.Locator)
	assert.Equal(t, first.Metadata, second.Metadata)
	assert.Equal(t, 1, blobs.putCount())
}

func TestContentStore_FileNameWithoutExtension(t *testing.T) {
	cs := newTestContentStore(newMemIndex(), newMemBlobs())

	res, err := cs.Resolve(context.Background(), []byte("x"), "README", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "files/10/fixed-name", res.Locator)
}

func TestContentStore_UploadFailure(t *testing.T) {
	blobs := newMemBlobs()
	blobs.failBody = []byte("broken")
	index := newMemIndex()
	cs := newTestContentStore(index, blobs)

	_, err := cs.Resolve(context.Background(), []byte("broken"), "a.txt", "text/plain", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUploadFailed))

	entry, err := index.Lookup(context.Background(), HashContent([]byte("broken")))
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestContentStore_HashCheckFailureDoesNotUpload(t *testing.T) {
	blobs := newMemBlobs()
	index := newMemIndex()
	index.lookupErr = errors.New("redis down")
	cs := newTestContentStore(index, blobs)

	_, err := cs.Resolve(context.Background(), []byte("data"), "a.txt", "text/plain", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashCheckFailed))
	assert.Equal(t, 0, blobs.putCount())

	_, err = cs.CheckHash(context.Background(), "abc")
	assert.True(t, errors.Is(err, ErrHashCheckFailed))
}

func TestContentStore_ConcurrentResolveUploadsOnce(t *testing.T) {
	blobs := newMemBlobs()
	blobs.delay = 20 * time.Millisecond
	cs := newTestContentStore(newMemIndex(), blobs)
	data := []byte("same content")

	const n = 8
	results := make([]*StorageResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := cs.Resolve(context.Background(), data, "same.txt", "text/plain", nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	uploaded := 0
	for _, r := range results {
		require.NotNil(t, r)
		if !r.AlreadyExisted {
			uploaded++
		}
		assert.Equal(t, results[0].Locator, r.Locator)
	}
	assert.Equal(t, 1, uploaded)
	assert.Equal(t, 1, blobs.putCount())
}

func TestContentStore_WaitsForConcurrentUploader(t *testing.T) {
	blobs := newMemBlobs()
	index := newMemIndex()
	data := []byte("uploaded elsewhere")
	hash := HashContent(data)
	index.lockDenied = 1
	index.onLockDeny = func(m *memIndex) {
		_ = m.Remember(context.Background(), hash, repository.HashEntry{
			URL:      "files/9/other.txt",
			Metadata: model.FileMetadata{Path: "files/9/other.txt"},
		})
	}
	cs := newTestContentStore(index, blobs)

	res, err := cs.Resolve(context.Background(), data, "mine.txt", "text/plain", nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)
	assert.Equal(t, "files/9/other.txt", res.Locator)
	assert.Equal(t, 0, blobs.putCount())
}

func TestHashIndex_FallsBackToFileTable(t *testing.T) {
	db := newTestDB(t)
	files := repository.NewFileRepository(db)
	require.NoError(t, files.Create(&model.File{
		ID:       "f1",
		UserID:   1,
		Name:     "a.txt",
		Hash:     "h1",
		URL:      "files/1/a.txt",
		Metadata: model.FileMetadata{Path: "files/1/a.txt"},
	}))
	index := NewHashIndex(nil, files)

	entry, err := index.Lookup(context.Background(), "h1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "files/1/a.txt", entry.URL)

	entry, err = index.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	_, ok, err := index.Lock(context.Background(), "h1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// gatedBlobs 的上传在 release 关闭前阻塞，并遵守调用方 ctx 的取消。
type gatedBlobs struct {
	*memBlobs
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBlobs) PutViaURL(ctx context.Context, url string, body []byte, contentType string, onProgress storage.ProgressFunc) error {
	g.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.release:
	}
	return g.memBlobs.PutViaURL(ctx, url, body, contentType, onProgress)
}

func TestContentStore_CanceledLeaderDoesNotFailFollower(t *testing.T) {
	blobs := &gatedBlobs{memBlobs: newMemBlobs(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	cs := NewContentStore(newMemIndex(), blobs, defaultUploadConfig())
	data := []byte("same bytes in two items")

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cs.Resolve(leaderCtx, data, "a.txt", "text/plain", nil)
		leaderErr <- err
	}()
	<-blobs.entered

	type outcome struct {
		res *StorageResult
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := cs.Resolve(context.Background(), data, "b.txt", "text/plain", nil)
		follower <- outcome{res, err}
	}()

	cancelLeader()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	// 等待跟随者加入同一次上传
	time.Sleep(50 * time.Millisecond)
	close(blobs.release)

	select {
	case out := <-follower:
		require.NoError(t, out.err)
		assert.True(t, out.res.AlreadyExisted)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not finish")
	}
	assert.Equal(t, 1, blobs.putCount())
}
