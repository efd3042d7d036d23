package service

import (
	"context"
	"errors"
	"testing"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFileType(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectFileType([]byte("%PDF-1.4"), "application/pdf"))
	assert.Equal(t, "text/plain", DetectFileType(nil, ""))
	assert.Equal(t, "image/png", DetectFileType([]byte("\x89PNG\r\n\x1a\n0000"), ""))
	assert.Equal(t, "text/plain", DetectFileType([]byte{0x00, 0x01, 0x02, 0xff}, ""))
	assert.Contains(t, DetectFileType([]byte("plain words"), ""), "text/plain")
}

func TestFileService_RemoveKeepsSharedBlob(t *testing.T) {
	db := newTestDB(t)
	files := repository.NewFileRepository(db)
	chunks := repository.NewChunkRepository(db)
	blobs := newMemBlobs()
	index := newMemIndex()
	require.NoError(t, index.Remember(context.Background(), "h", repository.HashEntry{URL: "files/1/x.txt"}))

	svc := NewFileService(NewContentStore(index, blobs, defaultUploadConfig()), index, files, chunks, blobs, nil, nil, nil)
	req := CreateFileRequest{Name: "x.txt", Hash: "h", URL: "files/1/x.txt", Size: 3}
	a, err := svc.Create(context.Background(), 1, req)
	require.NoError(t, err)
	b, err := svc.Create(context.Background(), 2, req)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", a.FileType)
	assert.NotEqual(t, a.ID, b.ID)

	require.NoError(t, chunks.BulkCreate([]*model.Chunk{{ID: "c1", FileID: a.ID, UserID: 1, Index: 0, Type: model.ChunkTypeText, Text: "t"}}))

	err = svc.Remove(context.Background(), 2, a.ID)
	assert.True(t, errors.Is(err, repository.ErrFileNotFound))

	require.NoError(t, svc.Remove(context.Background(), 1, a.ID))
	assert.Empty(t, blobs.removed)
	n, err := chunks.CountByFileID(a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, svc.Remove(context.Background(), 2, b.ID))
	assert.Equal(t, []string{"files/1/x.txt"}, blobs.removed)
	assert.Equal(t, []string{"h"}, index.forgotten)
}

func TestFileService_CreateValidates(t *testing.T) {
	db := newTestDB(t)
	svc := NewFileService(nil, newMemIndex(), repository.NewFileRepository(db), repository.NewChunkRepository(db), newMemBlobs(), nil, nil, nil)

	_, err := svc.Create(context.Background(), 1, CreateFileRequest{Name: "a"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = svc.CheckHash(context.Background(), "")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = svc.ListChunks(context.Background(), 1, "f", -1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestFileService_CreateRejectsForeignLocator(t *testing.T) {
	db := newTestDB(t)
	files := repository.NewFileRepository(db)
	blobs := newMemBlobs()
	index := newMemIndex()
	content := NewContentStore(index, blobs, defaultUploadConfig())
	svc := NewFileService(content, index, files, repository.NewChunkRepository(db), blobs, nil, nil, nil)
	ctx := context.Background()

	victim := []byte("victim document")
	hash := HashContent(victim)

	// 内容从未上传过，也不在声称的位置上
	_, err := svc.Create(ctx, 2, CreateFileRequest{Name: "x.bin", Hash: hash, URL: "files/1/attacker.bin"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = files.FindByHash(hash)
	assert.True(t, errors.Is(err, repository.ErrFileNotFound))

	res, err := content.Resolve(ctx, victim, "v.txt", "text/plain", nil)
	require.NoError(t, err)
	assert.False(t, res.AlreadyExisted)
	assert.NotEqual(t, "files/1/attacker.bin", res.Locator)
	assert.Equal(t, 1, blobs.putCount())

	// 已登记的内容不能指向别的位置
	_, err = svc.Create(ctx, 2, CreateFileRequest{Name: "x.bin", Hash: hash, URL: "files/1/attacker.bin"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	file, err := svc.Create(ctx, 2, CreateFileRequest{Name: "v.txt", Hash: hash, URL: res.Locator, Metadata: model.FileMetadata{Path: "bogus"}})
	require.NoError(t, err)
	assert.Equal(t, res.Metadata, file.Metadata)
}

func TestFileService_CreateVerifiesUnregisteredContent(t *testing.T) {
	db := newTestDB(t)
	blobs := newMemBlobs()
	index := newMemIndex()
	svc := NewFileService(nil, index, repository.NewFileRepository(db), repository.NewChunkRepository(db), blobs, nil, nil, nil)
	ctx := context.Background()

	data := []byte("stored before the registry knew it")
	blobs.objects["http://blob.local/files/3/a.txt"] = data
	hash := HashContent(data)

	_, err := svc.Create(ctx, 1, CreateFileRequest{Name: "a.txt", Hash: HashContent([]byte("other")), URL: "files/3/a.txt"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = svc.Create(ctx, 1, CreateFileRequest{Name: "a.txt", Hash: hash, URL: "files/3/a.txt"})
	require.NoError(t, err)
	entry, err := index.Lookup(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "files/3/a.txt", entry.URL)
}

func TestFileService_CountChunksScopedToCaller(t *testing.T) {
	db := newTestDB(t)
	chunks := repository.NewChunkRepository(db)
	svc := NewFileService(nil, newMemIndex(), repository.NewFileRepository(db), chunks, newMemBlobs(), nil, nil, nil)
	require.NoError(t, chunks.BulkCreate([]*model.Chunk{
		{ID: "c1", FileID: "f1", UserID: 1, Index: 0, Type: model.ChunkTypeText, Text: "a"},
		{ID: "c2", FileID: "f1", UserID: 1, Index: 1, Type: model.ChunkTypeText, Text: "b"},
	}))

	counts, err := svc.CountChunks(context.Background(), 1, []string{"f1"})
	require.NoError(t, err)
	assert.Equal(t, []model.FileChunkCount{{ID: "f1", Count: 2}}, counts)

	counts, err = svc.CountChunks(context.Background(), 2, []string{"f1"})
	require.NoError(t, err)
	assert.Empty(t, counts)
}
