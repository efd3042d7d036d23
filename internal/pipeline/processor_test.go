package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/database"
	"knowledge-ingest-go/pkg/storage"
	"knowledge-ingest-go/pkg/tasks"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeBlobs struct {
	objects map[string][]byte
}

func (f *fakeBlobs) Presign(context.Context, string) (string, error) { return "", nil }
func (f *fakeBlobs) PutViaURL(context.Context, string, []byte, string, storage.ProgressFunc) error {
	return nil
}
func (f *fakeBlobs) Get(_ context.Context, path string) ([]byte, error) {
	data, ok := f.objects[path]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}
func (f *fakeBlobs) Remove(context.Context, string) error { return nil }

type fakeExtractor struct{ doc string }

func (f fakeExtractor) ExtractHTML(context.Context, io.Reader, string, string) (string, error) {
	return f.doc, nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, f.err
}
func (f fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}
func (fakeEmbedder) Model() string { return "test-model" }

type recordingPublisher struct{ events []tasks.FileEvent }

func (r *recordingPublisher) Publish(_ context.Context, ev tasks.FileEvent) error {
	r.events = append(r.events, ev)
	return nil
}
func (r *recordingPublisher) Close() error { return nil }

func newProcessorDB(t *testing.T) *gorm.DB {
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

func newTestProcessor(t *testing.T, doc string, embedder fakeEmbedder) (*Processor, *gorm.DB, *recordingPublisher) {
	db := newProcessorDB(t)
	files := repository.NewFileRepository(db)
	require.NoError(t, files.Create(&model.File{ID: "f1", UserID: 9, Name: "a.pdf", FileType: "application/pdf", URL: "files/1/a.pdf"}))

	events := &recordingPublisher{}
	p := NewProcessor(
		fakeExtractor{doc: doc},
		embedder,
		&fakeBlobs{objects: map[string][]byte{"files/1/a.pdf": []byte("%PDF")}},
		files,
		repository.NewChunkRepository(db),
		repository.NewEmbeddingRepository(db),
		nil,
		events,
		config.JobsConfig{ChunkSize: 1000, ChunkOverlap: 100},
	)
	n := 0
	p.newID = func() string { n++; return fmt.Sprintf("chunk-%d", n) }
	return p, db, events
}

const twoPageDoc = `<html><body><div class="page"><p>one</p></div><div class="page"><table><tr><td>x</td></tr></table></div></body></html>`

func TestProcess_PersistsChunksAndEmbeddings(t *testing.T) {
	p, db, events := newTestProcessor(t, twoPageDoc, fakeEmbedder{})

	require.NoError(t, p.Process(context.Background(), Job{ID: "job-1", FileID: "f1", UserID: 9}))

	file, err := repository.NewFileRepository(db).FindByID("f1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, file.ChunkingStatus)
	assert.Equal(t, model.TaskStatusSuccess, file.EmbeddingStatus)
	assert.True(t, file.FinishEmbedding)

	page, err := repository.NewChunkRepository(db).FindByFileID("f1", 9, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, model.ChunkTypeText, page[0].Type)
	assert.Equal(t, 1, *page[0].PageNumber)
	assert.Equal(t, model.ChunkTypeTable, page[1].Type)
	assert.Equal(t, 2, *page[1].PageNumber)
	assert.Contains(t, page[1].Metadata.TextAsHTML, "<td>x</td>")

	vectors, err := repository.NewEmbeddingRepository(db).FindByChunkIDs([]string{"chunk-1", "chunk-2"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, "test-model", vectors["chunk-1"].Model)

	require.Len(t, events.events, 2)
	assert.Equal(t, tasks.ChunkingDone, events.events[0].Type)
	assert.Equal(t, tasks.EmbeddingDone, events.events[1].Type)
	assert.Equal(t, 2, events.events[1].ChunkCount)
}

func TestProcess_EmbeddingFailureKeepsChunks(t *testing.T) {
	p, db, events := newTestProcessor(t, twoPageDoc, fakeEmbedder{err: errors.New("quota exceeded")})

	err := p.Process(context.Background(), Job{ID: "job-1", FileID: "f1", UserID: 9})
	require.Error(t, err)

	file, err := repository.NewFileRepository(db).FindByID("f1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, file.ChunkingStatus)
	assert.Equal(t, model.TaskStatusError, file.EmbeddingStatus)
	assert.Contains(t, file.EmbeddingError, "quota exceeded")
	assert.False(t, file.FinishEmbedding)

	n, err := repository.NewChunkRepository(db).CountByFileID("f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, tasks.ProcessingFailed, events.events[len(events.events)-1].Type)
}

func TestProcess_EmptyExtractionIsChunkingError(t *testing.T) {
	p, db, _ := newTestProcessor(t, `<html><body></body></html>`, fakeEmbedder{})

	require.Error(t, p.Process(context.Background(), Job{ID: "job-1", FileID: "f1", UserID: 9}))

	file, err := repository.NewFileRepository(db).FindByID("f1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, file.ChunkingStatus)
	assert.NotEmpty(t, file.ChunkingError)
}

func TestProcess_ReprocessingReplacesChunks(t *testing.T) {
	p, db, _ := newTestProcessor(t, twoPageDoc, fakeEmbedder{})
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, Job{ID: "job-1", FileID: "f1", UserID: 9}))
	require.NoError(t, p.Process(ctx, Job{ID: "job-2", FileID: "f1", UserID: 9}))

	n, err := repository.NewChunkRepository(db).CountByFileID("f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type extractorFunc func(ctx context.Context) (string, error)

func (f extractorFunc) ExtractHTML(ctx context.Context, _ io.Reader, _, _ string) (string, error) {
	return f(ctx)
}

func TestProcess_FileRemovedDuringExtraction(t *testing.T) {
	p, db, events := newTestProcessor(t, twoPageDoc, fakeEmbedder{})
	files := repository.NewFileRepository(db)
	p.extractor = extractorFunc(func(context.Context) (string, error) {
		require.NoError(t, files.Delete("f1", 9))
		return twoPageDoc, nil
	})
	ctx := context.Background()

	err := p.Process(ctx, Job{ID: "job-1", FileID: "f1", UserID: 9})
	assert.ErrorIs(t, err, repository.ErrFileNotFound)

	n, err := repository.NewChunkRepository(db).CountByFileID("f1")
	require.NoError(t, err)
	assert.Zero(t, n)

	hits, err := repository.NewSQLVectorIndex(db, repository.NewEmbeddingRepository(db), 100).
		Nearest(ctx, repository.NearestQuery{UserID: 9, Vector: []float32{1, 1}, Limit: 30})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Empty(t, events.events)
}

func TestProcess_CanceledJobWritesNothing(t *testing.T) {
	p, db, events := newTestProcessor(t, twoPageDoc, fakeEmbedder{})
	ctx, cancel := context.WithCancel(context.Background())
	p.extractor = extractorFunc(func(context.Context) (string, error) {
		cancel()
		return twoPageDoc, nil
	})

	err := p.Process(ctx, Job{ID: "job-1", FileID: "f1", UserID: 9})
	assert.ErrorIs(t, err, context.Canceled)

	n, err := repository.NewChunkRepository(db).CountByFileID("f1")
	require.NoError(t, err)
	assert.Zero(t, n)

	file, err := repository.NewFileRepository(db).FindByID("f1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, file.ChunkingStatus)
	assert.Empty(t, events.events)
}
