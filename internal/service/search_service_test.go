package service

import (
	"context"
	"testing"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	queries []repository.NearestQuery
	result  []model.ScoredChunk
}

func (f *fakeIndex) Nearest(_ context.Context, q repository.NearestQuery) ([]model.ScoredChunk, error) {
	f.queries = append(f.queries, q)
	if q.FileIDs != nil && len(q.FileIDs) == 0 {
		return []model.ScoredChunk{}, nil
	}
	if len(f.result) > q.Limit {
		return f.result[:q.Limit], nil
	}
	return f.result, nil
}

type stubEmbedder struct{ vec []float32 }

func (s stubEmbedder) CreateEmbedding(context.Context, string) ([]float32, error) { return s.vec, nil }
func (s stubEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}
func (stubEmbedder) Model() string { return "stub" }

func sim(v float64) *float64 { return &v }

func TestSearchService_SemanticSearch(t *testing.T) {
	index := &fakeIndex{result: []model.ScoredChunk{
		{Chunk: model.Chunk{ID: "a", FileID: "f1", Index: 0, Type: model.ChunkTypeText, Text: "alpha"}, Similarity: sim(0.9)},
		{Chunk: model.Chunk{ID: "b", FileID: "f1", Index: 1, Type: model.ChunkTypeTable, Text: "t", Metadata: model.ChunkMetadata{TextAsHTML: "<table/>"}}, Similarity: sim(0.5)},
		{Chunk: model.Chunk{ID: "c", FileID: "f1", Index: 2, Type: model.ChunkTypeText, Text: "unembedded"}},
	}}
	svc := NewSearchService(index, nil, stubEmbedder{}, 0, 0)

	out, err := svc.SemanticSearch(context.Background(), 1, []float32{1, 0}, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 30, index.queries[0].Limit)
	assert.Nil(t, index.queries[0].FileIDs)
	assert.Equal(t, "a", out[0].ID)
	assert.InDelta(t, 0.9, *out[0].Similarity, 1e-9)
	assert.Equal(t, "t", out[1].Text)
	assert.Nil(t, out[2].Similarity)

	out, err = svc.SemanticSearch(context.Background(), 1, []float32{1, 0}, []string{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSearchService_SemanticSearchForChat(t *testing.T) {
	db := newTestDB(t)
	files := repository.NewFileRepository(db)
	require.NoError(t, files.Create(&model.File{ID: "f1", UserID: 1, Name: "report.pdf", Hash: "h", URL: "u"}))

	result := make([]model.ScoredChunk, 0, 8)
	result = append(result, model.ScoredChunk{
		Chunk:      model.Chunk{ID: "tbl", FileID: "f1", Index: 0, Type: model.ChunkTypeTable, Text: "t", Metadata: model.ChunkMetadata{TextAsHTML: "<table/>"}},
		Similarity: sim(0.99),
	})
	for i := 1; i < 8; i++ {
		result = append(result, model.ScoredChunk{
			Chunk:      model.Chunk{ID: string(rune('a' + i)), FileID: "f1", Index: i, Type: model.ChunkTypeText, Text: "x"},
			Similarity: sim(0.9 - float64(i)/100),
		})
	}
	index := &fakeIndex{result: result}
	svc := NewSearchService(index, files, stubEmbedder{}, 0, 0)

	out, err := svc.SemanticSearchForChat(context.Background(), 1, []float32{1}, []string{})
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Nil(t, index.queries[0].FileIDs)
	assert.Equal(t, 5, index.queries[0].Limit)
	assert.Equal(t, "report.pdf", out[0].FileName)
	assert.Equal(t, "t\n\ncontent in Table html is below:\n<table/>\n", out[0].Text)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, *out[i-1].Similarity, *out[i].Similarity)
	}
}

func TestSearchService_EmbedQuery(t *testing.T) {
	svc := NewSearchService(&fakeIndex{}, nil, stubEmbedder{vec: []float32{0.5, 0.5}}, 0, 0)

	vec, err := svc.EmbedQuery(context.Background(), "  what is in the report  ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)

	_, err = svc.EmbedQuery(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
