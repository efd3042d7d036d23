package pipeline

import (
	"context"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/pkg/es"

	"github.com/elastic/go-elasticsearch/v8"
)

// VectorMirror 把分块向量同步到外部检索引擎。
type VectorMirror interface {
	DeleteFile(ctx context.Context, fileID string) error
	Index(ctx context.Context, chunks []*model.Chunk, vectors []*model.Embedding) error
}

type esMirror struct {
	client *elasticsearch.Client
	index  string
}

// NewESMirror 创建写入 Elasticsearch 的向量镜像。
func NewESMirror(client *elasticsearch.Client, indexName string) VectorMirror {
	return &esMirror{client: client, index: indexName}
}

func (m *esMirror) DeleteFile(ctx context.Context, fileID string) error {
	return es.DeleteByFile(ctx, m.client, m.index, fileID)
}

func (m *esMirror) Index(ctx context.Context, chunks []*model.Chunk, vectors []*model.Embedding) error {
	for i, c := range chunks {
		doc := model.EsChunkDocument{
			ChunkID:    c.ID,
			FileID:     c.FileID,
			ChunkIndex: c.Index,
			UserID:     c.UserID,
			Vector:     vectors[i].Vector,
			Model:      vectors[i].Model,
		}
		if err := es.IndexChunk(ctx, m.client, m.index, doc); err != nil {
			return err
		}
	}
	return es.Refresh(ctx, m.client, m.index)
}

type nopMirror struct{}

func (nopMirror) DeleteFile(context.Context, string) error { return nil }
func (nopMirror) Index(context.Context, []*model.Chunk, []*model.Embedding) error {
	return nil
}
