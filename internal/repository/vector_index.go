package repository

import (
	"context"
	"fmt"
	"math"
	"sort"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/pkg/es"

	"github.com/elastic/go-elasticsearch/v8"
	"gorm.io/gorm"
)

// NearestQuery 描述一次近邻查询。FileIDs 为 nil 表示不按文件过滤，
// 非 nil 的空切片表示过滤集合为空，结果也为空。
type NearestQuery struct {
	UserID  uint
	Vector  []float32
	FileIDs []string
	Limit   int
}

// VectorIndex 按余弦相似度降序返回分块。尚无向量的分块相似度为 nil，排在最后。
type VectorIndex interface {
	Nearest(ctx context.Context, q NearestQuery) ([]model.ScoredChunk, error)
}

// CosineSimilarity 计算两个向量的余弦相似度，维度不同或存在零向量时返回 false。
func CosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// liveFileIDs 是用户仍存在的文件 ID 子查询，已删除文件遗留的分块不会被检索到。
func liveFileIDs(db *gorm.DB, userID uint) *gorm.DB {
	return db.Model(&model.File{}).Select("id").Where("user_id = ?", userID)
}

// sqlVectorIndex 在关系库中逐批扫描用户的分块并在内存中精确计算相似度。
type sqlVectorIndex struct {
	db         *gorm.DB
	embeddings EmbeddingRepository
	batch      int
}

// NewSQLVectorIndex 创建基于 MySQL 行扫描的精确检索实现。
func NewSQLVectorIndex(db *gorm.DB, embeddings EmbeddingRepository, scanBatch int) VectorIndex {
	if scanBatch <= 0 {
		scanBatch = 500
	}
	return &sqlVectorIndex{db: db, embeddings: embeddings, batch: scanBatch}
}

func (s *sqlVectorIndex) Nearest(ctx context.Context, q NearestQuery) ([]model.ScoredChunk, error) {
	if q.Limit <= 0 || (q.FileIDs != nil && len(q.FileIDs) == 0) {
		return []model.ScoredChunk{}, nil
	}

	var scored, unscored []model.ScoredChunk
	lastID := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var chunks []model.Chunk
		tx := s.db.WithContext(ctx).
			Where("user_id = ? AND id > ?", q.UserID, lastID).
			Where("file_id IN (?)", liveFileIDs(s.db, q.UserID))
		if q.FileIDs != nil {
			tx = tx.Where("file_id IN ?", q.FileIDs)
		}
		if err := tx.Order("id asc").Limit(s.batch).Find(&chunks).Error; err != nil {
			return nil, fmt.Errorf("scan chunks: %w", err)
		}
		if len(chunks) == 0 {
			break
		}
		lastID = chunks[len(chunks)-1].ID

		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		vectors, err := s.embeddings.FindByChunkIDs(ids)
		if err != nil {
			return nil, fmt.Errorf("load embeddings: %w", err)
		}

		for _, c := range chunks {
			e, ok := vectors[c.ID]
			if ok {
				if sim, valid := CosineSimilarity(e.Vector, q.Vector); valid {
					scored = append(scored, model.ScoredChunk{Chunk: c, Similarity: &sim})
					continue
				}
			}
			if len(unscored) < q.Limit {
				unscored = append(unscored, model.ScoredChunk{Chunk: c})
			}
		}
		scored = topK(scored, q.Limit)

		if len(chunks) < s.batch {
			break
		}
	}

	return mergeRanked(scored, unscored, q.Limit), nil
}

func topK(scored []model.ScoredChunk, k int) []model.ScoredChunk {
	sort.Slice(scored, func(i, j int) bool {
		return *scored[i].Similarity > *scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func mergeRanked(scored, unscored []model.ScoredChunk, limit int) []model.ScoredChunk {
	out := make([]model.ScoredChunk, 0, limit)
	out = append(out, topK(scored, limit)...)
	for _, u := range unscored {
		if len(out) >= limit {
			break
		}
		out = append(out, u)
	}
	return out
}

// esVectorIndex 通过 Elasticsearch kNN 检索，再从关系库加载分块行。
type esVectorIndex struct {
	db     *gorm.DB
	client *elasticsearch.Client
	index  string
}

// NewESVectorIndex 创建基于 Elasticsearch dense_vector 的近似检索实现。
func NewESVectorIndex(db *gorm.DB, client *elasticsearch.Client, indexName string) VectorIndex {
	return &esVectorIndex{db: db, client: client, index: indexName}
}

func (e *esVectorIndex) Nearest(ctx context.Context, q NearestQuery) ([]model.ScoredChunk, error) {
	if q.Limit <= 0 || (q.FileIDs != nil && len(q.FileIDs) == 0) {
		return []model.ScoredChunk{}, nil
	}

	hits, err := es.KNN(ctx, e.client, e.index, es.KNNQuery{
		UserID:  q.UserID,
		Vector:  q.Vector,
		FileIDs: q.FileIDs,
		K:       q.Limit,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	byID := make(map[string]model.Chunk, len(ids))
	if len(ids) > 0 {
		var chunks []model.Chunk
		err := e.db.WithContext(ctx).
			Where("id IN ? AND user_id = ?", ids, q.UserID).
			Where("file_id IN (?)", liveFileIDs(e.db, q.UserID)).
			Find(&chunks).Error
		if err != nil {
			return nil, fmt.Errorf("hydrate chunks: %w", err)
		}
		for _, c := range chunks {
			byID[c.ID] = c
		}
	}

	scored := make([]model.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			continue
		}
		sim := es.ScoreToCosine(h.Score)
		scored = append(scored, model.ScoredChunk{Chunk: c, Similarity: &sim})
	}

	var unscored []model.ScoredChunk
	if remaining := q.Limit - len(scored); remaining > 0 {
		var chunks []model.Chunk
		tx := e.db.WithContext(ctx).
			Where("user_id = ?", q.UserID).
			Where("file_id IN (?)", liveFileIDs(e.db, q.UserID)).
			Where("id NOT IN (?)", e.db.Model(&model.Embedding{}).Select("chunk_id"))
		if q.FileIDs != nil {
			tx = tx.Where("file_id IN ?", q.FileIDs)
		}
		if err := tx.Limit(remaining).Find(&chunks).Error; err != nil {
			return nil, fmt.Errorf("load unembedded chunks: %w", err)
		}
		for _, c := range chunks {
			unscored = append(unscored, model.ScoredChunk{Chunk: c})
		}
	}

	return mergeRanked(scored, unscored, q.Limit), nil
}
