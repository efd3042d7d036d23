package service

import (
	"context"
	"fmt"
	"strings"

	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/embedding"
	"knowledge-ingest-go/pkg/log"
)

const (
	defaultSemanticLimit = 30
	defaultChatLimit     = 5
)

// SearchService 接口定义了基于向量相似度的分块检索。
type SearchService interface {
	SemanticSearch(ctx context.Context, userID uint, vector []float32, fileIDs []string) ([]model.SemanticSearchChunk, error)
	SemanticSearchForChat(ctx context.Context, userID uint, vector []float32, fileIDs []string) ([]model.ChatSearchChunk, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

type searchService struct {
	index     repository.VectorIndex
	files     repository.FileRepository
	embedder  embedding.Client
	limit     int
	chatLimit int
}

// NewSearchService 创建一个新的 SearchService 实例。limit 与 chatLimit 不大于 0 时使用 30 和 5。
func NewSearchService(index repository.VectorIndex, files repository.FileRepository, embedder embedding.Client, limit, chatLimit int) SearchService {
	if limit <= 0 {
		limit = defaultSemanticLimit
	}
	if chatLimit <= 0 {
		chatLimit = defaultChatLimit
	}
	return &searchService{
		index:     index,
		files:     files,
		embedder:  embedder,
		limit:     limit,
		chatLimit: chatLimit,
	}
}

// SemanticSearch 返回相似度最高的分块。fileIDs 为 nil 时不过滤，为空切片时结果为空。
// 没有向量的分块相似度为 nil，排在最后。
func (s *searchService) SemanticSearch(ctx context.Context, userID uint, vector []float32, fileIDs []string) ([]model.SemanticSearchChunk, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: embedding is required", ErrInvalidArgument)
	}
	scored, err := s.index.Nearest(ctx, repository.NearestQuery{
		UserID:  userID,
		Vector:  vector,
		FileIDs: fileIDs,
		Limit:   s.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	out := make([]model.SemanticSearchChunk, 0, len(scored))
	for _, sc := range scored {
		out = append(out, model.SemanticSearchChunk{
			ID:         sc.Chunk.ID,
			Index:      sc.Chunk.Index,
			Metadata:   sc.Chunk.Metadata,
			Type:       sc.Chunk.Type,
			Text:       sc.Chunk.Text,
			Similarity: sc.Similarity,
		})
	}
	log.Infof("[SearchService] 语义检索完成, userID: %d, 命中: %d", userID, len(out))
	return out, nil
}

// SemanticSearchForChat 为聊天上下文检索分块，附带文件名并重建表格文本。
// 空的 fileIDs 与 nil 等价，表示检索用户全部文件。
func (s *searchService) SemanticSearchForChat(ctx context.Context, userID uint, vector []float32, fileIDs []string) ([]model.ChatSearchChunk, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: embedding is required", ErrInvalidArgument)
	}
	if len(fileIDs) == 0 {
		fileIDs = nil
	}
	scored, err := s.index.Nearest(ctx, repository.NearestQuery{
		UserID:  userID,
		Vector:  vector,
		FileIDs: fileIDs,
		Limit:   s.chatLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	names, err := s.fileNames(scored)
	if err != nil {
		return nil, err
	}

	out := make([]model.ChatSearchChunk, 0, len(scored))
	for i := range scored {
		c := &scored[i].Chunk
		out = append(out, model.ChatSearchChunk{
			ID:         c.ID,
			Index:      c.Index,
			FileID:     c.FileID,
			FileName:   names[c.FileID],
			Similarity: scored[i].Similarity,
			Text:       model.ChunkText(c),
		})
	}
	return out, nil
}

// EmbedQuery 把查询文本转换为向量。
func (s *searchService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	vec, err := s.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}
	return vec, nil
}

func (s *searchService) fileNames(scored []model.ScoredChunk) (map[string]string, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, sc := range scored {
		if _, ok := seen[sc.Chunk.FileID]; ok {
			continue
		}
		seen[sc.Chunk.FileID] = struct{}{}
		ids = append(ids, sc.Chunk.FileID)
	}
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	files, err := s.files.FindByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("查询文件名失败: %w", err)
	}
	for _, f := range files {
		names[f.ID] = f.Name
	}
	return names, nil
}
