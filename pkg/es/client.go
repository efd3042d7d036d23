// Package es 提供了与 Elasticsearch 交互的客户端功能，用于分块向量的镜像索引与 kNN 检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// NewClient 创建 Elasticsearch 客户端并确保向量索引存在。
func NewClient(esCfg config.ElasticsearchConfig, dims int) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := CreateIndexIfNotExists(context.Background(), client, esCfg.IndexName, dims); err != nil {
		return nil, err
	}
	return client, nil
}

// CreateIndexIfNotExists 检查索引是否存在，如果不存在则按向量维度创建。
func CreateIndexIfNotExists(ctx context.Context, client *elasticsearch.Client, indexName string, dims int) error {
	res, err := client.Indices.Exists([]string{indexName}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("[ES] 索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"file_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"user_id": { "type": "long" },
				"model_version": { "type": "keyword" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)

	res, err = client.Indices.Create(
		indexName,
		client.Indices.Create.WithBody(strings.NewReader(mapping)),
		client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", indexName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}

	log.Infof("[ES] 索引 '%s' 创建成功", indexName)
	return nil
}

// IndexChunk 将单个分块向量写入索引，文档 ID 为分块 ID。
func IndexChunk(ctx context.Context, client *elasticsearch.Client, indexName string, doc model.EsChunkDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: doc.ChunkID,
		Body:       bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("[ES] 索引分块到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index chunk")
	}
	return nil
}

// Refresh 使最近写入的文档可被检索。
func Refresh(ctx context.Context, client *elasticsearch.Client, indexName string) error {
	res, err := client.Indices.Refresh(client.Indices.Refresh.WithIndex(indexName), client.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refresh index: %s", res.String())
	}
	return nil
}

// DeleteByFile 删除某个文件的全部分块向量。
func DeleteByFile(ctx context.Context, client *elasticsearch.Client, indexName, fileID string) error {
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"file_id": fileID}},
	})
	if err != nil {
		return err
	}
	res, err := client.DeleteByQuery(
		[]string{indexName},
		bytes.NewReader(body),
		client.DeleteByQuery.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete by query: %s", res.String())
	}
	return nil
}

// KNNQuery 描述一次近邻检索。FileIDs 为 nil 表示不按文件过滤。
type KNNQuery struct {
	UserID  uint
	Vector  []float32
	FileIDs []string
	K       int
}

// KNNHit 是一条命中结果，Score 为 Elasticsearch 的 cosine 评分 (1+cos)/2。
type KNNHit struct {
	ChunkID string
	Score   float64
}

type knnResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64 `json:"_score"`
			Source struct {
				ChunkID string `json:"chunk_id"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// KNN 执行 kNN 检索，结果按评分降序。
func KNN(ctx context.Context, client *elasticsearch.Client, indexName string, q KNNQuery) ([]KNNHit, error) {
	filters := []map[string]any{
		{"term": map[string]any{"user_id": q.UserID}},
	}
	if q.FileIDs != nil {
		filters = append(filters, map[string]any{"terms": map[string]any{"file_id": q.FileIDs}})
	}
	candidates := q.K * 10
	if candidates < 100 {
		candidates = 100
	}
	body := map[string]any{
		"knn": map[string]any{
			"field":          "vector",
			"query_vector":   q.Vector,
			"k":              q.K,
			"num_candidates": candidates,
			"filter":         map[string]any{"bool": map[string]any{"filter": filters}},
		},
		"size":    q.K,
		"_source": []string{"chunk_id"},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode knn query: %w", err)
	}

	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithIndex(indexName),
		client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("knn search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("knn search returned error: %s", res.String())
	}

	var parsed knnResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode knn response: %w", err)
	}
	hits := make([]KNNHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, KNNHit{ChunkID: h.Source.ChunkID, Score: h.Score})
	}
	return hits, nil
}

// ScoreToCosine 把 Elasticsearch cosine 评分换算回余弦相似度。
func ScoreToCosine(score float64) float64 {
	return 2*score - 1
}
