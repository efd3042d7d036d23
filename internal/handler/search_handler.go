package handler

import (
	"net/http"

	"knowledge-ingest-go/internal/middleware"
	"knowledge-ingest-go/internal/service"
	"knowledge-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了检索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchRequest 定义了检索请求。Embedding 为空时使用 Query 生成向量。
// FileIDs 缺省表示不过滤，传入空数组时通用检索结果为空。
type SearchRequest struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
	FileIDs   []string  `json:"fileIds"`
}

func (h *SearchHandler) vector(c *gin.Context, req *SearchRequest) ([]float32, bool) {
	if len(req.Embedding) > 0 {
		return req.Embedding, true
	}
	vec, err := h.searchService.EmbedQuery(c.Request.Context(), req.Query)
	if err != nil {
		respondErr(c, "EmbedQuery", err)
		return nil, false
	}
	return vec, true
}

// Semantic 返回与查询最相似的分块。
func (h *SearchHandler) Semantic(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	vec, ok := h.vector(c, &req)
	if !ok {
		return
	}

	results, err := h.searchService.SemanticSearch(c.Request.Context(), middleware.UserID(c), vec, req.FileIDs)
	if err != nil {
		respondErr(c, "SemanticSearch", err)
		return
	}
	log.Infof("[SearchHandler] 语义检索成功, query: '%s', 返回 %d 条结果", req.Query, len(results))
	respondOK(c, results)
}

// Chat 返回用于聊天上下文的分块，包含文件名与重建后的文本。
func (h *SearchHandler) Chat(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	vec, ok := h.vector(c, &req)
	if !ok {
		return
	}

	results, err := h.searchService.SemanticSearchForChat(c.Request.Context(), middleware.UserID(c), vec, req.FileIDs)
	if err != nil {
		respondErr(c, "SemanticSearchForChat", err)
		return
	}
	respondOK(c, results)
}
