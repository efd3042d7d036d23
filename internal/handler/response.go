// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"knowledge-ingest-go/internal/pipeline"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/internal/service"
	"knowledge-ingest-go/internal/tracker"
	"knowledge-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message})
}

// respondErr 把业务错误映射为 HTTP 状态码。
func respondErr(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] %s 失败: %v", op, err)
	}
	respondError(c, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrFileNotFound),
		errors.Is(err, repository.ErrChunkNotFound),
		errors.Is(err, tracker.ErrItemNotFound),
		errors.Is(err, tracker.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrDuplicateItem),
		errors.Is(err, tracker.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrUploadFailed),
		errors.Is(err, pipeline.ErrJobStartFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrHashCheckFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
