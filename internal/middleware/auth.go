// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"knowledge-ingest-go/pkg/token"

	"github.com/gin-gonic/gin"
)

const (
	// ContextClaimsKey 是 claims 在 gin.Context 中的键。
	ContextClaimsKey = "claims"
	// ContextUserIDKey 是请求方用户 ID 在 gin.Context 中的键。
	ContextUserIDKey = "userID"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// token 从 Authorization 头读取；浏览器无法为 WebSocket 设置请求头，因此也接受 ?token= 查询参数。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含有效的授权信息"})
			return
		}

		claims, err := jwtManager.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token"})
			return
		}

		c.Set(ContextClaimsKey, claims)
		c.Set(ContextUserIDKey, claims.UserID)
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, bool) {
	const bearerPrefix = "Bearer "
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", false
		}
		return strings.TrimPrefix(authHeader, bearerPrefix), true
	}
	if q := c.Query("token"); q != "" {
		return q, true
	}
	return "", false
}

// UserID 返回 AuthMiddleware 写入的用户 ID。
func UserID(c *gin.Context) uint {
	return c.GetUint(ContextUserIDKey)
}
