// Package token 校验访问令牌并从中取出请求方的用户 ID。
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"knowledge-ingest-go/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 表示令牌缺失、签名错误、已过期或签发方不符。
var ErrInvalidToken = errors.New("invalid access token")

const clockSkew = 30 * time.Second

// Claims 只携带用户 ID，文件、分块与会话都按它限定范围。Subject 与 UserID 一致。
type Claims struct {
	UserID uint `json:"userId"`
	jwt.RegisteredClaims
}

// JWTManager 使用 HS256 共享密钥签发与校验令牌。
type JWTManager struct {
	key    []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

// NewJWTManager 根据配置创建 JWTManager。
func NewJWTManager(cfg config.JWTConfig) *JWTManager {
	return &JWTManager{
		key:    []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    time.Duration(cfg.AccessTokenExpireHours) * time.Hour,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// Issue 为用户签发访问令牌，主要用于种子导入与测试。
func (m *JWTManager) Issue(userID uint) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

// Verify 校验令牌并返回其中的声明。
func (m *JWTManager) Verify(raw string) (*Claims, error) {
	var claims Claims
	if _, err := m.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == 0 || claims.Subject != strconv.FormatUint(uint64(claims.UserID), 10) {
		return nil, fmt.Errorf("%w: subject does not match user", ErrInvalidToken)
	}
	return &claims, nil
}
