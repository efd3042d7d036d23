package token

import (
	"testing"
	"time"

	"knowledge-ingest-go/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(secret string, hours int) config.JWTConfig {
	return config.JWTConfig{Secret: secret, Issuer: "knowledge-ingest", AccessTokenExpireHours: hours}
}

func TestIssueAndVerify(t *testing.T) {
	m := NewJWTManager(testConfig("secret", 1))
	tok, err := m.Issue(42)
	require.NoError(t, err)

	claims, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "42", claims.Subject)
}

func TestVerify_Rejects(t *testing.T) {
	good := NewJWTManager(testConfig("a", 1))

	otherSecret, err := NewJWTManager(testConfig("b", 1)).Issue(1)
	require.NoError(t, err)
	_, err = good.Verify(otherSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := testConfig("a", 1)
	foreign.Issuer = "someone-else"
	otherIssuer, err := NewJWTManager(foreign).Issue(1)
	require.NoError(t, err)
	_, err = good.Verify(otherIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = good.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_ExpiredBeyondSkew(t *testing.T) {
	m := NewJWTManager(testConfig("a", 1))
	past := time.Now().Add(-time.Hour)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "knowledge-ingest",
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString([]byte("a"))
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_SubjectMustMatchUser(t *testing.T) {
	m := NewJWTManager(testConfig("a", 1))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "knowledge-ingest",
			Subject:   "2",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("a"))
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
