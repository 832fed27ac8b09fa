package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "jwt-secret-for-tests-only"

func TestExtractAccessToken(t *testing.T) {
	t.Run("Cookie Preferred", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: "cookie_token"})
		req.Header.Set("Authorization", "Bearer header_token")

		assert.Equal(t, "cookie_token", ExtractAccessToken(req))
	})

	t.Run("Header Fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer header_token")

		assert.Equal(t, "header_token", ExtractAccessToken(req))
	})

	t.Run("Empty Cookie Falls Back to Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: ""})
		req.Header.Set("Authorization", "Bearer header_token")

		assert.Equal(t, "header_token", ExtractAccessToken(req))
	})

	t.Run("No Token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.Empty(t, ExtractAccessToken(req))
	})

	t.Run("Malformed Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic user:pass")
		assert.Empty(t, ExtractAccessToken(req))
	})
}

func TestGenerateAndParseJWT(t *testing.T) {
	tokenStr, err := GenerateJWT(testSecret, 7, "ADMIN", "admin@banyco.test")
	require.NoError(t, err)
	require.NotEmpty(t, tokenStr)

	t.Run("Success", func(t *testing.T) {
		claims, err := ParseJWT(testSecret, tokenStr)
		require.NoError(t, err)
		assert.Equal(t, int64(7), claims.UserID)
		assert.Equal(t, "ADMIN", claims.Role)
		assert.Equal(t, "admin@banyco.test", claims.Email)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		_, err := ParseJWT("another-secret-0123456789", tokenStr)
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := ParseJWT(testSecret, "not-a-token")
		assert.Error(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
			UserID: 7,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})
		s, err := expired.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = ParseJWT(testSecret, s)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("NoneAlgorithmRejected", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{UserID: 7})
		s, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = ParseJWT(testSecret, s)
		assert.Error(t, err)
	})
}

func TestJWT_NoSecret(t *testing.T) {
	_, err := GenerateJWT("", 1, "USER", "u@banyco.test")
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = ParseJWT("", "x")
	assert.ErrorIs(t, err, ErrMissingSecret)
}
