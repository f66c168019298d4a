package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loiht2/ml-platform-retrain/logger"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(cfg AuthConfig) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), RequestLogger(logger.Nop()), ActorAuthMiddleware(cfg, logger.Nop()))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, GetActor(c))
	})
	return r
}

func do(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBearerTokenSetsActor(t *testing.T) {
	r := newRouter(AuthConfig{JWTSecret: "k"})
	tok, err := SignToken("k", "alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)

	w := do(r, map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestBadTokensAreRejected(t *testing.T) {
	r := newRouter(AuthConfig{JWTSecret: "k", TrustedHeader: DefaultTrustedHeader})

	wrongKey, err := SignToken("other", "alice", jwt.RegisteredClaims{})
	require.NoError(t, err)
	expired, err := SignToken("k", "alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	require.NoError(t, err)
	noSubject, err := SignToken("k", "", jwt.RegisteredClaims{})
	require.NoError(t, err)

	for _, tok := range []string{wrongKey, expired, noSubject, "garbage"} {
		w := do(r, map[string]string{"Authorization": "Bearer " + tok, DefaultTrustedHeader: "bob"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
	}
}

func TestTrustedHeader(t *testing.T) {
	r := newRouter(AuthConfig{TrustedHeader: DefaultTrustedHeader, HeaderPrefix: "accounts:"})
	w := do(r, map[string]string{DefaultTrustedHeader: "accounts:bob@example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob@example.com", w.Body.String())
}

func TestMissingIdentity(t *testing.T) {
	r := newRouter(AuthConfig{JWTSecret: "k"})
	w := do(r, map[string]string{DefaultTrustedHeader: "bob"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newRouter(AuthConfig{TrustedHeader: DefaultTrustedHeader})
	w := do(r, map[string]string{DefaultTrustedHeader: "bob", RequestIDHeader: "abc-123"})
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"http://app.local"}, DefaultTrustedHeader))
	r.POST("/api/v1/jobs", func(c *gin.Context) { c.Status(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://app.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://app.local", w.Header().Get("Access-Control-Allow-Origin"))
}
