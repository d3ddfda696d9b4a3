package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSec = config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: time.Hour}

func setupTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err)
	return c
}

// newGuardedRouter protects a single status route the way main.go guards
// the relationship group.
func newGuardedRouter(c cache.Cache) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(testSec, c))
	r.GET("/api/relationships", func(ctx *gin.Context) {
		ctx.Status(http.StatusOK)
	})
	return r
}

func serveGuarded(r *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/relationships", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	r := newGuardedRouter(setupTestCache(t))
	assert.Equal(t, http.StatusUnauthorized, serveGuarded(r, "").Code)
}

func TestAuthRejectsNonBearerScheme(t *testing.T) {
	r := newGuardedRouter(setupTestCache(t))
	assert.Equal(t, http.StatusUnauthorized, serveGuarded(r, "Token abc123").Code)
}

func TestAuthRejectsMalformedToken(t *testing.T) {
	r := newGuardedRouter(setupTestCache(t))
	assert.Equal(t, http.StatusUnauthorized, serveGuarded(r, "Bearer notavalidtoken").Code)
}

func TestAuthRejectsTokenWithoutSession(t *testing.T) {
	c := setupTestCache(t)
	r := newGuardedRouter(c)

	// Valid JWT, but logout (or expiry) removed the session from the cache.
	token, err := GenerateToken(42, testSec.JWTSecret, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, serveGuarded(r, "Bearer "+token).Code)
}

func TestAuthAcceptsLiveSession(t *testing.T) {
	c := setupTestCache(t)
	r := newGuardedRouter(c)

	token, err := GenerateToken(42, testSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "session:"+token, "42", time.Hour))

	assert.Equal(t, http.StatusOK, serveGuarded(r, "Bearer "+token).Code)
}

func TestAuthExposesAccountID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := setupTestCache(t)

	var gotAccountID int64
	r := gin.New()
	r.Use(Auth(testSec, c))
	r.GET("/api/relationships", func(ctx *gin.Context) {
		gotAccountID = GetAccountID(ctx)
		ctx.Status(http.StatusOK)
	})

	token, err := GenerateToken(7, testSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "session:"+token, "7", time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/api/relationships", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), gotAccountID)
}

func TestGetAccountIDOutsideAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, int64(0), GetAccountID(c))

	c.Set(AccountIDKey, int64(99))
	assert.Equal(t, int64(99), GetAccountID(c))
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(TraceID())
	r.Use(Recovery(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) {
		panic("handler blew up")
	})
	r.GET("/fine", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// A clean handler is untouched.
	req = httptest.NewRequest(http.MethodGet, "/fine", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoggerPassesResponsesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(TraceID())
	r.Use(Logger(zap.NewNop()))
	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/broken", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/broken", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
