package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kizunalab/kizuna-server/api/rest"
	"github.com/kizunalab/kizuna-server/api/sse"
	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/config"
	"github.com/kizunalab/kizuna-server/journey"
	"github.com/kizunalab/kizuna-server/metrics"
	mw "github.com/kizunalab/kizuna-server/middleware"
	"github.com/kizunalab/kizuna-server/notify"
	"github.com/kizunalab/kizuna-server/scheduler"
	"github.com/kizunalab/kizuna-server/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const AdminKey = "integration-admin-key"

// TestServer wraps a real HTTP server with the full journey stack wired
// together, mirroring the dependency wiring in main.go.
type TestServer struct {
	DB        *gorm.DB
	Cache     cache.Cache
	PubSub    cache.PubSub
	Engine    *journey.Engine
	Publisher *notify.Publisher
	Server    *httptest.Server
	URL       string
	Sec       config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// coolingOff controls the withdrawal window so lapse behavior is testable.
func NewTestServer(t *testing.T, coolingOff time.Duration) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
	}

	source := metrics.NewCachedSource(metrics.NewDBSource(db), c, logger)
	publisher := notify.NewPublisher(pubsub, c, logger)
	engine := journey.NewEngine(db, journey.DefaultDefs(nil), source, c, publisher, coolingOff, logger)
	features := journey.DefaultFeatureResolver()

	watcher := notify.NewWatcher(pubsub, engine, logger)
	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(watcher.Stop)

	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	authH := apirest.NewAuthHandler(db, c, sec)
	relH := apirest.NewRelationshipHandler(db, engine, features, publisher, nil, logger)
	actH := apirest.NewActivityHandler(db, publisher, logger)
	rankH := apirest.NewRankingHandler(db, c, logger)
	adminH := apirest.NewAdminHandler(db, engine, sched, logger)

	api := r.Group("/api")
	{
		api.POST("/auth/login", authH.Login)

		relG := api.Group("/relationships")
		relG.Use(mw.Auth(sec, c))
		relG.GET("", relH.List)
		relG.GET("/:id/status", relH.Status)
		relG.GET("/:id/features", relH.Features)
		relG.GET("/:id/events", relH.Events)
		relG.POST("/:id/requirements/:key/signoff", relH.SignOff)
		relG.POST("/:id/withdrawal", relH.Withdraw)
		relG.POST("/:id/end", relH.End)

		api.GET("/ranking/days", rankH.TopDays)

		svcG := api.Group("/service")
		svcG.Use(apirest.AdminAuth(AdminKey))
		svcG.POST("/relationships/:id/activities", actH.Record)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(AdminKey))
		adminG.POST("/relationships", adminH.CreateRelationship)
		adminG.GET("/metrics", adminH.Metrics)
	}

	sseH := sse.NewHandler(db, pubsub, publisher, c, sec, logger)
	r.GET("/sse", sseH.ServeSSE)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &TestServer{
		DB:        db,
		Cache:     c,
		PubSub:    pubsub,
		Engine:    engine,
		Publisher: publisher,
		Server:    srv,
		URL:       srv.URL,
		Sec:       sec,
	}
}

// Client is a thin stateful HTTP client bound to one account's token.
type Client struct {
	t     *testing.T
	base  string
	Token string
	ID    int64
}

// Login registers (or logs in) an account and returns a bound client.
func (ts *TestServer) Login(t *testing.T, username, password, role string) *Client {
	t.Helper()
	cl := &Client{t: t, base: ts.URL}
	status, body := cl.Post("/api/auth/login", map[string]string{
		"username": username,
		"password": password,
		"role":     role,
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	cl.Token = resp.Token
	cl.ID = resp.AccountID
	return cl
}

// ServiceClient returns a client that authenticates with the shared service
// key instead of a bearer token.
func (ts *TestServer) ServiceClient(t *testing.T) *Client {
	return &Client{t: t, base: ts.URL}
}

func (c *Client) request(method, path string, payload interface{}, headers map[string]string) (int, []byte) {
	c.t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

// Get performs an authenticated GET.
func (c *Client) Get(path string) (int, []byte) {
	return c.request(http.MethodGet, path, nil, nil)
}

// Post performs an authenticated POST with a JSON body.
func (c *Client) Post(path string, payload interface{}) (int, []byte) {
	return c.request(http.MethodPost, path, payload, nil)
}

// PostService posts with the shared service key header.
func (c *Client) PostService(path string, payload interface{}) (int, []byte) {
	return c.request(http.MethodPost, path, payload, map[string]string{"X-Admin-Key": AdminKey})
}

// RecordDays posts n distinct chat days for a relationship.
func (c *Client) RecordDays(relID int64, n int) {
	c.t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		status, body := c.PostService(
			fmt.Sprintf("/api/service/relationships/%d/activities", relID),
			map[string]string{"kind": "chat_day", "day": base.AddDate(0, 0, i).Format("2006-01-02")})
		require.Equal(c.t, http.StatusCreated, status, string(body))
	}
}
