package rest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/api/rest"
	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/config"
	"github.com/kizunalab/kizuna-server/journey"
	"github.com/kizunalab/kizuna-server/metrics"
	mw "github.com/kizunalab/kizuna-server/middleware"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/notify"
	"github.com/kizunalab/kizuna-server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testServiceKey = "test-service-key"

type journeyEnv struct {
	r      *gin.Engine
	db     *gorm.DB
	cache  cache.Cache
	engine *journey.Engine

	younger, elder       int64
	youngerTok, elderTok string
	relID                int64
}

// newJourneyEnv wires the full HTTP surface against an in-memory DB, registers
// a younger and an elder account and creates one relationship between them.
func newJourneyEnv(t *testing.T, coolingOff time.Duration) *journeyEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	logger := zap.NewNop()

	source := metrics.NewCachedSource(metrics.NewDBSource(db), c, logger)
	publisher := notify.NewPublisher(ps, c, logger)
	engine := journey.NewEngine(db, journey.DefaultDefs(nil), source, c, publisher, coolingOff, logger)
	features := journey.DefaultFeatureResolver()

	authH := rest.NewAuthHandler(db, c, sec)
	relH := rest.NewRelationshipHandler(db, engine, features, publisher, nil, logger)
	actH := rest.NewActivityHandler(db, publisher, logger)

	r := gin.New()
	r.POST("/api/auth/login", authH.Login)

	relG := r.Group("/api/relationships")
	relG.Use(mw.Auth(sec, c))
	relG.GET("", relH.List)
	relG.GET("/:id/status", relH.Status)
	relG.GET("/:id/features", relH.Features)
	relG.GET("/:id/events", relH.Events)
	relG.POST("/:id/requirements/:key/signoff", relH.SignOff)
	relG.POST("/:id/withdrawal", relH.Withdraw)
	relG.POST("/:id/end", relH.End)

	svcG := r.Group("/api/service")
	svcG.Use(rest.AdminAuth(testServiceKey))
	svcG.POST("/relationships/:id/activities", actH.Record)

	env := &journeyEnv{r: r, db: db, cache: c, engine: engine}
	env.younger, env.youngerTok = env.register(t, "hana", "younger")
	env.elder, env.elderTok = env.register(t, "tanaka_san", "elder")

	rel, err := engine.CreateRelationship(context.Background(), env.younger, env.elder)
	require.NoError(t, err)
	env.relID = rel.ID
	return env
}

func (env *journeyEnv) register(t *testing.T, username, role string) (int64, string) {
	t.Helper()
	w := postJSON(env.r, "/api/auth/login", map[string]string{
		"username": username,
		"password": "pass1234",
		"role":     role,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.AccountID, resp.Token
}

func (env *journeyEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var w *httptest.ResponseRecorder
	headers := []string{}
	if token != "" {
		headers = append(headers, "Authorization", "Bearer "+token)
	}
	if method == http.MethodGet {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		w = httptest.NewRecorder()
		env.r.ServeHTTP(w, req)
		return w
	}
	return postJSON(env.r, path, body, headers...)
}

func (env *journeyEnv) recordActivity(t *testing.T, kind, day string) {
	t.Helper()
	w := postJSON(env.r, fmt.Sprintf("/api/service/relationships/%d/activities", env.relID),
		map[string]string{"kind": kind, "day": day},
		"X-Admin-Key", testServiceKey)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStatusInitialChecklist(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	w := env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/status", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "getting_to_know", resp["stage"])
	assert.EqualValues(t, 0, resp["progress"])
	assert.Len(t, resp["requirements"], 2)
}

func TestStatusRequiresMembership(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)
	_, strangerTok := env.register(t, "stranger", "younger")

	w := env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/status", env.relID), strangerTok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodGet, "/api/relationships/9999/status", env.youngerTok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/status", env.relID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListRelationships(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	w := env.do(http.MethodGet, "/api/relationships", env.elderTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Len(t, resp["relationships"], 1)
}

func TestSignOffOverHTTP(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)
	path := fmt.Sprintf("/api/relationships/%d/requirements/gtk_met_in_person/signoff", env.relID)

	w := env.do(http.MethodPost, path, env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "waiting_for_partner", decode(t, w)["signing_status"])

	w = env.do(http.MethodPost, path, env.elderTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["signing_status"])

	w = env.do(http.MethodPost, path, env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_completed", decode(t, w)["signing_status"])
}

func TestSignOffValidationErrors(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	// Automatic requirements cannot be signed.
	w := env.do(http.MethodPost,
		fmt.Sprintf("/api/relationships/%d/requirements/gtk_active_days/signoff", env.relID),
		env.youngerTok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown key.
	w = env.do(http.MethodPost,
		fmt.Sprintf("/api/relationships/%d/requirements/nope/signoff", env.relID),
		env.youngerTok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActivityIngestAndProgress(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	// Service key required.
	w := postJSON(env.r, fmt.Sprintf("/api/service/relationships/%d/activities", env.relID),
		map[string]string{"kind": "chat_day", "day": "2026-04-01"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for i := 1; i <= 7; i++ {
		env.recordActivity(t, "chat_day", fmt.Sprintf("2026-04-%02d", i))
	}

	// Same-day chat is deduplicated, not an error.
	w = postJSON(env.r, fmt.Sprintf("/api/service/relationships/%d/activities", env.relID),
		map[string]string{"kind": "chat_day", "day": "2026-04-01"},
		"X-Admin-Key", testServiceKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["recorded"])

	w = env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/status", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.EqualValues(t, 50, resp["progress"])
}

func TestActivityIngestRejectsBadInput(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	w := postJSON(env.r, fmt.Sprintf("/api/service/relationships/%d/activities", env.relID),
		map[string]string{"kind": "teleport", "day": "2026-04-01"},
		"X-Admin-Key", testServiceKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(env.r, fmt.Sprintf("/api/service/relationships/%d/activities", env.relID),
		map[string]string{"kind": "call", "day": "April 1"},
		"X-Admin-Key", testServiceKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWithdrawalAndEndOverHTTP(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	w := env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/withdrawal", env.relID),
		env.youngerTok, map[string]string{"reason": "need space"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	require.NotNil(t, resp["cooling_off"])

	// A second withdrawal while frozen is a client error.
	w = env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/withdrawal", env.relID),
		env.elderTok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Only the requester may end.
	w = env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/end", env.relID), env.elderTok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/end", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rel model.Relationship
	require.NoError(t, env.db.First(&rel, env.relID).Error)
	assert.Equal(t, model.RelationshipEnded, rel.Status)
}

func TestFeaturesEndpoint(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	w := env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/features", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Contains(t, resp["features"], "text_chat")
	assert.Contains(t, resp["features"], "advisor_chat")

	// Frozen: advisor chat only.
	w = env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/withdrawal", env.relID),
		env.youngerTok, map[string]string{})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/features", env.relID), env.elderTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, []interface{}{"advisor_chat"}, resp["features"])

	// Ended: nothing.
	w = env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/end", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/features", env.relID), env.elderTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Empty(t, resp["features"])
}

func TestStatusAndFeaturesReportSameSet(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	statusPath := fmt.Sprintf("/api/relationships/%d/status", env.relID)
	featuresPath := fmt.Sprintf("/api/relationships/%d/features", env.relID)

	check := func() {
		t.Helper()
		ws := env.do(http.MethodGet, statusPath, env.elderTok, nil)
		require.Equal(t, http.StatusOK, ws.Code)
		wf := env.do(http.MethodGet, featuresPath, env.elderTok, nil)
		require.Equal(t, http.StatusOK, wf.Code)
		assert.Equal(t, decode(t, wf)["features"], decode(t, ws)["features"])
	}

	check()

	w := env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/withdrawal", env.relID),
		env.youngerTok, map[string]string{})
	require.Equal(t, http.StatusOK, w.Code)
	check()

	w = env.do(http.MethodPost, fmt.Sprintf("/api/relationships/%d/end", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	check()

	// Terminal state exposes nothing on either surface.
	ws := env.do(http.MethodGet, statusPath, env.elderTok, nil)
	require.Equal(t, http.StatusOK, ws.Code)
	assert.Empty(t, decode(t, ws)["features"])
}

func TestEventsEndpoint(t *testing.T) {
	env := newJourneyEnv(t, time.Hour)

	path := fmt.Sprintf("/api/relationships/%d/requirements/gtk_met_in_person/signoff", env.relID)
	env.do(http.MethodPost, path, env.youngerTok, nil)
	env.do(http.MethodPost, path, env.elderTok, nil)

	w := env.do(http.MethodGet, fmt.Sprintf("/api/relationships/%d/events", env.relID), env.youngerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []model.RelationshipEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, model.EventRequirementCompleted, resp.Events[0].Type)
}
