package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func adminGet(allowed []string, ip string) int {
	r := gin.New()
	r.Use(IPWhitelist(allowed))
	r.GET("/api/admin/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/admin/metrics", nil)
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	} else {
		req.RemoteAddr = "1.2.3.4:1234"
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestIPWhitelistEmptyAllowsEveryone(t *testing.T) {
	assert.Equal(t, http.StatusOK, adminGet(nil, ""))
}

func TestIPWhitelistFiltersClients(t *testing.T) {
	allowed := []string{"10.0.0.1", "10.0.0.2"}

	assert.Equal(t, http.StatusOK, adminGet(allowed, "10.0.0.1"))
	assert.Equal(t, http.StatusOK, adminGet(allowed, "10.0.0.2"))
	assert.Equal(t, http.StatusForbidden, adminGet(allowed, "10.0.0.3"))
	assert.Equal(t, http.StatusForbidden, adminGet(allowed, "203.0.113.9"))
}
