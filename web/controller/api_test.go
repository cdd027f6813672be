package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/web/entity"
	"github.com/xuibot/vpn-grant-bot/web/service"

	"github.com/gin-gonic/gin"
)

type stubReach struct {
	ok  bool
	msg string
}

func (s stubReach) CheckReachability(context.Context) (bool, string) { return s.ok, s.msg }

type stubStats struct{ snap service.Snapshot }

func (s stubStats) Snapshot(context.Context) service.Snapshot { return s.snap }

type stubGrants struct {
	grants []*model.Grant
	err    error
}

func (s stubGrants) ListAll() ([]*model.Grant, error) { return s.grants, s.err }

func newEngine(apiKey string, reach Reachability, grants GrantLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewAPIController(&engine.RouterGroup, apiKey, reach, stubStats{snap: service.Snapshot{CpuPercent: 7, InboundCount: 3}}, grants)
	return engine
}

func do(t *testing.T, engine *gin.Engine, path string, header map[string]string) (*httptest.ResponseRecorder, entity.Msg) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var msg entity.Msg
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	}
	return w, msg
}

func TestHealth(t *testing.T) {
	w, msg := do(t, newEngine("", stubReach{ok: true, msg: "panel reachable, 2 inbounds"}, stubGrants{}), "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, msg.Success)
	assert.Equal(t, "panel reachable, 2 inbounds", msg.Msg)

	w, msg = do(t, newEngine("", stubReach{msg: "login failed"}, stubGrants{}), "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, msg.Success)
}

func TestStats(t *testing.T) {
	w, msg := do(t, newEngine("", stubReach{ok: true}, stubGrants{}), "/api/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, msg.Success)
	obj, ok := msg.Obj.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, obj["cpuPercent"])
	assert.EqualValues(t, 3, obj["inboundCount"])
}

func TestGrantsRequireKey(t *testing.T) {
	expiry := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	grants := stubGrants{grants: []*model.Grant{
		{PrincipalId: 9, Username: "bob", ClientIdentity: "secret-uuid", Port: 21000, ExpiryDate: expiry, Active: true},
	}}

	tests := []struct {
		name   string
		apiKey string
		header map[string]string
		code   int
	}{
		{"no key configured", "", map[string]string{"X-Api-Key": "k"}, http.StatusNotFound},
		{"missing header", "k", nil, http.StatusNotFound},
		{"wrong key", "k", map[string]string{"X-Api-Key": "nope"}, http.StatusNotFound},
		{"valid key", "k", map[string]string{"X-Api-Key": "k"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, newEngine(tt.apiKey, stubReach{ok: true}, grants), "/api/grants", tt.header)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"principalId":9`)
				assert.NotContains(t, w.Body.String(), "secret-uuid")
			}
		})
	}
}

func TestGrantsListError(t *testing.T) {
	w, msg := do(t, newEngine("k", stubReach{ok: true}, stubGrants{err: errors.New("db closed")}), "/api/grants", map[string]string{"X-Api-Key": "k"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, msg.Success)
	assert.Contains(t, msg.Msg, "db closed")
}

func TestGetRemoteIp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getRemoteIp(c))

	c.Request.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", getRemoteIp(c))
}

func TestLogs(t *testing.T) {
	logger.Warning("status api test line")
	engine := newEngine("k", stubReach{ok: true}, stubGrants{})

	w, msg := do(t, engine, "/api/logs?count=5&level=WARNING", map[string]string{"X-Api-Key": "k"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, msg.Success)
	assert.Contains(t, w.Body.String(), "status api test line")

	w, _ = do(t, engine, "/api/logs?count=zero", map[string]string{"X-Api-Key": "k"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, engine, "/api/logs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
