package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/abuse"
	"github.com/dialogd/dialogd/internal/cache"
	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/conversation"
	"github.com/dialogd/dialogd/internal/dialogue"
	"github.com/dialogd/dialogd/internal/intent"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/platform/logger"
	"github.com/dialogd/dialogd/internal/quota"
	msgrouter "github.com/dialogd/dialogd/internal/router"
	"github.com/dialogd/dialogd/internal/store/sqlite"
	"github.com/dialogd/dialogd/internal/weather"
)

type stubGen struct{}

func (stubGen) GenerateReply(context.Context, string, []model.ChatMessage, string) (string, int, error) {
	return "收到。", 20, nil
}

type stubWeather struct{}

func (stubWeather) LookupWeather(context.Context, string) (*weather.Data, error) {
	return &weather.Data{City: "北京", Condition: "晴", TempC: 25, FeelsC: 26, Humidity: 40, Wind: "3级"}, nil
}

func newServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.NewForTesting()
	log := logger.New("test")
	m := conversation.NewManager(s, cache.Noop{}, cfg, log)
	l := quota.NewLedger(s, cfg, log)
	g := abuse.NewGuard(s, cfg, log)
	ic, err := intent.NewClassifier(intent.DefaultRules(), nil, log)
	require.NoError(t, err)
	graph := dialogue.NewGraph(m, ic, stubGen{}, stubWeather{}, g, cfg, log)
	rt := msgrouter.New(g, l, m, graph, cfg, log)

	deps := Deps{Store: s, Manager: m, Guard: g, Ledger: l, Router: rt, Log: log}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestMessageEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages", map[string]any{
		"userId": "alice", "senderName": "Alice", "text": "今天天气怎么样 北京",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[model.Reply](t, resp)
	assert.Equal(t, model.OutcomeOK, reply.Outcome)
	assert.Contains(t, reply.Text, "📍 北京天气")

	// Missing user id is a client error.
	resp = postJSON(t, srv.URL+"/v1/messages", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestContextEndpoints(t *testing.T) {
	srv, deps := newServer(t)
	ctx := context.Background()

	c, err := deps.Manager.CreateContext(ctx, model.KindGroup, "g", "alice", []string{"alice"})
	require.NoError(t, err)
	_, err = deps.Manager.AddMessage(ctx, c.ID, model.ChatMessage{
		ID: model.NewMessageID(), SenderID: "alice", Role: model.RoleUser, Text: "hi",
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/contexts/" + c.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.Context](t, resp)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, model.StatusActive, got.Status)

	// Pause, resume, terminate.
	resp = postJSON(t, srv.URL+"/v1/contexts/"+c.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusPaused, decode[model.Context](t, resp).Status)

	resp = postJSON(t, srv.URL+"/v1/contexts/"+c.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusActive, decode[model.Context](t, resp).Status)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/contexts/"+c.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/contexts/" + c.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdminBanFlow(t *testing.T) {
	srv, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/admin/bans", map[string]any{
		"userId": "mallory", "reason": "manual", "durationSeconds": 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[model.BanRecord](t, resp)
	assert.Equal(t, "mallory", rec.UserID)
	assert.True(t, rec.Active)

	// The banned user's messages short-circuit.
	resp = postJSON(t, srv.URL+"/v1/messages", map[string]any{"userId": "mallory", "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[model.Reply](t, resp)
	assert.Equal(t, model.OutcomeBanned, reply.Outcome)

	resp, err := http.Get(srv.URL + "/v1/admin/bans/mallory")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[map[string][]model.BanRecord](t, resp)
	assert.Len(t, history["bans"], 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/admin/bans/mallory", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/messages", map[string]any{"userId": "mallory", "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply = decode[model.Reply](t, resp)
	assert.Equal(t, model.OutcomeOK, reply.Outcome)
}

func TestAdminQuotaFlow(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/admin/quotas/alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decode[model.TokenQuota](t, resp)
	assert.Equal(t, 50000, q.TotalQuota)

	resp = postJSON(t, srv.URL+"/v1/admin/quotas/alice/grant", map[string]any{"amount": 1000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q = decode[model.TokenQuota](t, resp)
	assert.Equal(t, 51000, q.TotalQuota)

	resp = postJSON(t, srv.URL+"/v1/admin/quotas/alice/grant", map[string]any{"amount": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/admin/quotas/alice/reset-daily", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/admin/quotas/alice/reset", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/health/db")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
