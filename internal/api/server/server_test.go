package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/smartmail-orchestrator/internal/alerting"
	"github.com/xela07ax/smartmail-orchestrator/internal/api/handler"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/infra"
	"github.com/xela07ax/smartmail-orchestrator/internal/infra/auth"
	"github.com/xela07ax/smartmail-orchestrator/internal/pipeline"
	"go.uber.org/zap/zaptest"
)

type fakeDashboard struct {
	snap      domain.DashboardSnapshot
	lastLimit int
	lastHours int
}

func (f *fakeDashboard) Snapshot() domain.DashboardSnapshot { return f.snap }
func (f *fakeDashboard) ServiceStatus() []domain.ServiceSnapshot {
	return []domain.ServiceSnapshot{}
}
func (f *fakeDashboard) HandshakeHistory(limit int) []domain.Handshake {
	f.lastLimit = limit
	return []domain.Handshake{}
}
func (f *fakeDashboard) EmailMetrics() domain.EmailMetrics { return f.snap.Email }
func (f *fakeDashboard) Performance(hours int) domain.PerformanceReport {
	f.lastHours = hours
	return domain.PerformanceReport{}
}

type fakeQueue struct {
	mu  sync.Mutex
	got []domain.Email
	err error
}

func (f *fakeQueue) Submit(e domain.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, e)
	return nil
}

type fixture struct {
	srv    *Server
	dash   *fakeDashboard
	queue  *fakeQueue
	engine *alerting.Engine
}

func newFixture(t *testing.T, cfg infra.ServerConfig, v auth.TokenValidator) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dash := &fakeDashboard{snap: domain.DashboardSnapshot{Email: domain.EmailMetrics{Received: 3}}}
	q := &fakeQueue{}
	eng := alerting.NewEngine(alerting.Config{}, dash, logger)

	srv := NewServer(cfg, Deps{
		Dashboard: handler.NewDashboardHandler(dash),
		Alerts:    handler.NewAlertHandler(eng),
		Pipeline:  handler.NewPipelineHandler(q, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Validator: v,
	}, logger)
	return &fixture{srv: srv, dash: dash, queue: q, engine: eng}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, infra.ServerConfig{}, nil)

	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))

	rec = f.do(http.MethodGet, "/metrics", "", TraceHeader, "trace-1")
	assert.Equal(t, "# metrics", rec.Body.String())
	assert.Equal(t, "trace-1", rec.Header().Get(TraceHeader))
}

func TestDashboardRoutes(t *testing.T) {
	f := newFixture(t, infra.ServerConfig{}, nil)

	rec := f.do(http.MethodGet, "/api/v1/dashboard/emails", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var em domain.EmailMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &em))
	assert.Equal(t, int64(3), em.Received)

	rec = f.do(http.MethodGet, "/api/v1/dashboard/handshakes?limit=7", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, f.dash.lastLimit)

	rec = f.do(http.MethodGet, "/api/v1/dashboard/handshakes?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/dashboard/performance", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.dash.lastHours)

	for _, p := range []string{"metrics", "services"} {
		rec = f.do(http.MethodGet, "/api/v1/dashboard/"+p, "")
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}
}

func TestAlertRuleLifecycle(t *testing.T) {
	f := newFixture(t, infra.ServerConfig{}, nil)

	body := `{"id":"cpu-high","component":"system","condition":{"metric":"cpu.usage","operator":"gt","threshold":80},"severity":"critical","enabled":true}`
	rec := f.do(http.MethodPost, "/api/v1/alerts/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/v1/alerts/rules", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate id")

	rec = f.do(http.MethodPost, "/api/v1/alerts/rules", `{"component":"system","condition":{"metric":"cpu.usage","operator":"~"},"severity":"critical"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/alerts/rules/cpu-high", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rule domain.AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, 80.0, rule.Condition.Threshold)

	rec = f.do(http.MethodPut, "/api/v1/alerts/rules/cpu-high", strings.Replace(body, "80", "90", 1))
	require.Equal(t, http.StatusOK, rec.Code)
	got, _ := f.engine.GetRule("cpu-high")
	assert.Equal(t, 90.0, got.Condition.Threshold)

	rec = f.do(http.MethodPut, "/api/v1/alerts/rules/missing", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/v1/alerts/rules/cpu-high", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/alerts/rules/cpu-high", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertChannelsAndState(t *testing.T) {
	f := newFixture(t, infra.ServerConfig{}, nil)

	rec := f.do(http.MethodPost, "/api/v1/alerts/channels", `{"id":"hook","type":"webhook","enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "webhook without target")

	rec = f.do(http.MethodPost, "/api/v1/alerts/channels", `{"id":"hook","type":"webhook","target":"http://x","enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPut, "/api/v1/alerts/channels/hook", `{"type":"log","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ch, ok := f.engine.GetChannel("hook")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelLog, ch.Type)

	rec = f.do(http.MethodGet, "/api/v1/alerts/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.ChannelConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = f.do(http.MethodDelete, "/api/v1/alerts/channels/hook", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, "/api/v1/alerts/channels/hook", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, p := range []string{"active", "history?limit=5", "stats"} {
		rec = f.do(http.MethodGet, "/api/v1/alerts/"+p, "")
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}
}

func TestSubmitEmail(t *testing.T) {
	f := newFixture(t, infra.ServerConfig{}, nil)

	rec := f.do(http.MethodPost, "/api/v1/pipeline/emails", `{"from":"alice@x.io","subject":"Sync?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.queue.got, 1)
	assert.NotEmpty(t, f.queue.got[0].ID)
	assert.False(t, f.queue.got[0].ReceivedAt.IsZero())

	rec = f.do(http.MethodPost, "/api/v1/pipeline/emails", `{"subject":"no sender"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.queue.err = pipeline.ErrQueueFull
	rec = f.do(http.MethodPost, "/api/v1/pipeline/emails", `{"from":"alice@x.io"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, infra.ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 1}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/alerts/stats", "").Code)
	rec := f.do(http.MethodGet, "/api/v1/alerts/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// служебные роуты вне лимита
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
}

func TestAlertRoutesRequireToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := newFixture(t, infra.ServerConfig{}, auth.NewBaseValidator(&key.PublicKey))

	token := func(scopes map[string]bool) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &auth.Claims{
			UserID:           "op-1",
			Scopes:           scopes,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}).SignedString(key)
		require.NoError(t, err)
		return "Bearer " + s
	}
	body := `{"type":"log","enabled":true}`

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/alerts/rules", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/alerts/rules", "", "Authorization", token(nil)).Code)

	rec := f.do(http.MethodPost, "/api/v1/alerts/channels", body, "Authorization", token(map[string]bool{"alerts.read": true}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/alerts/channels", body, "Authorization", token(map[string]bool{ScopeAlertsWrite: true}))
	assert.Equal(t, http.StatusCreated, rec.Code)

	// дашборд открыт
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/dashboard/emails", "").Code)
}
