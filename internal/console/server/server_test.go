package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/console/handler"
	"github.com/xela07ax/advocacy-ops/internal/console/service"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

type fakeValidator struct{}

// Токен вида "Bearer <user>:<scope>"
func (fakeValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	user, scope, ok := strings.Cut(tokenStr, ":")
	if !ok {
		return nil, errors.New("malformed token")
	}
	return &domain.CustomClaims{UserID: user, Scopes: map[string]bool{scope: true}}, nil
}

type fakeDashboard struct{}

func (fakeDashboard) DashboardStats(context.Context) (*domain.DashboardStats, error) {
	return &domain.DashboardStats{}, nil
}

type fakeScheduler struct{}

func (fakeScheduler) TriggerScheduled(context.Context) []service.ScheduledRun { return nil }

func newTestServer(t *testing.T, v *fakeValidator) *ConsoleServer {
	t.Helper()
	logger := zap.NewNop()
	h := Handlers{
		Agent:     handler.NewAgentHandler(nil, logger),
		Approval:  handler.NewApprovalHandler(nil, logger),
		Stream:    handler.NewStreamHandler(nil, 0, logger),
		Cron:      handler.NewCronHandler(fakeScheduler{}, "", logger),
		Dashboard: handler.NewDashboardHandler(fakeDashboard{}, logger),
		Audit:     handler.NewAuditHandler(nil, logger),
	}
	if v == nil {
		return NewConsoleServer(logger, nil, prometheus.NewRegistry(), h)
	}
	return NewConsoleServer(logger, v, prometheus.NewRegistry(), h)
}

func do(s http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestConsoleServer_PublicRoutes(t *testing.T) {
	s := newTestServer(t, &fakeValidator{})

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/metrics", "").Code)
	// Cron без секрета выключен, но мимо проверки токена
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodPost, "/agents/cron", "").Code)
}

func TestConsoleServer_AuthPerimeter(t *testing.T) {
	s := newTestServer(t, &fakeValidator{})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/agents/dashboard", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/agents/dashboard", "garbage").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/agents/dashboard", "alice:read").Code)

	rec := do(s, http.MethodPost, "/agents/admin/agents/agent_001_policy/disable", "alice:read")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(s, http.MethodPost, "/agents/approvals", "alice:"+domain.ScopeAgentsAdmin)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(s, http.MethodGet, "/agents/audit", "alice:"+domain.ScopeApprovalsDecide)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConsoleServer_OpenWithoutValidator(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/agents/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}
