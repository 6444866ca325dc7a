package engine

import (
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter публикует состояние агентов через стандартный gRPC Health Checking:
// сервис "agents.<id>" NOT_SERVING, пока цепь агента разомкнута.
// Балансировщики и k8s-пробы видят отказавших агентов без доступа к HTTP API.
type HealthReporter struct {
	srv    *health.Server
	logger *zap.Logger
}

func NewHealthReporter(logger *zap.Logger) *HealthReporter {
	return &HealthReporter{
		srv:    health.NewServer(),
		logger: logger.Named("grpc-health"),
	}
}

func HealthServiceName(agentID string) string {
	return "agents." + agentID
}

// Track регистрирует агентов с начальным состоянием.
func (h *HealthReporter) Track(states map[string]domain.BreakerState, agentIDs ...string) {
	for _, id := range agentIDs {
		h.srv.SetServingStatus(HealthServiceName(id), servingStatus(states[id]))
	}
}

// ObserveBreaker подписывается через Breaker.OnStateChange.
func (h *HealthReporter) ObserveBreaker(agentID string, _, to domain.BreakerState) {
	status := servingStatus(to)
	h.srv.SetServingStatus(HealthServiceName(agentID), status)
	h.logger.Debug("health status updated",
		zap.String("agent_id", agentID),
		zap.String("status", status.String()))
}

func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Shutdown переводит все сервисы в NOT_SERVING перед остановкой.
func (h *HealthReporter) Shutdown() {
	h.srv.Shutdown()
}

func servingStatus(st domain.BreakerState) healthpb.HealthCheckResponse_ServingStatus {
	if st == domain.BreakerOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
