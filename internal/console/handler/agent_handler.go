package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/advocacy-ops/internal/console/service"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra/auth"
	"go.uber.org/zap"
)

// AgentOps — то, что ручкам нужно от service.AgentService.
type AgentOps interface {
	Trigger(ctx context.Context, req service.TriggerRequest) (*domain.AgentRun, error)
	Availability(agentID string) (*domain.AgentAvailability, error)
	Health(ctx context.Context) []domain.AgentHealth
	CircuitBreakerAdmin(ctx context.Context, agentID, action, actor string) (*service.BreakerStatus, error)
	SetAgentEnabled(ctx context.Context, agentID string, enabled bool, actor string) (*domain.AgentInfo, error)
	CancelRun(ctx context.Context, runID, actor string) error
	GetRun(ctx context.Context, runID string) (*service.RunDetails, error)
}

type AgentHandler struct {
	service AgentOps
	logger  *zap.Logger
}

func NewAgentHandler(s AgentOps, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

type triggerRequest struct {
	AgentID     string          `json:"agentId"`
	TriggeredBy string          `json:"triggeredBy"`
	InputData   json.RawMessage `json:"inputData"`
}

type triggerResponse struct {
	RunID  string           `json:"runId"`
	Status domain.RunStatus `json:"status"`
}

// Trigger POST /agents/trigger — ставит запуск и отвечает сразу, не дожидаясь исполнения.
func (h *AgentHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = auth.UserID(r.Context())
	}

	run, err := h.service.Trigger(r.Context(), service.TriggerRequest{
		AgentID:     req.AgentID,
		TriggeredBy: req.TriggeredBy,
		TriggerType: domain.TriggerManual,
		InputData:   req.InputData,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{RunID: run.ID, Status: run.Status})
}

// Availability GET /agents/trigger?agentId=
func (h *AgentHandler) Availability(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Availability(r.URL.Query().Get("agentId"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Health GET /agents/health
func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.service.Health(r.Context())})
}

type breakerRequest struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
}

// CircuitBreaker POST /agents/admin/circuit-breaker {agentId, action: reset|status}
func (h *AgentHandler) CircuitBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	st, err := h.service.CircuitBreakerAdmin(r.Context(), req.AgentID, req.Action, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *AgentHandler) EnableAgent(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *AgentHandler) DisableAgent(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *AgentHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	agentID := chi.URLParam(r, "agentID")
	info, err := h.service.SetAgentEnabled(r.Context(), agentID, enabled, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetRun GET /agents/runs/{runID}
func (h *AgentHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// CancelRun POST /agents/runs/{runID}/cancel
func (h *AgentHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.service.CancelRun(r.Context(), runID, auth.UserID(r.Context())); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "status": "cancelling"})
}
