package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/advocacy-ops/internal/console/service"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra/auth"
	"go.uber.org/zap"
)

// ApprovalService Описываем, что нам нужно от сервиса
type ApprovalService interface {
	GetApproval(ctx context.Context, id string) (*domain.ApprovalItem, error)
	ListApprovals(ctx context.Context, f domain.ApprovalFilter) (*service.ApprovalList, error)
	Decide(ctx context.Context, approvalID string, action domain.ApprovalAction, notes, reviewer string) (*domain.DecisionResult, error)
}

type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

func NewApprovalHandler(s ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{service: s, logger: logger.Named("approval-handler")}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	approval, err := h.service.GetApproval(r.Context(), chi.URLParam(r, "approvalID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// List GET /agents/approvals?status=&priority=&agentId=
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.service.ListApprovals(r.Context(), domain.ApprovalFilter{
		Status:   domain.ApprovalStatus(q.Get("status")),
		Priority: domain.Priority(q.Get("priority")),
		AgentID:  q.Get("agentId"),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	ApprovalID string `json:"approvalId"`
	Action     string `json:"action"`
	Notes      string `json:"notes"`
}

// Decide POST /agents/approvals {approvalId, action, notes?}
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	// Ревьюер берется из проверенного токена, не из тела запроса
	reviewer := auth.UserID(r.Context())
	res, err := h.service.Decide(r.Context(), req.ApprovalID, domain.ApprovalAction(req.Action), req.Notes, reviewer)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
