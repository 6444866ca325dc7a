package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/advocacy-ops/internal/audit"
	"go.uber.org/zap"
)

type AuditReader interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error)
}

type AuditHandler struct {
	service AuditReader
	logger  *zap.Logger
}

func NewAuditHandler(s AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /agents/audit?agentId=...&action=...&entityId=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	logs, err := h.service.FetchLogs(r.Context(), audit.Filter{
		AgentID:  q.Get("agentId"),
		Action:   q.Get("action"),
		EntityID: q.Get("entityId"),
		Limit:    limit,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": logs})
}
