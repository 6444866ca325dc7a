package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/xela07ax/advocacy-ops/internal/console/service"
	"go.uber.org/zap"
)

type ScheduledTrigger interface {
	TriggerScheduled(ctx context.Context) []service.ScheduledRun
}

// CronHandler — плановый запуск по общему секрету (Authorization: Bearer <secret>).
type CronHandler struct {
	service ScheduledTrigger
	secret  string
	logger  *zap.Logger
}

func NewCronHandler(s ScheduledTrigger, secret string, logger *zap.Logger) *CronHandler {
	return &CronHandler{service: s, secret: secret, logger: logger.Named("cron")}
}

// Run POST /agents/cron
func (h *CronHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		writeError(w, http.StatusServiceUnavailable, "not configured")
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		h.logger.Warn("cron trigger with invalid secret", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	runs := h.service.TriggerScheduled(r.Context())
	h.logger.Info("scheduled agents triggered", zap.Int("runs", len(runs)))
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
