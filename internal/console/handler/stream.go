package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

// Subscriber источник кадров (engine.EventBus)
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.StreamMessage, func(), error)
}

// StreamHandler — server-push прогресса запусков (SSE).
// Поток живет, пока клиент не отключится; отключение не трогает сами запуски.
type StreamHandler struct {
	bus       Subscriber
	keepAlive time.Duration
	logger    *zap.Logger
}

func NewStreamHandler(bus Subscriber, keepAlive time.Duration, logger *zap.Logger) *StreamHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &StreamHandler{bus: bus, keepAlive: keepAlive, logger: logger.Named("stream")}
}

// Stream GET /agents/stream?runId=&agentId=
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	runID := r.URL.Query().Get("runId")
	agentID := r.URL.Query().Get("agentId")

	ctx := r.Context()
	frames, unsubscribe, err := h.bus.Subscribe(ctx)
	if err != nil {
		h.logger.Error("stream subscribe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if !writeFrame(w, flusher, domain.StreamMessage{
		Type:      domain.StreamConnected,
		RunID:     runID,
		AgentID:   agentID,
		Timestamp: time.Now(),
	}) {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream client disconnected", zap.String("run_id", runID))
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-frames:
			if !ok {
				return
			}
			if (runID != "" && msg.RunID != runID) || (agentID != "" && msg.AgentID != agentID) {
				continue
			}
			if !writeFrame(w, flusher, msg) {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, msg domain.StreamMessage) bool {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(encoded); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
