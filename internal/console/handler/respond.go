package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

// Предел тела запроса для JSON ручек
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(encoded, '\n'))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor — единая таблица соответствия доменных ошибок HTTP-статусам.
func statusFor(err error) int {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyProcessed), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConfigured), errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError: 4xx отдаем как есть, 5xx логируем и не раскрываем внутренности.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotConfigured):
		msg = "not configured"
	case errors.Is(err, domain.ErrQueueFull):
		msg = "queue full"
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// decodeBody читает JSON тело; любая ошибка становится ValidationError.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return domain.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}
