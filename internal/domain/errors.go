package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
	ErrNotConfigured     = errors.New("not configured")
	ErrQueueFull         = errors.New("run queue is full")
)

// ValidationError — некорректный ввод (HTTP 400).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// NotFoundError оборачивает ErrNotFound с указанием сущности.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CircuitOpenError — предохранитель отказал в исполнении.
type CircuitOpenError struct {
	AgentID string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for agent %s", e.AgentID)
}

// AgentExecutionError — агент упал после исчерпания всех попыток.
type AgentExecutionError struct {
	AgentID  string
	Attempts int
	Err      error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed after %d attempt(s): %v", e.AgentID, e.Attempts, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// PersistenceError — сбой записи в хранилище.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UpstreamServiceError — внешний сервис (LLM, WhatsApp, платежи) вернул ошибку.
type UpstreamServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *UpstreamServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s returned %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Service, e.Err)
}

func (e *UpstreamServiceError) Unwrap() error { return e.Err }
