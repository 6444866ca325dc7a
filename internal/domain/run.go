package domain

import (
	"context"
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

// AgentRun — одна попытка исполнения агента. Никогда не удаляется (audit trail).
type AgentRun struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agentId"`
	Status       RunStatus       `json:"status"`
	TriggeredBy  string          `json:"triggeredBy"`
	TriggerType  TriggerType     `json:"triggerType"`
	InputData    json.RawMessage `json:"inputData,omitempty"`
	InputDigest  string          `json:"inputDigest,omitempty"` // sha256 от JCS-формы inputData
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

type EventType string

const (
	EventQueued           EventType = "queued"
	EventStarted          EventType = "started"
	EventRetried          EventType = "retried"
	EventAttemptSucceeded EventType = "attempt_succeeded"
	EventSucceeded        EventType = "succeeded"
	EventFailed           EventType = "failed"
	EventCircuitOpen      EventType = "circuit_open"
	EventCancelled        EventType = "cancelled"
)

// AgentEvent: append-only запись журнала исполнения.
type AgentEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	AgentID   string          `json:"agentId"`
	Type      EventType       `json:"type"`
	Attempt   int             `json:"attempt,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AgentOutput — результат агента. Approval != nil означает, что нужен человек.
type AgentOutput struct {
	Result   json.RawMessage  `json:"result,omitempty"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
}

// AgentFunc — сама логика агента (промпт + вызов LLM + инструменты).
type AgentFunc func(ctx context.Context, input json.RawMessage) (AgentOutput, error)

// AgentInfo публичное описание агента для API
type AgentInfo struct {
	ID         string `json:"agentId"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Scheduled  bool   `json:"scheduled"`
	Configured bool   `json:"configured"` // Все внешние сервисы агента настроены
}
