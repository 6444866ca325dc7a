package domain

import (
	"encoding/json"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// ItemType определяет доменную таблицу, на которую влияет решение ревьюера.
type ItemType string

const (
	ItemPolicyUpdate ItemType = "policy_update"
	ItemGrant        ItemType = "grant"
	ItemMilestone    ItemType = "milestone"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemPolicyUpdate, ItemGrant, ItemMilestone:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ApprovalAction — решение оператора (HITL).
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
)

// ApprovalItem — запись в очереди на ручную проверку.
type ApprovalItem struct {
	ID       string          `json:"id"`
	AgentID  string          `json:"agentId,omitempty"`
	RunID    string          `json:"runId,omitempty"`
	ItemType ItemType        `json:"itemType"`
	ItemID   string          `json:"itemId"` // Ссылка на строку в доменной таблице
	Status   ApprovalStatus  `json:"status"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	ReviewedAt    *time.Time `json:"reviewedAt,omitempty"`
	ReviewedBy    *string    `json:"reviewedBy,omitempty"`
	ReviewerNotes *string    `json:"reviewerNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalItem) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}

// ApprovalRequest — то, что агент просит отправить на ревью.
type ApprovalRequest struct {
	ItemType ItemType        `json:"itemType"`
	ItemID   string          `json:"itemId"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type ApprovalFilter struct {
	Status   ApprovalStatus
	Priority Priority
	AgentID  string
}

// ApprovalDecision фиксирует решение для атомарного UPDATE ... WHERE status = 'pending'.
type ApprovalDecision struct {
	ApprovalID string
	Status     ApprovalStatus
	ReviewedBy string
	Notes      string
}

type DecisionResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Item    *ApprovalItem `json:"approval,omitempty"`
}
