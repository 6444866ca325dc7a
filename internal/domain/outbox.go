package domain

import "time"

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxJob — отложенный побочный эффект одобрения (запись в доменную таблицу).
// Решение ревьюера фиксируется в той же транзакции, что и задача.
type OutboxJob struct {
	ID             string       `json:"id"`
	ApprovalID     string       `json:"approvalId"`
	ItemType       ItemType     `json:"itemType"`
	ItemID         string       `json:"itemId"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"lastError,omitempty"`
	NextAttemptAt  time.Time    `json:"nextAttemptAt"`
	CreatedAt      time.Time    `json:"createdAt"`
}
