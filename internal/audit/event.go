package audit

import (
	"encoding/json"
	"time"
)

// Действия операторов, попадающие в audit_logs.
const (
	ActionApprove        = "approval.approve"
	ActionReject         = "approval.reject"
	ActionBreakerReset   = "breaker.reset"
	ActionAgentEnable    = "agent.enable"
	ActionAgentDisable   = "agent.disable"
	ActionRunTrigger     = "run.trigger"
	ActionRunCancel      = "run.cancel"
	ActionScheduledBatch = "cron.trigger"
)

// AuditEvent — действие оператора: кто (Actor), что (Action), над чем (EntityType/EntityID).
type AuditEvent struct {
	ID         string          `json:"id"`
	TraceID    string          `json:"traceId"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"` // approval, agent, run
	EntityID   string          `json:"entityId"`
	AgentID    string          `json:"agentId,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Filter задает выборку для чтения журнала. Пустые поля не фильтруют.
type Filter struct {
	AgentID  string
	Action   string
	EntityID string
	Limit    int
}
