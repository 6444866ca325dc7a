package domain

import "time"

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitState — состояние предохранителя одного агента.
// Инвариант: State == Open => FailureCount >= порога.
type CircuitState struct {
	State         BreakerState `json:"state"`
	FailureCount  int          `json:"failureCount"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
}

// ClosedState возвращает состояние по умолчанию для неизвестного агента.
func ClosedState() CircuitState {
	return CircuitState{State: BreakerClosed}
}

type AgentHealth struct {
	AgentID        string         `json:"agentId"`
	Name           string         `json:"name"`
	Health         string         `json:"health"` // healthy, degraded, unhealthy, disabled
	CircuitBreaker BreakerSummary `json:"circuitBreaker"`
}

type BreakerSummary struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
}
