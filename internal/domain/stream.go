package domain

import (
	"encoding/json"
	"time"
)

type StreamType string

const (
	StreamConnected    StreamType = "connected"
	StreamAgentEvent   StreamType = "agent_event"
	StreamStatusChange StreamType = "status_change"
)

// StreamMessage — кадр server-push потока (SSE).
type StreamMessage struct {
	Type      StreamType      `json:"type"`
	RunID     string          `json:"runId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
