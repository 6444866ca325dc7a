package domain

// AgentAvailability ответ GET /agents/trigger
type AgentAvailability struct {
	Available bool   `json:"available"`
	AgentID   string `json:"agentId"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
}
