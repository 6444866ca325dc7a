package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы консоли
const (
	ScopeAgentsAdmin     = "agents:admin"
	ScopeApprovalsDecide = "approvals:decide"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "approvals:decide": true
	jwt.RegisteredClaims
}
