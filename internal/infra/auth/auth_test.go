package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims *domain.CustomClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifyToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewBaseValidator(&key.PublicKey)

	signed := signToken(t, key, &domain.CustomClaims{
		Scopes: map[string]bool{domain.ScopeApprovalsDecide: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reviewer-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.VerifyToken("Bearer " + signed)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-7", claims.UserID)
	assert.True(t, claims.Scopes[domain.ScopeApprovalsDecide])

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = v.VerifyToken(signToken(t, other, &domain.CustomClaims{UserID: "x"}))
	assert.Error(t, err)
}

func TestMiddlewareAndScopes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewBaseValidator(&key.PublicKey)

	var seen string
	h := NewMiddleware(v, zap.NewNop())(RequireScope(domain.ScopeAgentsAdmin)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = UserID(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	))

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/agents/admin/circuit-breaker", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(""))
	assert.Equal(t, http.StatusForbidden, do(signToken(t, key, &domain.CustomClaims{
		UserID: "viewer", Scopes: map[string]bool{"dashboard:read": true},
	})))
	assert.Equal(t, http.StatusNoContent, do(signToken(t, key, &domain.CustomClaims{
		UserID: "ops-1", Scopes: map[string]bool{domain.ScopeAgentsAdmin: true},
	})))
	assert.Equal(t, "ops-1", seen)
}

func TestUserIDFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, AnonymousReviewer, UserID(req.Context()))
}
