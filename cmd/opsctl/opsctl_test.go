package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	prevAddr, prevToken := apiAddr, apiToken
	apiAddr, apiToken = srv.URL+"/", "tok"
	t.Cleanup(func() { apiAddr, apiToken = prevAddr, prevToken })
}

func TestAPIDo_SendsTokenAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"runId":"r1","status":"pending"}`))
	})

	resp, err := apiPost("/agents/trigger", map[string]string{"agentId": "agent_001_policy"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"runId":"r1","status":"pending"}`, string(resp))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/agents/trigger", gotPath)
	assert.Equal(t, "agent_001_policy", gotBody["agentId"])
}

func TestAPIDo_UnwrapsErrorBody(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"item already processed"}`))
	})

	_, err := apiGet("/agents/approvals/a1")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "item already processed", apiErr.Message)
}

func TestAPIDo_PlainTextError(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})

	_, err := apiGet("/agents/health")
	assert.EqualError(t, err, "API error (401): Unauthorized")
}

func TestApprovalsQuery(t *testing.T) {
	t.Cleanup(func() { approvalStatus, approvalPriority, approvalAgent = "", "", "" })

	assert.Empty(t, approvalsQuery())

	approvalStatus, approvalAgent = "pending", "agent_002_grant"
	assert.Equal(t, "?agentId=agent_002_grant&status=pending", approvalsQuery())
}

func TestReadFrames(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"connected","timestamp":"2026-01-01T00:00:00Z"}`,
		``,
		`: keep-alive`,
		``,
		`data: {"type":"status_change","runId":"r1","agentId":"a1","data":{"status":"success"},"timestamp":"2026-01-01T00:00:01Z"}`,
		``,
		`data: not-json`,
		``,
	}, "\n")

	var got []domain.StreamMessage
	err := readFrames(strings.NewReader(stream), func(m domain.StreamMessage) {
		got = append(got, m)
	}, func() error { return nil })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StreamConnected, got[0].Type)
	assert.Equal(t, domain.StreamStatusChange, got[1].Type)
	assert.Equal(t, "r1", got[1].RunID)
	assert.JSONEq(t, `{"status":"success"}`, string(got[1].Data))
}
