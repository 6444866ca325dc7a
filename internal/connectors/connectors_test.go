package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

func testUpstream(url string) infra.UpstreamConfig {
	return infra.UpstreamConfig{
		URL:           url,
		APIKey:        "secret",
		Model:         "gpt-test",
		Recipients:    []string{"+15550001", "+15550002"},
		Timeout:       2 * time.Second,
		CBMaxRequests: 1,
		CBInterval:    time.Minute,
		CBTimeout:     time.Minute,
	}
}

func TestHTTPCaller_StatusMapping(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		code := int(status.Load())
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPCaller("test", srv.URL, map[string]string{"Authorization": "Bearer k"}, time.Second)
	ctx := context.Background()

	status.Store(http.StatusOK)
	body, err := c.Call(ctx, []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	status.Store(http.StatusTooManyRequests)
	_, err = c.Call(ctx, []byte(`{}`))
	var throttle *ThrottleError
	require.ErrorAs(t, err, &throttle)
	assert.Equal(t, 3*time.Second, throttle.RetryAfter)
	assert.Equal(t, "test", throttle.Service)
	assert.Contains(t, throttle.Error(), "test throttled")
	assert.False(t, IsClientError(err))

	status.Store(http.StatusBadRequest)
	_, err = c.Call(ctx, []byte(`{}`))
	var up *domain.UpstreamServiceError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, http.StatusBadRequest, up.StatusCode)
	assert.True(t, IsClientError(err))

	status.Store(http.StatusBadGateway)
	_, err = c.Call(ctx, []byte(`{}`))
	require.ErrorAs(t, err, &up)
	assert.False(t, IsClientError(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("", now))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("3600", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("soon", now))
}

type scriptedCaller struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedCaller) Call(context.Context, []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return []byte(`ok`), nil
}

func TestReliabilityWrapper_RetriesTransientErrors(t *testing.T) {
	next := &scriptedCaller{errs: []error{
		&ThrottleError{RetryAfter: time.Millisecond},
		&domain.UpstreamServiceError{Service: "x", StatusCode: 503, Err: errors.New("busy")},
	}}
	w := NewReliabilityWrapper("x", next, testUpstream("http://unused"), zap.NewNop())

	out, err := w.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, 3, next.calls)
}

func TestReliabilityWrapper_ClientErrorIsNotRepeated(t *testing.T) {
	badReq := &domain.UpstreamServiceError{Service: "x", StatusCode: 400, Err: errors.New("bad payload")}
	next := &scriptedCaller{errs: []error{badReq, badReq, badReq}}
	w := NewReliabilityWrapper("x", next, testUpstream("http://unused"), zap.NewNop())

	_, err := w.Call(context.Background(), nil)
	assert.ErrorIs(t, err, badReq)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestReliabilityWrapper_OpensOnPersistentFailure(t *testing.T) {
	boom := &domain.UpstreamServiceError{Service: "x", StatusCode: 500, Err: errors.New("down")}
	next := &scriptedCaller{errs: make([]error, 100)}
	for i := range next.errs {
		next.errs[i] = boom
	}
	w := NewReliabilityWrapper("x", next, testUpstream("http://unused"), zap.NewNop())
	w.attempts = 1

	for i := 0; i < 6; i++ {
		_, err := w.Call(context.Background(), nil)
		require.Error(t, err)
	}
	_, err := w.Call(context.Background(), nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, w.State())
}

func TestLLMClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		answer := "Summary of the bill"
		if req.ResponseFormat["type"] == "json_object" {
			answer = "```json\n{\"fraudScore\":0.42,\"reason\":\"new org\"}\n```"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": answer}}},
		})
	}))
	defer srv.Close()

	c := NewLLMClient(testUpstream(srv.URL), zap.NewNop())
	text, err := c.Chat(context.Background(), "You are a policy analyst", "Summarize")
	require.NoError(t, err)
	assert.Equal(t, "Summary of the bill", text)

	var out struct {
		FraudScore float64 `json:"fraudScore"`
		Reason     string  `json:"reason"`
	}
	require.NoError(t, c.ChatJSON(context.Background(), "score", "grant", &out))
	assert.InDelta(t, 0.42, out.FraudScore, 1e-9)
	assert.Equal(t, "new org", out.Reason)
}

func TestWhatsAppNotifier_SendsToEveryRecipient(t *testing.T) {
	var mu sync.Mutex
	var got []whatsAppMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var msg whatsAppMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		if msg.To == "+15550002" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	n := NewWhatsAppNotifier(testUpstream(srv.URL), zap.NewNop())
	err := n.Notify(context.Background(), "New grant review")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "+15550002")

	require.Len(t, got, 2)
	assert.Equal(t, "text", got[0].Type)
	assert.Equal(t, "New grant review", got[0].Text.Body)
}
