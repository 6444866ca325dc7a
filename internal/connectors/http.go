package connectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/advocacy-ops/internal/domain"
)

const (
	maxResponseBody   = 1 << 20
	defaultRetryAfter = time.Second
	maxRetryAfter     = 30 * time.Second
)

// Caller — один вызов внешнего сервиса: JSON на вход, тело ответа на выход.
type Caller interface {
	Call(ctx context.Context, payload []byte) ([]byte, error)
}

// HTTPCaller шлет POST JSON на фиксированный URL.
// 429 -> *ThrottleError, прочие >= 400 и сетевые сбои -> *domain.UpstreamServiceError.
type HTTPCaller struct {
	service string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewHTTPCaller(service, url string, headers map[string]string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		service: service,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.UpstreamServiceError{Service: c.service, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &domain.UpstreamServiceError{Service: c.service, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ThrottleError{
			Service:    c.service,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Cause:      &domain.UpstreamServiceError{Service: c.service, StatusCode: resp.StatusCode, Err: errors.New("rate limited")},
		}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &domain.UpstreamServiceError{
			Service:    c.service,
			StatusCode: resp.StatusCode,
			Err:        errors.New(snippet(body)),
		}
	}
	return body, nil
}

// parseRetryAfter понимает секунды и HTTP-дату; результат в [0, maxRetryAfter].
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	} else {
		return defaultRetryAfter
	}
	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

// IsClientError — ошибка вызывающей стороны (4xx, кроме 429): повтор не поможет,
// и это не признак падения апстрима.
func IsClientError(err error) bool {
	var throttle *ThrottleError
	if errors.As(err, &throttle) {
		return false
	}
	var up *domain.UpstreamServiceError
	if errors.As(err, &up) {
		return up.StatusCode >= 400 && up.StatusCode < 500
	}
	return false
}
