package connectors

import (
	"fmt"
	"time"
)

// ThrottleError: апстрим ответил 429. Ретраер ждет RetryAfter вместо своего бэкоффа,
// а предохранитель коннектора считает это обычным сбоем.
type ThrottleError struct {
	Service    string
	RetryAfter time.Duration // из Retry-After, без заголовка defaultRetryAfter
	// Cause — исходная *domain.UpstreamServiceError с кодом ответа
	Cause error
}

func (e *ThrottleError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("throttled, retry in %v: %v", e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("%s throttled, retry in %v: %v", e.Service, e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
