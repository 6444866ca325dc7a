package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper защищает внешний сервис: rate limit -> circuit breaker -> ретраи.
// Предохранитель здесь — про здоровье апстрима (LLM, WhatsApp), а не агента.
type ReliabilityWrapper struct {
	next           Caller
	cb             *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	attempts       uint
	attemptTimeout time.Duration
}

func NewReliabilityWrapper(name string, next Caller, cfg infra.UpstreamConfig, logger *zap.Logger) *ReliabilityWrapper {
	log := logger.Named("connector").With(zap.String("service", name))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		// 4xx — ошибка запроса, апстрим жив
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("connector circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ReliabilityWrapper{
		next:           next,
		cb:             cb,
		limiter:        rate.NewLimiter(limit, burst),
		attempts:       3,
		attemptTimeout: timeout,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, payload []byte) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var data []byte
		var lastErr error

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Апстрим сам сказал, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Сетевой лаг, 5xx — экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		_ = r.Do(func() error {
			if lastErr != nil && IsClientError(lastErr) {
				// Повтор 4xx бессмысленен, отдаем ту же ошибку без вызова
				return lastErr
			}
			tCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
			defer cancel()

			data, lastErr = w.next.Call(tCtx, payload)
			return lastErr
		})
		return data, lastErr
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// State — состояние предохранителя коннектора (для /agents/health и логов).
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}
