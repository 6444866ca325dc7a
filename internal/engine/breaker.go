package engine

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

// BreakerSettings — порог ошибок и время остывания предохранителя агента.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// StateChangeFunc вызывается при каждой смене состояния (метрики, gRPC health).
type StateChangeFunc func(agentID string, from, to domain.BreakerState)

// Breaker — предохранитель агентов: счетчик ошибок + автомат closed/open/half_open.
// Состояние живет в BreakerStore (память процесса или общий Redis).
// Breaker никогда не возвращает ошибок: сбой хранилища = "агент здоров".
type Breaker struct {
	store    BreakerStore
	settings BreakerSettings
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	onChange []StateChangeFunc
}

type BreakerOption func(*Breaker)

// WithClock подменяет часы (тесты, остывание).
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

func NewBreaker(store BreakerStore, settings BreakerSettings, logger *zap.Logger, opts ...BreakerOption) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 60 * time.Second
	}
	b := &Breaker{
		store:    store,
		settings: settings,
		now:      time.Now,
		logger:   logger.Named("breaker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnStateChange регистрирует наблюдателя переходов.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

func (b *Breaker) Settings() BreakerSettings { return b.settings }

// RecordSuccess обнуляет счетчик и закрывает цепь.
func (b *Breaker) RecordSuccess(ctx context.Context, agentID string) {
	b.update(ctx, agentID, "record_success", func(st *domain.CircuitState) {
		st.FailureCount = 0
		st.State = domain.BreakerClosed
	})
}

// RecordFailure увеличивает счетчик; при достижении порога размыкает цепь
// и перезапускает таймер остывания (в том числе из half_open).
func (b *Breaker) RecordFailure(ctx context.Context, agentID string) {
	b.update(ctx, agentID, "record_failure", func(st *domain.CircuitState) {
		st.FailureCount++
		if st.FailureCount >= b.settings.FailureThreshold {
			now := b.now()
			st.State = domain.BreakerOpen
			st.LastFailureAt = &now
		}
	})
}

// CanExecute: closed -> true; open -> false до истечения Cooldown, затем
// переход в half_open и true (пробный запуск); half_open -> true.
func (b *Breaker) CanExecute(ctx context.Context, agentID string) bool {
	allowed := true
	ok := b.update(ctx, agentID, "can_execute", func(st *domain.CircuitState) {
		switch st.State {
		case domain.BreakerOpen:
			if st.LastFailureAt != nil && b.now().Sub(*st.LastFailureAt) < b.settings.Cooldown {
				allowed = false
				return
			}
			st.State = domain.BreakerHalfOpen
			allowed = true
		default:
			allowed = true
		}
	})
	if !ok {
		// Хранилище недоступно — fail-open
		return true
	}
	return allowed
}

// Reset: ручное вмешательство оператора.
func (b *Breaker) Reset(ctx context.Context, agentID string) {
	b.update(ctx, agentID, "reset", func(st *domain.CircuitState) {
		st.State = domain.BreakerClosed
		st.FailureCount = 0
		st.LastFailureAt = nil
	})
	b.logger.Info("circuit breaker reset", zap.String("agent_id", agentID))
}

// Snapshot отдает полное состояние агента; неизвестный агент = closed/0.
func (b *Breaker) Snapshot(ctx context.Context, agentID string) domain.CircuitState {
	st, found, err := b.store.Get(ctx, agentID)
	if err != nil {
		b.logger.Warn("breaker store read failed", zap.String("agent_id", agentID), zap.Error(err))
		return domain.ClosedState()
	}
	if !found {
		return domain.ClosedState()
	}
	return st
}

func (b *Breaker) GetState(ctx context.Context, agentID string) domain.BreakerState {
	return b.Snapshot(ctx, agentID).State
}

func (b *Breaker) GetFailureCount(ctx context.Context, agentID string) int {
	return b.Snapshot(ctx, agentID).FailureCount
}

// GetAllStates возвращает состояния всех агентов, которых видел предохранитель.
func (b *Breaker) GetAllStates(ctx context.Context) map[string]domain.CircuitState {
	all, err := b.store.All(ctx)
	if err != nil {
		b.logger.Warn("breaker store scan failed", zap.Error(err))
		return map[string]domain.CircuitState{}
	}
	return all
}

func (b *Breaker) update(ctx context.Context, agentID, op string, fn func(*domain.CircuitState)) bool {
	var from domain.BreakerState
	next, err := b.store.Update(ctx, agentID, func(st *domain.CircuitState) {
		from = st.State
		fn(st)
	})
	if err != nil {
		b.logger.Error("breaker store update failed",
			zap.String("agent_id", agentID),
			zap.String("op", op),
			zap.Error(err))
		return false
	}

	if from != next.State {
		b.logger.Info("circuit state changed",
			zap.String("agent_id", agentID),
			zap.String("from", string(from)),
			zap.String("to", string(next.State)),
			zap.Int("failures", next.FailureCount))
		b.mu.RLock()
		observers := b.onChange
		b.mu.RUnlock()
		for _, fn := range observers {
			fn(agentID, from, next.State)
		}
	}
	return true
}
