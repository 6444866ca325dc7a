package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra"
)

// BreakerStore хранит CircuitState. Update обязан быть атомарным
// read-modify-write: fn получает актуальное состояние (closed/0 для нового агента).
type BreakerStore interface {
	Get(ctx context.Context, agentID string) (domain.CircuitState, bool, error)
	Update(ctx context.Context, agentID string, fn func(*domain.CircuitState)) (domain.CircuitState, error)
	All(ctx context.Context) (map[string]domain.CircuitState, error)
}

// MemoryBreakerStore держит состояние в памяти одного процесса.
type MemoryBreakerStore struct {
	mu     sync.Mutex
	states map[string]domain.CircuitState
}

func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{states: make(map[string]domain.CircuitState)}
}

func (s *MemoryBreakerStore) Get(_ context.Context, agentID string) (domain.CircuitState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	return st, ok, nil
}

func (s *MemoryBreakerStore) Update(_ context.Context, agentID string, fn func(*domain.CircuitState)) (domain.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok {
		st = domain.ClosedState()
	}
	fn(&st)
	s.states[agentID] = st
	return st, nil
}

func (s *MemoryBreakerStore) All(_ context.Context) (map[string]domain.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.CircuitState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out, nil
}

// RedisBreakerStore хранит общее состояние для всех инстансов консоли.
// Атомарность через оптимистичную транзакцию WATCH/MULTI на ключ агента.
type RedisBreakerStore struct {
	rdb        *redis.Client
	maxRetries int
}

func NewRedisBreakerStore(rdb *redis.Client) *RedisBreakerStore {
	return &RedisBreakerStore{rdb: rdb, maxRetries: 10}
}

func (s *RedisBreakerStore) Get(ctx context.Context, agentID string) (domain.CircuitState, bool, error) {
	raw, err := s.rdb.Get(ctx, infra.BreakerStateKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ClosedState(), false, nil
	}
	if err != nil {
		return domain.CircuitState{}, false, fmt.Errorf("redis: get breaker state: %w", err)
	}
	var st domain.CircuitState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.CircuitState{}, false, fmt.Errorf("redis: decode breaker state: %w", err)
	}
	return st, true, nil
}

func (s *RedisBreakerStore) Update(ctx context.Context, agentID string, fn func(*domain.CircuitState)) (domain.CircuitState, error) {
	key := infra.BreakerStateKey(agentID)
	var result domain.CircuitState

	txf := func(tx *redis.Tx) error {
		st := domain.ClosedState()
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode breaker state: %w", err)
			}
		}

		fn(&st)
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, infra.RedisKeyBreakerIndex, agentID)
			return nil
		})
		if err == nil {
			result = st
		}
		return err
	}

	// Конкурентная запись другим инстансом -> TxFailedErr, повторяем
	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.CircuitState{}, fmt.Errorf("redis: update breaker state: %w", err)
	}
	return domain.CircuitState{}, fmt.Errorf("redis: update breaker state: too much contention on %s", agentID)
}

func (s *RedisBreakerStore) All(ctx context.Context) (map[string]domain.CircuitState, error) {
	ids, err := s.rdb.SMembers(ctx, infra.RedisKeyBreakerIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list breaker agents: %w", err)
	}
	out := make(map[string]domain.CircuitState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = infra.BreakerStateKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load breaker states: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st domain.CircuitState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out[ids[i]] = st
	}
	return out, nil
}
