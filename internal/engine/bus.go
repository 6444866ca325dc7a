package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

// EventBus — лента изменений для потокового эндпоинта.
// Subscribe возвращает канал и функцию отписки.
type EventBus interface {
	Publish(ctx context.Context, msg domain.StreamMessage) error
	Subscribe(ctx context.Context) (<-chan domain.StreamMessage, func(), error)
}

const subscriberBuffer = 64

// MemoryBus — fan-out внутри процесса. Медленный подписчик теряет кадры, а не тормозит исполнение.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan domain.StreamMessage
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan domain.StreamMessage)}
}

func (b *MemoryBus) Publish(_ context.Context, msg domain.StreamMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context) (<-chan domain.StreamMessage, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan domain.StreamMessage, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// RedisBus раздает события всем инстансам через Pub/Sub:
// поток клиента может быть открыт на одном инстансе, а запуск идти на другом.
type RedisBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisBus(rdb *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger.Named("bus")}
}

func (b *RedisBus) Publish(ctx context.Context, msg domain.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, infra.RedisChanAgentStream, data).Err(); err != nil {
		return fmt.Errorf("redis: publish stream message: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan domain.StreamMessage, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, infra.RedisChanAgentStream)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe stream: %w", err)
	}

	out := make(chan domain.StreamMessage, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg domain.StreamMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Warn("invalid stream payload", zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}
