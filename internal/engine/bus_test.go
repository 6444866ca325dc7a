package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

func TestMemoryBus_FanOutAndUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	a, cancelA, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, cancelB, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	msg := domain.StreamMessage{Type: domain.StreamStatusChange, RunID: "r1", Timestamp: time.Now()}
	require.NoError(t, bus.Publish(ctx, msg))
	assert.Equal(t, "r1", (<-a).RunID)
	assert.Equal(t, "r1", (<-b).RunID)

	cancelA()
	cancelA() // повторная отписка безопасна
	_, open := <-a
	assert.False(t, open)

	require.NoError(t, bus.Publish(ctx, msg))
	assert.Equal(t, "r1", (<-b).RunID)
	cancelB()
}

func TestMemoryBus_SlowSubscriberDropsFrames(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, bus.Publish(context.Background(), domain.StreamMessage{RunID: "r"}))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	rdb := redisForTest(t)
	bus := NewRedisBus(rdb, zap.NewNop())
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, cancel, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, domain.StreamMessage{
		Type:    domain.StreamAgentEvent,
		RunID:   "run-redis",
		AgentID: "agent_001",
		Data:    json.RawMessage(`{"type":"started"}`),
	}))

	select {
	case msg := <-ch:
		assert.Equal(t, "run-redis", msg.RunID)
		assert.JSONEq(t, `{"type":"started"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("stream message not delivered")
	}
}
