package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

type blockingExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	results map[string]error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan string, 16),
		release: make(chan struct{}),
		results: make(map[string]error),
	}
}

func (b *blockingExecutor) ExecuteWithCircuitBreaker(ctx context.Context, _, runID string, _ domain.TriggerType, _ json.RawMessage) (domain.AgentOutput, error) {
	b.started <- runID
	var err error
	select {
	case <-b.release:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.mu.Lock()
	b.results[runID] = err
	b.mu.Unlock()
	return domain.AgentOutput{}, err
}

func (b *blockingExecutor) result(runID string) (error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err, ok := b.results[runID]
	return err, ok
}

func TestDispatcher_QueueFull(t *testing.T) {
	exec := newBlockingExecutor()
	d := NewDispatcher(exec, 1, 1, nil, zap.NewNop())
	d.Start()

	require.NoError(t, d.Submit(Job{RunID: "r1", AgentID: "a"}))
	<-exec.started // воркер занят r1
	require.NoError(t, d.Submit(Job{RunID: "r2", AgentID: "a"}))
	assert.ErrorIs(t, d.Submit(Job{RunID: "r3", AgentID: "a"}), domain.ErrQueueFull)

	close(exec.release)
	require.NoError(t, d.Stop(context.Background()))

	_, ok := exec.result("r2")
	assert.True(t, ok, "queued run must be drained on stop")
	assert.ErrorIs(t, d.Submit(Job{RunID: "r4"}), ErrDispatcherStopped)
}

func TestDispatcher_CancelRunning(t *testing.T) {
	exec := newBlockingExecutor()
	d := NewDispatcher(exec, 2, 4, nil, zap.NewNop())
	d.Start()
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(Job{RunID: "r1", AgentID: "a"}))
	<-exec.started
	assert.True(t, d.Cancel("r1"))

	require.Eventually(t, func() bool {
		err, ok := exec.result("r1")
		return ok && err == context.Canceled
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return !d.Cancel("r1") }, time.Second, 5*time.Millisecond)
	assert.False(t, d.Cancel("unknown"))
}

func TestDispatcher_StopTimeoutCancelsRuns(t *testing.T) {
	exec := newBlockingExecutor()
	d := NewDispatcher(exec, 1, 2, nil, zap.NewNop())
	d.Start()

	require.NoError(t, d.Submit(Job{RunID: "r1", AgentID: "a"}))
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	err, ok := exec.result("r1")
	require.True(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
