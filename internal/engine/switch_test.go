package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memAgentState struct {
	mu       sync.Mutex
	disabled map[string]bool
	fail     bool
}

func (m *memAgentState) GetDisabledAgents(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, off := range m.disabled {
		if off {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memAgentState) SetAgentEnabled(_ context.Context, agentID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.disabled[agentID] = !enabled
	return nil
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		payload string
		id      string
		flag    bool
		ok      bool
	}{
		{"agent_001:true", "agent_001", true, true},
		{"agent_001:false", "agent_001", false, true},
		{"ns:agent:on", "ns:agent", true, true},
		{"agent_001:off", "agent_001", false, true},
		{"agent_001", "", false, false},
		{":true", "", false, false},
		{"agent_001:maybe", "", false, false},
	}
	for _, tc := range cases {
		id, flag, ok := parseSignal(tc.payload)
		assert.Equal(t, tc.ok, ok, tc.payload)
		assert.Equal(t, tc.id, id, tc.payload)
		assert.Equal(t, tc.flag, flag, tc.payload)
	}
	assert.Equal(t, "a:true", formatSignal("a", true))
}

func TestAgentSwitch_LocalOnly(t *testing.T) {
	repo := &memAgentState{disabled: map[string]bool{"agent_003": true}}
	sw := NewAgentSwitch(nil, repo, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, sw.Init(ctx))
	assert.True(t, sw.IsDisabled("agent_003"))
	assert.False(t, sw.IsDisabled("agent_001"))

	require.NoError(t, sw.SetEnabled(ctx, "agent_001", false))
	assert.True(t, sw.IsDisabled("agent_001"))
	assert.True(t, repo.disabled["agent_001"])

	require.NoError(t, sw.SetEnabled(ctx, "agent_003", true))
	assert.False(t, sw.IsDisabled("agent_003"))

	repo.fail = true
	assert.Error(t, sw.SetEnabled(ctx, "agent_002", false))
	assert.False(t, sw.IsDisabled("agent_002"), "failed persistence must not flip the switch")
}

func TestAgentSwitch_RedisPropagation(t *testing.T) {
	rdb := redisForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agentID := fmt.Sprintf("switch_agent_%d", time.Now().UnixNano())

	writer := NewAgentSwitch(rdb, nil, zap.NewNop())
	reader := NewAgentSwitch(rdb, nil, zap.NewNop())
	go reader.StartListener(ctx)
	time.Sleep(100 * time.Millisecond) // подписка

	require.NoError(t, writer.SetEnabled(ctx, agentID, false))
	require.Eventually(t, func() bool { return reader.IsDisabled(agentID) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.SetEnabled(ctx, agentID, true))
	require.Eventually(t, func() bool { return !reader.IsDisabled(agentID) }, 2*time.Second, 10*time.Millisecond)
}
