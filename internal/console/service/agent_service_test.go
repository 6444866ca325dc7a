package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/advocacy-ops/internal/agents"
	"github.com/xela07ax/advocacy-ops/internal/audit"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/engine"
	"go.uber.org/zap"
)

const (
	agentOK     = "agent_ok"
	agentBroken = "agent_X"
	agentNoLLM  = "agent_needs_llm"
	agentCron   = "agent_cron"
)

func okAgent(context.Context, json.RawMessage) (domain.AgentOutput, error) {
	return domain.AgentOutput{Result: json.RawMessage(`{"ok":true}`)}, nil
}

func brokenAgent(context.Context, json.RawMessage) (domain.AgentOutput, error) {
	return domain.AgentOutput{}, errors.New("llm unavailable")
}

func newTestCatalog(t *testing.T, sw agents.SwitchChecker) *agents.Registry {
	t.Helper()
	r := agents.NewRegistry(map[string]bool{}, sw)
	defs := []agents.Definition{
		{ID: agentOK, Name: "OK", Enabled: true, Run: okAgent,
			InputSchema: `{"type":"object","properties":{"n":{"type":"integer"}}}`},
		{ID: agentBroken, Name: "Broken", Enabled: true, Run: brokenAgent},
		{ID: agentNoLLM, Name: "Needs LLM", Enabled: true, Requires: []string{"llm"}, Run: okAgent},
		{ID: agentCron, Name: "Cron", Enabled: true, Scheduled: true, Run: okAgent},
	}
	for _, d := range defs {
		require.NoError(t, r.Register(d))
	}
	return r
}

type serviceFixture struct {
	svc      *AgentService
	store    *memStore
	disp     *stubDispatcher
	breaker  *engine.Breaker
	toggler  *memToggler
	auditLog *recordingAuditor
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    newMemStore(),
		disp:     &stubDispatcher{inFlight: map[string]bool{}},
		breaker:  engine.NewBreaker(engine.NewMemoryBreakerStore(), engine.BreakerSettings{FailureThreshold: 5, Cooldown: time.Minute}, zap.NewNop()),
		toggler:  &memToggler{disabled: map[string]bool{}},
		auditLog: &recordingAuditor{},
	}
	f.svc = NewAgentService(AgentServiceDeps{
		Agents:     newTestCatalog(t, f.toggler),
		Runs:       f.store,
		Dashboard:  f.store,
		Dispatcher: f.disp,
		Breaker:    f.breaker,
		Switch:     f.toggler,
		Auditor:    f.auditLog,
		Logger:     zap.NewNop(),
	})
	return f
}

func TestTrigger_Validation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	var vErr *domain.ValidationError

	cases := []struct {
		name  string
		req   TriggerRequest
		field string
	}{
		{"missing agent", TriggerRequest{}, "agentId"},
		{"unknown agent", TriggerRequest{AgentID: "ghost"}, "agentId"},
		{"unavailable agent", TriggerRequest{AgentID: agentNoLLM}, "agentId"},
		{"schema violation", TriggerRequest{AgentID: agentOK, InputData: json.RawMessage(`{"n":"x"}`)}, "inputData"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Trigger(ctx, tc.req)
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}

	f.toggler.disabled[agentOK] = true
	_, err := f.svc.Trigger(ctx, TriggerRequest{AgentID: agentOK})
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "disabled")
	assert.Empty(t, f.disp.jobs)
}

func TestTrigger_QueuesRun(t *testing.T) {
	f := newServiceFixture(t)
	run, err := f.svc.Trigger(context.Background(), TriggerRequest{AgentID: agentOK, TriggeredBy: "alice", InputData: json.RawMessage(`{"n": 1}`)})
	require.NoError(t, err)

	assert.Equal(t, domain.RunPending, run.Status)
	assert.Equal(t, domain.TriggerManual, run.TriggerType)
	assert.Len(t, run.InputDigest, 64)
	require.Len(t, f.disp.jobs, 1)
	assert.Equal(t, run.ID, f.disp.jobs[0].RunID)

	_, events, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventQueued, events[0].Type)
	assert.Equal(t, []string{audit.ActionRunTrigger}, f.auditLog.actions())

	// Одинаковый ввод в разной форме дает один дайджест
	again, err := f.svc.Trigger(context.Background(), TriggerRequest{AgentID: agentOK, InputData: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, run.InputDigest, again.InputDigest)
}

func TestTrigger_PersistenceAndQueueFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.store.failCreateRun = true
	_, err := f.svc.Trigger(ctx, TriggerRequest{AgentID: agentOK})
	var pErr *domain.PersistenceError
	require.ErrorAs(t, err, &pErr)
	f.store.failCreateRun = false

	f.disp.err = domain.ErrQueueFull
	_, err = f.svc.Trigger(ctx, TriggerRequest{AgentID: agentOK})
	require.ErrorIs(t, err, domain.ErrQueueFull)
	require.Len(t, f.store.runs, 1)
	for _, r := range f.store.runs {
		assert.Equal(t, domain.RunFailed, r.Status)
		assert.Contains(t, string(r.ErrorDetails), "queue full")
	}

	noDB := NewAgentService(AgentServiceDeps{Agents: newTestCatalog(t, nil), Dispatcher: f.disp, Breaker: f.breaker, Logger: zap.NewNop()})
	_, err = noDB.Trigger(ctx, TriggerRequest{AgentID: agentOK})
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestAvailabilityAndHealth(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	a, err := f.svc.Availability(agentOK)
	require.NoError(t, err)
	assert.True(t, a.Available)

	a, err = f.svc.Availability(agentNoLLM)
	require.NoError(t, err)
	assert.False(t, a.Available)
	assert.True(t, a.Enabled)

	_, err = f.svc.Availability("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure(ctx, agentBroken)
	}
	f.breaker.RecordFailure(ctx, agentOK)
	f.toggler.disabled[agentCron] = true

	byID := map[string]domain.AgentHealth{}
	for _, h := range f.svc.Health(ctx) {
		byID[h.AgentID] = h
	}
	assert.Equal(t, "unhealthy", byID[agentBroken].Health)
	assert.Equal(t, domain.BreakerOpen, byID[agentBroken].CircuitBreaker.State)
	assert.Equal(t, 5, byID[agentBroken].CircuitBreaker.Failures)
	assert.Equal(t, "degraded", byID[agentOK].Health)
	assert.Equal(t, "disabled", byID[agentCron].Health)

	stats, err := f.svc.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{agentBroken}, stats.OpenCircuits)
}

func TestCircuitBreakerAdmin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	var vErr *domain.ValidationError

	_, err := f.svc.CircuitBreakerAdmin(ctx, "", "status", "op")
	require.ErrorAs(t, err, &vErr)
	_, err = f.svc.CircuitBreakerAdmin(ctx, agentBroken, "explode", "op")
	require.ErrorAs(t, err, &vErr)
	_, err = f.svc.CircuitBreakerAdmin(ctx, "ghost", "status", "op")
	require.ErrorIs(t, err, domain.ErrNotFound)

	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure(ctx, agentBroken)
	}
	st, err := f.svc.CircuitBreakerAdmin(ctx, agentBroken, "status", "op")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, st.State)

	st, err = f.svc.CircuitBreakerAdmin(ctx, agentBroken, "reset", "op")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, []string{audit.ActionBreakerReset}, f.auditLog.actions())
}

func TestSetAgentEnabledAndCancel(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	info, err := f.svc.SetAgentEnabled(ctx, agentOK, false, "op")
	require.NoError(t, err)
	assert.False(t, info.Enabled)

	info, err = f.svc.SetAgentEnabled(ctx, agentOK, true, "op")
	require.NoError(t, err)
	assert.True(t, info.Enabled)

	_, err = f.svc.SetAgentEnabled(ctx, "ghost", true, "op")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.toggler.err = errors.New("db down")
	_, err = f.svc.SetAgentEnabled(ctx, agentOK, false, "op")
	assert.Error(t, err)

	assert.ErrorIs(t, f.svc.CancelRun(ctx, "run-1", "op"), domain.ErrNotFound)
	f.disp.inFlight["run-1"] = true
	assert.NoError(t, f.svc.CancelRun(ctx, "run-1", "op"))

	assert.Equal(t, []string{audit.ActionAgentDisable, audit.ActionAgentEnable, audit.ActionRunCancel}, f.auditLog.actions())
}

func TestTriggerScheduled(t *testing.T) {
	f := newServiceFixture(t)
	runs := f.svc.TriggerScheduled(context.Background())
	require.Len(t, runs, 1)
	assert.Equal(t, agentCron, runs[0].AgentID)
	assert.NotEmpty(t, runs[0].RunID)
	require.Len(t, f.disp.jobs, 1)
	assert.Equal(t, domain.TriggerCron, f.disp.jobs[0].Trigger)

	f.toggler.disabled[agentCron] = true
	assert.Empty(t, f.svc.TriggerScheduled(context.Background()))
}

// Сквозной сценарий: 5 неудачных запусков размыкают цепь, шестой отклоняется
// без вызова агента, ручной сброс снова пускает агента.
func TestEndToEnd_BreakerTripsAndResets(t *testing.T) {
	store := newMemStore()
	sw := &memToggler{disabled: map[string]bool{}}
	catalog := newTestCatalog(t, sw)
	breaker := engine.NewBreaker(engine.NewMemoryBreakerStore(), engine.BreakerSettings{FailureThreshold: 5, Cooldown: time.Hour}, zap.NewNop())
	exec := engine.NewExecutor(engine.ExecutorConfig{MaxRetries: 1, Backoff: engine.BackoffFixed, BaseDelay: time.Millisecond}, engine.ExecutorDeps{
		Breaker: breaker,
		Agents:  catalog,
		Runs:    store,
		Logger:  zap.NewNop(),
	})
	disp := engine.NewDispatcher(exec, 1, 10, nil, zap.NewNop())
	disp.Start()
	t.Cleanup(func() { _ = disp.Stop(context.Background()) })

	svc := NewAgentService(AgentServiceDeps{
		Agents: catalog, Runs: store, Dispatcher: disp, Breaker: breaker, Switch: sw, Logger: zap.NewNop(),
	})
	ctx := context.Background()

	runOnce := func() *domain.AgentRun {
		run, err := svc.Trigger(ctx, TriggerRequest{AgentID: agentBroken})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return store.runStatus(run.ID).Terminal() }, 2*time.Second, 5*time.Millisecond)
		return run
	}

	for i := 0; i < 5; i++ {
		runOnce()
	}
	assert.False(t, breaker.CanExecute(ctx, agentBroken))

	refused := runOnce()
	details, events, err := store.GetRun(ctx, refused.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, details.Status)
	assert.Contains(t, string(details.ErrorDetails), "circuit breaker open")
	assert.Equal(t, domain.EventCircuitOpen, events[len(events)-1].Type)

	_, err = svc.CircuitBreakerAdmin(ctx, agentBroken, "reset", "op")
	require.NoError(t, err)
	assert.True(t, breaker.CanExecute(ctx, agentBroken))
}
