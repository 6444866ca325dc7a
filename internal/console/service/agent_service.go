package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/advocacy-ops/internal/audit"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/engine"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

// RunRepository — журнал запусков (postgres.AgentRepo).
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.AgentRun) error
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, output, errorDetails json.RawMessage) (bool, error)
	AppendEvent(ctx context.Context, e *domain.AgentEvent) error
	GetRun(ctx context.Context, runID string) (*domain.AgentRun, []domain.AgentEvent, error)
}

type DashboardRepository interface {
	GetDashboardStats(ctx context.Context) (*domain.DashboardStats, error)
}

// AgentCatalog — реестр агентов (agents.Registry).
type AgentCatalog interface {
	Describe(agentID string) (domain.AgentInfo, bool)
	List() []domain.AgentInfo
	ValidateInput(agentID string, input json.RawMessage) error
}

type RunDispatcher interface {
	Submit(job engine.Job) error
	Cancel(runID string) bool
}

type CircuitBreaker interface {
	Snapshot(ctx context.Context, agentID string) domain.CircuitState
	Reset(ctx context.Context, agentID string)
}

// AgentToggler — рубильник агентов (engine.AgentSwitch).
type AgentToggler interface {
	SetEnabled(ctx context.Context, agentID string, enabled bool) error
}

type AgentServiceDeps struct {
	Agents     AgentCatalog
	Runs       RunRepository       // nil — база не настроена
	Dashboard  DashboardRepository // nil — база не настроена
	Dispatcher RunDispatcher
	Breaker    CircuitBreaker
	Switch     AgentToggler
	Auditor    audit.Auditor
	Logger     *zap.Logger
}

// AgentService — запуск агентов и операционные ручки вокруг предохранителя.
type AgentService struct {
	agents     AgentCatalog
	runs       RunRepository
	dashboard  DashboardRepository
	dispatcher RunDispatcher
	breaker    CircuitBreaker
	sw         AgentToggler
	auditor    audit.Auditor
	logger     *zap.Logger
	now        func() time.Time
}

func NewAgentService(deps AgentServiceDeps) *AgentService {
	return &AgentService{
		agents:     deps.Agents,
		runs:       deps.Runs,
		dashboard:  deps.Dashboard,
		dispatcher: deps.Dispatcher,
		breaker:    deps.Breaker,
		sw:         deps.Switch,
		auditor:    deps.Auditor,
		logger:     deps.Logger.Named("agent-service"),
		now:        time.Now,
	}
}

type TriggerRequest struct {
	AgentID     string
	TriggeredBy string
	TriggerType domain.TriggerType
	InputData   json.RawMessage
}

// Trigger создает запуск в статусе pending и отдает его пулу исполнителей.
// Ошибки самого исполнения сюда не возвращаются: вызывающий получает runId сразу.
func (s *AgentService) Trigger(ctx context.Context, req TriggerRequest) (*domain.AgentRun, error) {
	if req.AgentID == "" {
		return nil, domain.NewValidationError("agentId", "is required")
	}
	info, ok := s.agents.Describe(req.AgentID)
	if !ok {
		return nil, domain.NewValidationError("agentId", fmt.Sprintf("unknown agent %s", req.AgentID))
	}
	if !info.Enabled {
		return nil, domain.NewValidationError("agentId", fmt.Sprintf("agent %s is disabled", req.AgentID))
	}
	if !info.Configured {
		return nil, domain.NewValidationError("agentId", fmt.Sprintf("agent %s is not available: required service not configured", req.AgentID))
	}
	if err := s.agents.ValidateInput(req.AgentID, req.InputData); err != nil {
		return nil, err
	}
	if s.runs == nil {
		return nil, fmt.Errorf("run store: %w", domain.ErrNotConfigured)
	}

	if req.TriggerType == "" {
		req.TriggerType = domain.TriggerManual
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "console"
	}
	input := req.InputData
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}
	digest, err := infra.DigestJSON(input)
	if err != nil {
		return nil, domain.NewValidationError("inputData", err.Error())
	}

	run := &domain.AgentRun{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		Status:      domain.RunPending,
		TriggeredBy: req.TriggeredBy,
		TriggerType: req.TriggerType,
		InputData:   input,
		InputDigest: digest,
		StartedAt:   s.now(),
	}
	log := s.logger.With(zap.String("agent_id", run.AgentID), zap.String("run_id", run.ID))

	if err := s.runs.CreateRun(ctx, run); err != nil {
		log.Error("failed to create run", zap.Error(err))
		return nil, &domain.PersistenceError{Op: "create_run", Err: err}
	}
	if err := s.runs.AppendEvent(ctx, &domain.AgentEvent{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		AgentID:   run.AgentID,
		Type:      domain.EventQueued,
		Message:   "queued by " + run.TriggeredBy,
		CreatedAt: s.now(),
	}); err != nil {
		log.Warn("failed to record queued event", zap.Error(err))
	}

	err = s.dispatcher.Submit(engine.Job{RunID: run.ID, AgentID: run.AgentID, Trigger: run.TriggerType, Input: input})
	if err != nil {
		// Запуск уже создан: закрываем его, чтобы не висел в pending
		log.Error("run rejected by dispatcher", zap.Error(err))
		reason := "queue full"
		if !errors.Is(err, domain.ErrQueueFull) {
			reason = err.Error()
		}
		details, _ := json.Marshal(map[string]string{"kind": "dispatch", "error": reason})
		if _, cerr := s.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, domain.RunFailed, nil, details); cerr != nil {
			log.Error("failed to mark rejected run", zap.Error(cerr))
		}
		return nil, err
	}

	s.audit(ctx, audit.AuditEvent{
		Actor:      run.TriggeredBy,
		Action:     audit.ActionRunTrigger,
		EntityType: "run",
		EntityID:   run.ID,
		AgentID:    run.AgentID,
	})
	log.Info("run queued", zap.String("trigger", string(run.TriggerType)))
	return run, nil
}

// Availability отвечает на GET /agents/trigger.
func (s *AgentService) Availability(agentID string) (*domain.AgentAvailability, error) {
	if agentID == "" {
		return nil, domain.NewValidationError("agentId", "is required")
	}
	info, ok := s.agents.Describe(agentID)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "agent", ID: agentID}
	}
	return &domain.AgentAvailability{
		Available: info.Enabled && info.Configured,
		AgentID:   info.ID,
		Name:      info.Name,
		Enabled:   info.Enabled,
	}, nil
}

// Health собирает сводку по всем агентам реестра.
func (s *AgentService) Health(ctx context.Context) []domain.AgentHealth {
	list := s.agents.List()
	out := make([]domain.AgentHealth, 0, len(list))
	for _, info := range list {
		st := s.breaker.Snapshot(ctx, info.ID)
		out = append(out, domain.AgentHealth{
			AgentID: info.ID,
			Name:    info.Name,
			Health:  healthOf(info, st),
			CircuitBreaker: domain.BreakerSummary{
				State:    st.State,
				Failures: st.FailureCount,
			},
		})
	}
	return out
}

func healthOf(info domain.AgentInfo, st domain.CircuitState) string {
	switch {
	case !info.Enabled:
		return "disabled"
	case st.State == domain.BreakerOpen:
		return "unhealthy"
	case st.State == domain.BreakerHalfOpen, st.FailureCount > 0, !info.Configured:
		return "degraded"
	}
	return "healthy"
}

type BreakerStatus struct {
	AgentID  string              `json:"agentId"`
	State    domain.BreakerState `json:"state"`
	Failures int                 `json:"failures"`
}

// CircuitBreakerAdmin — action: status | reset.
func (s *AgentService) CircuitBreakerAdmin(ctx context.Context, agentID, action, actor string) (*BreakerStatus, error) {
	if agentID == "" {
		return nil, domain.NewValidationError("agentId", "is required")
	}
	if action != "status" && action != "reset" {
		return nil, domain.NewValidationError("action", fmt.Sprintf("invalid action %q: expected reset or status", action))
	}
	if _, ok := s.agents.Describe(agentID); !ok {
		return nil, &domain.NotFoundError{Kind: "agent", ID: agentID}
	}

	if action == "reset" {
		before := s.breaker.Snapshot(ctx, agentID)
		s.breaker.Reset(ctx, agentID)
		details, _ := json.Marshal(map[string]any{"previousState": before.State, "previousFailures": before.FailureCount})
		s.audit(ctx, audit.AuditEvent{
			Actor:      actor,
			Action:     audit.ActionBreakerReset,
			EntityType: "agent",
			EntityID:   agentID,
			AgentID:    agentID,
			Details:    details,
		})
		s.logger.Info("circuit breaker reset", zap.String("agent_id", agentID), zap.String("actor", actor))
	}

	st := s.breaker.Snapshot(ctx, agentID)
	return &BreakerStatus{AgentID: agentID, State: st.State, Failures: st.FailureCount}, nil
}

// SetAgentEnabled переключает агента на всех инстансах.
func (s *AgentService) SetAgentEnabled(ctx context.Context, agentID string, enabled bool, actor string) (*domain.AgentInfo, error) {
	if _, ok := s.agents.Describe(agentID); !ok {
		return nil, &domain.NotFoundError{Kind: "agent", ID: agentID}
	}
	if s.sw == nil {
		return nil, fmt.Errorf("agent switch: %w", domain.ErrNotConfigured)
	}
	if err := s.sw.SetEnabled(ctx, agentID, enabled); err != nil {
		s.logger.Error("failed to toggle agent", zap.String("agent_id", agentID), zap.Bool("enabled", enabled), zap.Error(err))
		return nil, err
	}

	action := audit.ActionAgentDisable
	if enabled {
		action = audit.ActionAgentEnable
	}
	s.audit(ctx, audit.AuditEvent{Actor: actor, Action: action, EntityType: "agent", EntityID: agentID, AgentID: agentID})

	info, _ := s.agents.Describe(agentID)
	return &info, nil
}

// CancelRun взводит флаг отмены; исполнитель проверяет его между попытками.
func (s *AgentService) CancelRun(ctx context.Context, runID, actor string) error {
	if !s.dispatcher.Cancel(runID) {
		return &domain.NotFoundError{Kind: "in-flight run", ID: runID}
	}
	s.audit(ctx, audit.AuditEvent{Actor: actor, Action: audit.ActionRunCancel, EntityType: "run", EntityID: runID})
	s.logger.Info("run cancellation requested", zap.String("run_id", runID), zap.String("actor", actor))
	return nil
}

type RunDetails struct {
	Run    *domain.AgentRun    `json:"run"`
	Events []domain.AgentEvent `json:"events"`
}

func (s *AgentService) GetRun(ctx context.Context, runID string) (*RunDetails, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run store: %w", domain.ErrNotConfigured)
	}
	run, events, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetails{Run: run, Events: events}, nil
}

type ScheduledRun struct {
	AgentID string `json:"agentId"`
	RunID   string `json:"runId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TriggerScheduled запускает все включенные плановые агенты (POST /agents/cron).
// Отказ одного агента не мешает остальным.
func (s *AgentService) TriggerScheduled(ctx context.Context) []ScheduledRun {
	out := make([]ScheduledRun, 0)
	for _, info := range s.agents.List() {
		if !info.Scheduled || !info.Enabled {
			continue
		}
		res := ScheduledRun{AgentID: info.ID}
		run, err := s.Trigger(ctx, TriggerRequest{AgentID: info.ID, TriggeredBy: "cron", TriggerType: domain.TriggerCron})
		if err != nil {
			res.Error = err.Error()
			s.logger.Warn("scheduled trigger failed", zap.String("agent_id", info.ID), zap.Error(err))
		} else {
			res.RunID = run.ID
		}
		out = append(out, res)
	}
	s.audit(ctx, audit.AuditEvent{Actor: "cron", Action: audit.ActionScheduledBatch, EntityType: "agent"})
	return out
}

// DashboardStats: сводка из базы плюс разомкнутые цепи.
func (s *AgentService) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	if s.dashboard == nil {
		return nil, fmt.Errorf("dashboard: %w", domain.ErrNotConfigured)
	}
	stats, err := s.dashboard.GetDashboardStats(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range s.agents.List() {
		if s.breaker.Snapshot(ctx, info.ID).State == domain.BreakerOpen {
			stats.OpenCircuits = append(stats.OpenCircuits, info.ID)
		}
	}
	return stats, nil
}

func (s *AgentService) audit(ctx context.Context, e audit.AuditEvent) {
	if s.auditor == nil {
		return
	}
	e.TraceID = engine.TraceID(ctx)
	s.auditor.Log(e)
}
