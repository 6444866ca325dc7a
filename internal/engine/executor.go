package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RunStore — то, что исполнителю нужно от хранилища запусков.
// CompleteRun меняет статус только у нетерминального запуска и сообщает, была ли запись.
type RunStore interface {
	MarkRunning(ctx context.Context, runID string) error
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, output, errorDetails json.RawMessage) (bool, error)
	AppendEvent(ctx context.Context, e *domain.AgentEvent) error
}

type ApprovalCreator interface {
	CreateApproval(ctx context.Context, item *domain.ApprovalItem) error
}

// Notifier — уведомления людей (WhatsApp). Всегда best-effort.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type AgentLookup interface {
	Runner(agentID string) (domain.AgentFunc, bool)
}

type ExecutorConfig struct {
	MaxRetries     int
	Backoff        string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// ExecutorDeps: зависимости исполнителя. Approvals, Notifier, Bus и Metrics опциональны.
type ExecutorDeps struct {
	Breaker   *Breaker
	Agents    AgentLookup
	Runs      RunStore
	Approvals ApprovalCreator
	Notifier  Notifier
	Bus       EventBus
	Metrics   *Metrics
	Logger    *zap.Logger
}

// Executor исполняет один запуск агента: предохранитель, ограниченные ретраи,
// журнал событий и единственная терминальная запись статуса.
type Executor struct {
	cfg       ExecutorConfig
	breaker   *Breaker
	agents    AgentLookup
	runs      RunStore
	approvals ApprovalCreator
	notifier  Notifier
	bus       EventBus
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewExecutor(cfg ExecutorConfig, deps ExecutorDeps) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == "" {
		cfg.Backoff = BackoffExponential
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Executor{
		cfg:       cfg,
		breaker:   deps.Breaker,
		agents:    deps.Agents,
		runs:      deps.Runs,
		approvals: deps.Approvals,
		notifier:  deps.Notifier,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("executor"),
		now:       time.Now,
	}
}

// ExecuteWithCircuitBreaker проводит полный цикл одного запуска.
// Ошибки: *domain.CircuitOpenError, *domain.AgentExecutionError, context.Canceled.
// Сбои записи в хранилище только логируются.
func (e *Executor) ExecuteWithCircuitBreaker(ctx context.Context, agentID, runID string, trigger domain.TriggerType, input json.RawMessage) (domain.AgentOutput, error) {
	log := e.logger.With(
		zap.String("agent_id", agentID),
		zap.String("run_id", runID),
		zap.String("trigger", string(trigger)))
	start := e.now()
	pctx := context.WithoutCancel(ctx)

	// Запуск отменили, пока он стоял в очереди
	if err := ctx.Err(); err != nil {
		e.appendEvent(pctx, log, runID, agentID, domain.EventCancelled, 0, "run cancelled before start", nil)
		e.complete(pctx, log, agentID, runID, domain.RunCancelled, nil, errorDetails("cancelled", err.Error(), 0), start)
		return domain.AgentOutput{}, err
	}

	// 1. Предохранитель: агент не вызывается вовсе
	if !e.breaker.CanExecute(pctx, agentID) {
		e.metrics.ErrorTotal.WithLabelValues("circuit_open").Inc()
		e.appendEvent(pctx, log, runID, agentID, domain.EventCircuitOpen, 0, "circuit breaker open", nil)
		e.complete(pctx, log, agentID, runID, domain.RunFailed, nil, errorDetails("circuit_open", "circuit breaker open", 0), start)
		log.Warn("run refused: circuit breaker open")
		return domain.AgentOutput{}, &domain.CircuitOpenError{AgentID: agentID}
	}

	agent, ok := e.agents.Runner(agentID)
	if !ok {
		err := &domain.NotFoundError{Kind: "agent", ID: agentID}
		e.complete(pctx, log, agentID, runID, domain.RunFailed, nil, errorDetails("unknown_agent", err.Error(), 0), start)
		return domain.AgentOutput{}, err
	}

	if err := e.runs.MarkRunning(pctx, runID); err != nil {
		e.persistenceFailed(log, "mark_running", err)
	}
	e.publishStatus(pctx, log, runID, agentID, domain.RunRunning)
	e.appendEvent(pctx, log, runID, agentID, domain.EventStarted, 0, "run started", nil)

	// 2. Ограниченные ретраи
	var (
		out       domain.AgentOutput
		lastErr   error
		attempts  int
		succeeded bool
		tripped   bool
		permanent string
	)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(e.cfg.MaxRetries)),
		retry.Delay(e.cfg.BaseDelay),
		retry.MaxDelay(e.cfg.MaxDelay),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if e.cfg.Backoff == BackoffFixed {
				return e.cfg.BaseDelay
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	_ = r.Do(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Повтор только при замкнутой цепи: пробный запуск half_open единственный
		if attempts > 0 && e.breaker.GetState(pctx, agentID) != domain.BreakerClosed {
			tripped = true
			return retry.Unrecoverable(&domain.CircuitOpenError{AgentID: agentID})
		}
		attempts++

		res, err := e.invoke(ctx, agent, input)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				// Отмена — не вина агента, предохранитель не трогаем
				return err
			}
			if kind := permanentKind(err); kind != "" {
				// Повтор не поможет, и агент тут ни при чем
				permanent = kind
				e.metrics.AttemptsTotal.WithLabelValues(agentID, "rejected").Inc()
				log.Warn("agent attempt rejected", zap.Int("attempt", attempts), zap.String("kind", kind), zap.Error(err))
				return retry.Unrecoverable(err)
			}
			e.metrics.AttemptsTotal.WithLabelValues(agentID, "error").Inc()
			e.breaker.RecordFailure(pctx, agentID)

			msg := fmt.Sprintf("attempt %d failed, retrying", attempts)
			if attempts >= e.cfg.MaxRetries {
				msg = fmt.Sprintf("attempt %d failed, retries exhausted", attempts)
			}
			e.appendEvent(pctx, log, runID, agentID, domain.EventRetried, attempts, msg, errorData(err))
			log.Warn("agent attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}

		out = res
		succeeded = true
		e.metrics.AttemptsTotal.WithLabelValues(agentID, "ok").Inc()
		e.appendEvent(pctx, log, runID, agentID, domain.EventAttemptSucceeded, attempts, "attempt succeeded", nil)
		return nil
	})

	switch {
	case succeeded:
		e.breaker.RecordSuccess(pctx, agentID)
		e.complete(pctx, log, agentID, runID, domain.RunSuccess, out.Result, nil, start)
		e.appendEvent(pctx, log, runID, agentID, domain.EventSucceeded, attempts, "run succeeded", nil)
		if out.Approval != nil {
			e.requestApproval(pctx, log, agentID, runID, out.Approval)
		}
		log.Info("run succeeded", zap.Int("attempts", attempts))
		return out, nil

	case ctx.Err() != nil:
		reason := ctx.Err().Error()
		e.appendEvent(pctx, log, runID, agentID, domain.EventCancelled, attempts, "run cancelled", nil)
		e.complete(pctx, log, agentID, runID, domain.RunCancelled, nil, errorDetails("cancelled", reason, attempts), start)
		log.Info("run cancelled", zap.Int("attempts", attempts))
		return domain.AgentOutput{}, ctx.Err()

	case tripped:
		// Цепь разомкнулась посреди запуска
		e.metrics.ErrorTotal.WithLabelValues("circuit_open").Inc()
		e.appendEvent(pctx, log, runID, agentID, domain.EventCircuitOpen, attempts, "circuit breaker opened, retries stopped", errorData(lastErr))
		e.complete(pctx, log, agentID, runID, domain.RunFailed, nil, errorDetails("circuit_open", errString(lastErr), attempts), start)
		log.Warn("run stopped: circuit breaker opened", zap.Int("attempts", attempts), zap.Error(lastErr))
		return domain.AgentOutput{}, &domain.AgentExecutionError{AgentID: agentID, Attempts: attempts, Err: lastErr}

	default:
		kind := "agent_execution"
		if permanent != "" {
			kind = permanent
		}
		execErr := &domain.AgentExecutionError{AgentID: agentID, Attempts: attempts, Err: lastErr}
		e.complete(pctx, log, agentID, runID, domain.RunFailed, nil, errorDetails(kind, errString(lastErr), attempts), start)
		e.appendEvent(pctx, log, runID, agentID, domain.EventFailed, attempts, "run failed", errorData(lastErr))
		log.Error("run failed", zap.Int("attempts", attempts), zap.String("kind", kind), zap.Error(lastErr))
		return domain.AgentOutput{}, execErr
	}
}

// permanentKind классифицирует ошибки, которые не лечатся повтором.
// Пустая строка: ошибка временная.
func permanentKind(err error) string {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		return "validation"
	case errors.Is(err, domain.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return ""
}

func (e *Executor) invoke(ctx context.Context, agent domain.AgentFunc, input json.RawMessage) (out domain.AgentOutput, err error) {
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panic: %v", rec)
		}
	}()
	return agent(ctx, input)
}

// complete — единственная терминальная запись статуса. Повторная запись игнорируется хранилищем.
func (e *Executor) complete(ctx context.Context, log *zap.Logger, agentID, runID string, status domain.RunStatus, output, details json.RawMessage, start time.Time) {
	e.metrics.RunsTotal.WithLabelValues(agentID, string(status)).Inc()
	e.metrics.RunDuration.WithLabelValues(agentID, string(status)).Observe(e.now().Sub(start).Seconds())

	updated, err := e.runs.CompleteRun(ctx, runID, status, output, details)
	if err != nil {
		e.persistenceFailed(log, "complete_run", err)
		return
	}
	if !updated {
		log.Warn("run already terminal, status change ignored", zap.String("status", string(status)))
		return
	}
	e.publishStatus(ctx, log, runID, agentID, status)
}

func (e *Executor) appendEvent(ctx context.Context, log *zap.Logger, runID, agentID string, typ domain.EventType, attempt int, msg string, data json.RawMessage) {
	ev := &domain.AgentEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		AgentID:   agentID,
		Type:      typ,
		Attempt:   attempt,
		Message:   msg,
		Data:      data,
		CreatedAt: e.now(),
	}
	if err := e.runs.AppendEvent(ctx, ev); err != nil {
		e.persistenceFailed(log, "append_event", err)
		return
	}
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(ev)
	if err := e.bus.Publish(ctx, domain.StreamMessage{
		Type:      domain.StreamAgentEvent,
		RunID:     runID,
		AgentID:   agentID,
		Data:      payload,
		Timestamp: ev.CreatedAt,
	}); err != nil {
		log.Debug("stream publish failed", zap.Error(err))
	}
}

func (e *Executor) publishStatus(ctx context.Context, log *zap.Logger, runID, agentID string, status domain.RunStatus) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"status": string(status)})
	if err := e.bus.Publish(ctx, domain.StreamMessage{
		Type:      domain.StreamStatusChange,
		RunID:     runID,
		AgentID:   agentID,
		Data:      payload,
		Timestamp: e.now(),
	}); err != nil {
		log.Debug("stream publish failed", zap.Error(err))
	}
}

// requestApproval ставит результат агента в очередь на ревью и будит людей.
func (e *Executor) requestApproval(ctx context.Context, log *zap.Logger, agentID, runID string, req *domain.ApprovalRequest) {
	if e.approvals == nil {
		log.Warn("agent requested approval but approval gate is not configured")
		return
	}
	if !req.ItemType.Valid() || req.ItemID == "" {
		log.Error("agent requested approval with invalid item",
			zap.String("item_type", string(req.ItemType)),
			zap.String("item_id", req.ItemID))
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	item := &domain.ApprovalItem{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		RunID:     runID,
		ItemType:  req.ItemType,
		ItemID:    req.ItemID,
		Status:    domain.StatusPending,
		Priority:  priority,
		Payload:   req.Payload,
		CreatedAt: e.now(),
	}
	if err := e.approvals.CreateApproval(ctx, item); err != nil {
		e.persistenceFailed(log, "create_approval", err)
		return
	}
	log.Info("approval requested",
		zap.String("approval_id", item.ID),
		zap.String("item_type", string(item.ItemType)),
		zap.String("priority", string(item.Priority)))

	if e.notifier == nil {
		return
	}
	msg := fmt.Sprintf("New %s review (%s priority) requested by %s for %s", item.ItemType, item.Priority, agentID, item.ItemID)
	if err := e.notifier.Notify(ctx, msg); err != nil {
		e.metrics.ErrorTotal.WithLabelValues("upstream").Inc()
		log.Warn("reviewer notification failed", zap.Error(err))
	}
}

func (e *Executor) persistenceFailed(log *zap.Logger, op string, err error) {
	e.metrics.ErrorTotal.WithLabelValues("persistence").Inc()
	log.Error("persistence error", zap.Error(&domain.PersistenceError{Op: op, Err: err}))
}

func errorDetails(kind, msg string, attempts int) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"kind":     kind,
		"error":    msg,
		"attempts": attempts,
	})
	return data
}

func errorData(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": errString(err)})
	return data
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
