package engine

/*
Dispatcher — пул воркеров для фоновых запусков агентов.

- Submit не блокируется: при переполненной очереди вызывающий сразу получает
  domain.ErrQueueFull (backpressure вместо бесконечного роста памяти).
- Каждый запуск получает собственный контекст, Cancel(runID) отменяет его
  и в очереди, и во время исполнения.
- Stop закрывает очередь и дожидается, пока воркеры дочитают остатки (Drain).
  Если контекст остановки истек раньше, все активные запуски отменяются.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

var ErrDispatcherStopped = errors.New("dispatcher is stopped")

type RunExecutor interface {
	ExecuteWithCircuitBreaker(ctx context.Context, agentID, runID string, trigger domain.TriggerType, input json.RawMessage) (domain.AgentOutput, error)
}

type Job struct {
	RunID   string
	AgentID string
	Trigger domain.TriggerType
	Input   json.RawMessage
}

type queuedJob struct {
	Job
	ctx context.Context
}

type Dispatcher struct {
	exec    RunExecutor
	workers int
	queue   chan queuedJob
	metrics *Metrics
	logger  *zap.Logger

	baseCtx context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewDispatcher(exec RunExecutor, workers, queueSize int, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		exec:    exec,
		workers: workers,
		queue:   make(chan queuedJob, queueSize),
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "dispatcher")),
		baseCtx: ctx,
		stopAll: cancel,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.workers), zap.Int("queue", cap(d.queue)))
}

// Submit ставит запуск в очередь. Ошибки: domain.ErrQueueFull, ErrDispatcherStopped.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherStopped
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	select {
	case d.queue <- queuedJob{Job: job, ctx: ctx}:
		d.cancels[job.RunID] = cancel
		d.metrics.RunQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		cancel()
		d.metrics.ErrorTotal.WithLabelValues("dispatch").Inc()
		d.logger.Warn("run queue is full", zap.String("run_id", job.RunID), zap.String("agent_id", job.AgentID))
		return domain.ErrQueueFull
	}
}

// Cancel отменяет запуск из очереди или в исполнении. false — запуск уже завершен или неизвестен.
func (d *Dispatcher) Cancel(runID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[runID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	d.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return true
}

// Stop — Drain Pattern: запрещаем новые запуски и ждем вычитки очереди.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher: draining run queue...")
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stopAll()
		d.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		// Не успели: отменяем всё, запуски завершатся статусом cancelled
		d.stopAll()
		<-done
		d.logger.Warn("dispatcher stopped with cancelled runs")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.metrics.RunQueueDepth.Set(float64(len(d.queue)))
		d.run(job)
	}
}

func (d *Dispatcher) run(job queuedJob) {
	defer func() {
		d.mu.Lock()
		if cancel, ok := d.cancels[job.RunID]; ok {
			cancel()
			delete(d.cancels, job.RunID)
		}
		d.mu.Unlock()
	}()

	// Ошибка уже записана в запуск и залогирована исполнителем
	_, _ = d.exec.ExecuteWithCircuitBreaker(job.ctx, job.AgentID, job.RunID, job.Trigger, job.Input)
}
