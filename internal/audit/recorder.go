package audit

/*
Recorder — журнал действий операторов (audit_logs).

- Non-blocking: Log никогда не ждет БД, событие уходит в буферизированный канал.
  Решение ревьюера уже зафиксировано транзакцией, аудит не должен его тормозить.
- Batching: пакетная запись (COPY) по таймеру или при наборе batchSize событий.
- Drain Pattern: Stop закрывает вход и ждет, пока воркер допишет остатки.
- Load Shedding: при переполнении буфера событие уходит в лог, а не блокирует запрос.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

// Auditor нужен сервисам для записи событий.
type Auditor interface {
	Log(event AuditEvent)
}

// Gauge — заполненность буфера (prometheus.Gauge).
type Gauge interface {
	Set(float64)
}

const batchSize = 100

type Recorder struct {
	ch       chan AuditEvent
	repo     StorageInterface
	interval time.Duration
	fill     Gauge
	logger   *zap.Logger
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(repo StorageInterface, bufferSize int, interval time.Duration, fill Gauge, logger *zap.Logger) *Recorder {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Recorder{
		ch:       make(chan AuditEvent, bufferSize),
		repo:     repo,
		interval: interval,
		fill:     fill,
		logger:   logger.With(zap.String("mod", "audit")),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(r.ch)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("auditor stopped gracefully")
}

func (r *Recorder) Log(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// RLock держит Stop от закрытия канала, пока идет неблокирующая отправка
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("audit event dropped: auditor is stopping",
			zap.String("action", event.Action),
			zap.String("entity_id", event.EntityID))
		return
	}

	select {
	case r.ch <- event:
		r.observeFill()
	default:
		// Backpressure: событие не теряется бесследно, остается в логах
		r.logger.Error("audit_buffer_overflow",
			zap.String("trace_id", event.TraceID),
			zap.String("actor", event.Actor),
			zap.String("action", event.Action),
			zap.String("entity_id", event.EntityID))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]AuditEvent, 0, batchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст при остановке уже закрыт
		if err := r.repo.WriteBatch(context.Background(), batch); err != nil {
			r.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		r.observeFill()
	}

	for {
		select {
		case event, ok := <-r.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				r.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) observeFill() {
	if r.fill != nil {
		r.fill.Set(float64(len(r.ch)))
	}
}
