package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"go.uber.org/zap"
)

// OutboxStore — очередь побочных эффектов одобрений.
// ClaimDueJobs забирает задачи так, чтобы два инстанса не взяли одну и ту же (SKIP LOCKED).
type OutboxStore interface {
	ClaimDueJobs(ctx context.Context, limit int, now time.Time) ([]domain.OutboxJob, error)
	MarkJobDone(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID string, attempts int, lastErr string, next time.Time, dead bool) error
}

// EffectApplier применяет решение к доменной таблице. Повторный вызов с тем же ключом безопасен.
type EffectApplier interface {
	Apply(ctx context.Context, job domain.OutboxJob) error
}

type OutboxConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// OutboxRelay доводит одобрения до доменных таблиц, если инлайн-попытка не удалась.
// Задача, исчерпавшая попытки, помечается dead и эскалируется людям.
type OutboxRelay struct {
	store    OutboxStore
	applier  EffectApplier
	notifier Notifier
	cfg      OutboxConfig
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewOutboxRelay(store OutboxStore, applier EffectApplier, notifier Notifier, cfg OutboxConfig, metrics *Metrics, logger *zap.Logger) *OutboxRelay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Minute
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &OutboxRelay{
		store:    store,
		applier:  applier,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.Named("outbox"),
		now:      time.Now,
	}
}

// Run опрашивает очередь до отмены контекста.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.ProcessOnce(ctx); err != nil {
				r.logger.Error("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce обрабатывает одну пачку due-задач и возвращает число успешных.
func (r *OutboxRelay) ProcessOnce(ctx context.Context) (int, error) {
	jobs, err := r.store.ClaimDueJobs(ctx, r.cfg.BatchSize, r.now())
	if err != nil {
		return 0, fmt.Errorf("outbox: claim jobs: %w", err)
	}

	done := 0
	for _, job := range jobs {
		log := r.logger.With(
			zap.String("job_id", job.ID),
			zap.String("approval_id", job.ApprovalID),
			zap.String("item_type", string(job.ItemType)),
			zap.String("item_id", job.ItemID))

		applyErr := r.applier.Apply(ctx, job)
		if applyErr == nil {
			if err := r.store.MarkJobDone(ctx, job.ID); err != nil {
				log.Error("outbox mark done failed", zap.Error(err))
				continue
			}
			done++
			log.Info("approval side effect applied", zap.Int("attempt", job.Attempts+1))
			continue
		}

		attempts := job.Attempts + 1
		dead := attempts >= r.cfg.MaxAttempts
		next := r.now().Add(r.backoff(attempts))
		if err := r.store.MarkJobFailed(ctx, job.ID, attempts, applyErr.Error(), next, dead); err != nil {
			log.Error("outbox mark failed failed", zap.Error(err))
			continue
		}

		if !dead {
			log.Warn("approval side effect failed, will retry",
				zap.Int("attempt", attempts),
				zap.Time("next_attempt_at", next),
				zap.Error(applyErr))
			continue
		}
		r.escalate(ctx, log, job, attempts, applyErr)
	}
	return done, nil
}

// backoff: base * 2^(attempts-1), не больше MaxDelay.
func (r *OutboxRelay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	return d
}

func (r *OutboxRelay) escalate(ctx context.Context, log *zap.Logger, job domain.OutboxJob, attempts int, cause error) {
	r.metrics.OutboxDeadTotal.Inc()
	log.Error("approval side effect abandoned: manual intervention required",
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if r.notifier == nil {
		return
	}
	msg := fmt.Sprintf("ALERT: approved %s %s could not be applied after %d attempts: %v",
		job.ItemType, job.ItemID, attempts, cause)
	if err := r.notifier.Notify(ctx, msg); err != nil {
		log.Warn("escalation notification failed", zap.Error(err))
	}
}
