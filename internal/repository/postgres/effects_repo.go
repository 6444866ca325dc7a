package postgres

/*
Файл effects_repo.go — применение одобрений к доменным таблицам.
Эффект только обновляет существующую строку и идемпотентен: applied_key хранит ключ,
с которым эффект уже применен, повторный вызов с тем же ключом ничего не меняет.
Строки нет — *domain.NotFoundError, outbox ретраит и в итоге эскалирует задачу.
*/

import (
	"context"
	"fmt"

	"github.com/xela07ax/advocacy-ops/internal/domain"
)

// EffectsRepo реализует engine.EffectApplier.
type EffectsRepo struct {
	repo *AgentRepo
}

func NewEffectsRepo(repo *AgentRepo) *EffectsRepo {
	return &EffectsRepo{repo: repo}
}

func (e *EffectsRepo) Apply(ctx context.Context, job domain.OutboxJob) error {
	var table, query string
	switch job.ItemType {
	case domain.ItemPolicyUpdate:
		table = "policy_updates"
		query = `
			UPDATE policy_updates SET status = 'reviewed', reviewed_at = NOW(), applied_key = $2
			WHERE id = $1 AND applied_key IS DISTINCT FROM $2`
	case domain.ItemGrant:
		table = "grants"
		query = `
			UPDATE grants SET fraud_check_status = 'approved', fraud_checked_at = NOW(), applied_key = $2
			WHERE id = $1 AND applied_key IS DISTINCT FROM $2`
	case domain.ItemMilestone:
		table = "milestones"
		query = `
			UPDATE milestones SET verified = TRUE, verified_at = NOW(), applied_key = $2
			WHERE id = $1 AND applied_key IS DISTINCT FROM $2`
	default:
		return domain.NewValidationError("itemType", fmt.Sprintf("unsupported item type %q", job.ItemType))
	}

	tag, err := e.repo.pool.Exec(ctx, query, job.ItemID, job.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("postgres: apply %s %s: %w", job.ItemType, job.ItemID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// 0 строк: либо эффект с этим ключом уже применен, либо строки нет
	var exists bool
	if err := e.repo.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, job.ItemID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check %s %s: %w", job.ItemType, job.ItemID, err)
	}
	if !exists {
		return &domain.NotFoundError{Kind: string(job.ItemType), ID: job.ItemID}
	}
	return nil
}
