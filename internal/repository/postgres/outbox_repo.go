package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/advocacy-ops/internal/domain"
)

// claimLease — на сколько задача «прячется» от других инстансов, пока ее применяют.
const claimLease = time.Minute

// ClaimDueJobs забирает созревшие задачи. SKIP LOCKED + сдвиг next_attempt_at
// не дают двум инстансам применить одну задачу одновременно.
func (r *AgentRepo) ClaimDueJobs(ctx context.Context, limit int, now time.Time) ([]domain.OutboxJob, error) {
	query := `
		UPDATE outbox_jobs SET next_attempt_at = $3
		WHERE id IN (
			SELECT id FROM outbox_jobs
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, approval_id, item_type, item_id, idempotency_key, status, attempts, last_error, next_attempt_at, created_at`

	rows, err := r.pool.Query(ctx, query, now, limit, now.Add(claimLease))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to claim outbox jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.OutboxJob, 0, limit)
	for rows.Next() {
		var j domain.OutboxJob
		if err := rows.Scan(&j.ID, &j.ApprovalID, &j.ItemType, &j.ItemID, &j.IdempotencyKey,
			&j.Status, &j.Attempts, &j.LastError, &j.NextAttemptAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan outbox job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return jobs, nil
}

func (r *AgentRepo) MarkJobDone(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE outbox_jobs SET status = 'done', last_error = '' WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark outbox job done: %w", err)
	}
	return nil
}

// MarkJobDoneByApproval — инлайн-применение прошло, задача relay больше не нужна.
func (r *AgentRepo) MarkJobDoneByApproval(ctx context.Context, approvalID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_jobs SET status = 'done' WHERE approval_id = $1 AND status = 'pending'`, approvalID)
	if err != nil {
		return fmt.Errorf("postgres: failed to close outbox job: %w", err)
	}
	return nil
}

func (r *AgentRepo) MarkJobFailed(ctx context.Context, jobID string, attempts int, lastErr string, next time.Time, dead bool) error {
	status := domain.OutboxPending
	if dead {
		status = domain.OutboxDead
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_jobs SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $5`, status, attempts, lastErr, next, jobID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark outbox job failed: %w", err)
	}
	return nil
}
