package postgres

/*
Файл approval_repo.go содержит реализацию методов для механизма Human-in-the-loop (HITL, «человек в контуре»).
Решение ревьюера и задача outbox фиксируются одной транзакцией.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

const approvalColumns = `id, agent_id, run_id, item_type, item_id, status, priority, payload,
	reviewed_at, reviewed_by, reviewer_notes, created_at`

// CreateApproval создает запись в очереди ревью.
func (r *AgentRepo) CreateApproval(ctx context.Context, app *domain.ApprovalItem) error {
	query := `INSERT INTO approval_queue (id, agent_id, run_id, item_type, item_id, status, priority, payload, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		app.ID, app.AgentID, nullString(app.RunID), app.ItemType, app.ItemID,
		app.Status, app.Priority, nullJSON(app.Payload), app.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// GetApproval получение деталей запроса для анализа.
func (r *AgentRepo) GetApproval(ctx context.Context, id string) (*domain.ApprovalItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_queue WHERE id = $1`, id)
	app, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "approval", ID: id}
		}
		return nil, fmt.Errorf("postgres: failed to get approval: %w", err)
	}
	return app, nil
}

// ListApprovals фильтрация очереди (Decision Queue) + счетчики по всем статусам.
func (r *AgentRepo) ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalItem, map[domain.ApprovalStatus]int64, error) {
	var conds []string
	var args []any
	add := func(col string, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("status", string(f.Status))
	add("priority", string(f.Priority))
	add("agent_id", f.AgentID)

	query := `SELECT ` + approvalColumns + ` FROM approval_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT 200"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	items := make([]*domain.ApprovalItem, 0)
	for rows.Next() {
		app, err := scanApproval(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		items = append(items, app)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	counts := map[domain.ApprovalStatus]int64{
		domain.StatusPending:  0,
		domain.StatusApproved: 0,
		domain.StatusRejected: 0,
	}
	crows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM approval_queue GROUP BY status`)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: failed to count approvals: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var status domain.ApprovalStatus
		var n int64
		if err := crows.Scan(&status, &n); err != nil {
			return nil, nil, fmt.Errorf("postgres: failed to scan approval count: %w", err)
		}
		counts[status] = n
	}
	if err := crows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return items, counts, nil
}

// DecideApproval атомарно переводит заявку из pending в терминальный статус.
// WHERE status = 'pending' исключает Double Decision: проигравший получает ErrAlreadyProcessed.
// Для одобрения в той же транзакции ставится задача outbox (job != nil).
func (r *AgentRepo) DecideApproval(ctx context.Context, d domain.ApprovalDecision, job *domain.OutboxJob) (*domain.ApprovalItem, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin decision: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// RETURNING отдает итоговую строку без предварительного SELECT
	row := tx.QueryRow(ctx, `
		UPDATE approval_queue
		SET status = $1, reviewed_by = $2, reviewer_notes = $3, reviewed_at = NOW()
		WHERE id = $4 AND status = 'pending'
		RETURNING `+approvalColumns,
		d.Status, d.ReviewedBy, nullString(d.Notes), d.ApprovalID)

	app, err := scanApproval(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: failed to update approval status: %w", err)
		}
		// Строки нет: либо неверный ID, либо решение уже принято
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_queue WHERE id = $1)`, d.ApprovalID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("postgres: failed to check approval: %w", err)
		}
		if !exists {
			return nil, &domain.NotFoundError{Kind: "approval", ID: d.ApprovalID}
		}
		return nil, domain.ErrAlreadyProcessed
	}

	if job != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox_jobs (id, approval_id, item_type, item_id, idempotency_key, status, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', NOW())
			ON CONFLICT (idempotency_key) DO NOTHING`,
			job.ID, app.ID, app.ItemType, app.ItemID, job.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to enqueue outbox job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit decision: %w", err)
	}
	return app, nil
}

func scanApproval(row pgx.Row) (*domain.ApprovalItem, error) {
	var app domain.ApprovalItem
	var runID *string
	var payload []byte
	err := row.Scan(
		&app.ID, &app.AgentID, &runID, &app.ItemType, &app.ItemID, &app.Status, &app.Priority, &payload,
		&app.ReviewedAt, &app.ReviewedBy, &app.ReviewerNotes, &app.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if runID != nil {
		app.RunID = *runID
	}
	app.Payload = payload
	return &app, nil
}
