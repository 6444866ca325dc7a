package postgres

/*
Файл run_repo.go — журнал исполнения агентов: agent_runs и append-only agent_events.
Запуски не удаляются никогда (audit trail).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

// Ping проверяет доступность базы
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *AgentRepo) CreateRun(ctx context.Context, run *domain.AgentRun) error {
	query := `INSERT INTO agent_runs (id, agent_id, status, triggered_by, trigger_type, input_data, input_digest, started_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		run.ID, run.AgentID, run.Status, run.TriggeredBy, run.TriggerType,
		nullJSON(run.InputData), run.InputDigest, run.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create run: %w", err)
	}
	return nil
}

func (r *AgentRepo) MarkRunning(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE agent_runs SET status = 'running' WHERE id = $1 AND status = 'pending'`, runID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark run running: %w", err)
	}
	return nil
}

// CompleteRun пишет терминальный статус ровно один раз.
// Условие по статусу делает повторную запись no-op (false, nil).
func (r *AgentRepo) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, output, errorDetails json.RawMessage) (bool, error) {
	query := `
		UPDATE agent_runs
		SET status = $1, output = $2, error_details = $3, completed_at = NOW()
		WHERE id = $4 AND status IN ('pending', 'running')`

	tag, err := r.pool.Exec(ctx, query, status, nullJSON(output), nullJSON(errorDetails), runID)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to complete run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AgentRepo) AppendEvent(ctx context.Context, e *domain.AgentEvent) error {
	query := `INSERT INTO agent_events (id, run_id, agent_id, type, attempt, message, data, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.RunID, e.AgentID, e.Type, e.Attempt, e.Message, nullJSON(e.Data), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to append event: %w", err)
	}
	return nil
}

// GetRun возвращает запуск вместе с его событиями в порядке записи.
func (r *AgentRepo) GetRun(ctx context.Context, runID string) (*domain.AgentRun, []domain.AgentEvent, error) {
	query := `SELECT id, agent_id, status, triggered_by, trigger_type, input_data, input_digest,
	                 output, error_details, started_at, completed_at
	          FROM agent_runs WHERE id = $1`

	var run domain.AgentRun
	var input, output, details []byte
	err := r.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.AgentID, &run.Status, &run.TriggeredBy, &run.TriggerType,
		&input, &run.InputDigest, &output, &details, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, &domain.NotFoundError{Kind: "run", ID: runID}
		}
		return nil, nil, fmt.Errorf("postgres: failed to get run: %w", err)
	}
	run.InputData, run.Output, run.ErrorDetails = input, output, details

	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, agent_id, type, attempt, message, data, created_at
		FROM agent_events WHERE run_id = $1 ORDER BY created_at, attempt`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.AgentEvent, 0)
	for rows.Next() {
		var ev domain.AgentEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.AgentID, &ev.Type, &ev.Attempt, &ev.Message, &data, &ev.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("postgres: failed to scan event: %w", err)
		}
		ev.Data = data
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return &run, events, nil
}

// nullJSON: пустой RawMessage пишем как NULL, а не как невалидный jsonb.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
