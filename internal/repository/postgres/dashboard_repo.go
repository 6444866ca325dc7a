package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/advocacy-ops/internal/domain"
)

// GetDashboardStats собирает сводку за последние 24 часа.
// OpenCircuits заполняет сервис: состояние предохранителей живет не в базе.
func (r *AgentRepo) GetDashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	d := &domain.DashboardStats{
		RunsByStatus:   make(map[domain.RunStatus]int64),
		HourlyActivity: make([]domain.ActivityPoint, 0, 24),
		OpenCircuits:   make([]string, 0),
	}

	// 1. Запуски по статусам
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM agent_runs
		WHERE started_at > NOW() - INTERVAL '24 hours'
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count runs: %w", err)
	}
	for rows.Next() {
		var status domain.RunStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: failed to scan run count: %w", err)
		}
		d.RunsByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	// 2. Очередь ревью и мертвые задачи outbox
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM approval_queue WHERE status = 'pending'),
			(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'dead')`).Scan(&d.PendingApprovals, &d.DeadOutboxJobs)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count queues: %w", err)
	}

	// 3. Активность по часам
	rows, err = r.pool.Query(ctx, `
		SELECT to_char(date_trunc('hour', started_at), 'YYYY-MM-DD"T"HH24:00'), COUNT(*)
		FROM agent_runs
		WHERE started_at > NOW() - INTERVAL '24 hours'
		GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query activity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.ActivityPoint
		if err := rows.Scan(&p.Hour, &p.Count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan activity: %w", err)
		}
		d.HourlyActivity = append(d.HourlyActivity, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return d, nil
}
