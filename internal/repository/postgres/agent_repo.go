package postgres

import (
	"context"
	"fmt"
)

// GetDisabledAgents возвращает ID выключенных агентов.
// Используется для инициализации локальной мапы AgentSwitch при старте.
func (r *AgentRepo) GetDisabledAgents(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM agents WHERE enabled = FALSE`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch disabled agents: %w", err)
	}
	defer rows.Close()

	// Инициализируем слайс, чтобы избежать возврата nil
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// SetAgentEnabled — upsert: агент из реестра может еще не иметь строки в таблице.
func (r *AgentRepo) SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error {
	query := `
		INSERT INTO agents (id, enabled, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, query, agentID, enabled); err != nil {
		return fmt.Errorf("postgres: failed to update agent %s: %w", agentID, err)
	}
	return nil
}

// SyncAgents регистрирует агентов из реестра, не трогая флаг enabled у существующих.
func (r *AgentRepo) SyncAgents(ctx context.Context, names map[string]string) error {
	for id, name := range names {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO agents (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
		if err != nil {
			return fmt.Errorf("postgres: failed to sync agent %s: %w", id, err)
		}
	}
	return nil
}
