package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/advocacy-ops/internal/audit"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
// Мы используем структуру AuditEvent из пакета audit, чтобы сохранить единую модель данных.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchLogs запрашивает журнал с фильтрацией.
// Логика фильтрации (пустые поля не фильтруют) инкапсулирована в репозитории.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit store: %w", domain.ErrNotConfigured)
	}
	logs, err := s.repo.FetchLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
