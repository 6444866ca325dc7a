package service

/*
ApprovalGate — очередь ручной проверки (HITL).

Решение ревьюера авторитетно: оно фиксируется транзакцией вместе с задачей outbox,
после чего делается ровно одна инлайн-попытка применить эффект к доменной таблице.
Неудача инлайн-попытки только логируется, дальше эффект доводит OutboxRelay.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/advocacy-ops/internal/audit"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/engine"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

// ApprovalRepository — хранилище очереди (postgres.AgentRepo).
type ApprovalRepository interface {
	GetApproval(ctx context.Context, id string) (*domain.ApprovalItem, error)
	ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalItem, map[domain.ApprovalStatus]int64, error)
	DecideApproval(ctx context.Context, d domain.ApprovalDecision, job *domain.OutboxJob) (*domain.ApprovalItem, error)
	MarkJobDoneByApproval(ctx context.Context, approvalID string) error
}

type ApprovalList struct {
	Approvals    []*domain.ApprovalItem          `json:"approvals"`
	StatusCounts map[domain.ApprovalStatus]int64 `json:"statusCounts"`
}

type ApprovalGate struct {
	repo    ApprovalRepository
	effects engine.EffectApplier
	auditor audit.Auditor
	metrics *engine.Metrics
	logger  *zap.Logger
}

func NewApprovalGate(repo ApprovalRepository, effects engine.EffectApplier, auditor audit.Auditor, metrics *engine.Metrics, logger *zap.Logger) *ApprovalGate {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &ApprovalGate{
		repo:    repo,
		effects: effects,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("approval-gate"),
	}
}

// ListApprovals: чистое чтение, новые заявки первыми.
func (g *ApprovalGate) ListApprovals(ctx context.Context, f domain.ApprovalFilter) (*ApprovalList, error) {
	if g.repo == nil {
		return nil, fmt.Errorf("approval store: %w", domain.ErrNotConfigured)
	}
	switch f.Status {
	case "", domain.StatusPending, domain.StatusApproved, domain.StatusRejected:
	default:
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	switch f.Priority {
	case "", domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent:
	default:
		return nil, domain.NewValidationError("priority", fmt.Sprintf("unknown priority %q", f.Priority))
	}

	items, counts, err := g.repo.ListApprovals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("service: list approvals: %w", err)
	}
	return &ApprovalList{Approvals: items, StatusCounts: counts}, nil
}

func (g *ApprovalGate) GetApproval(ctx context.Context, id string) (*domain.ApprovalItem, error) {
	if g.repo == nil {
		return nil, fmt.Errorf("approval store: %w", domain.ErrNotConfigured)
	}
	return g.repo.GetApproval(ctx, id)
}

// Decide применяет решение ревьюера. Порядок проверок: заявка существует,
// действие допустимо, у отказа есть причина.
func (g *ApprovalGate) Decide(ctx context.Context, approvalID string, action domain.ApprovalAction, notes, reviewer string) (*domain.DecisionResult, error) {
	if g.repo == nil {
		return nil, fmt.Errorf("approval store: %w", domain.ErrNotConfigured)
	}
	if approvalID == "" {
		return nil, domain.NewValidationError("approvalId", "is required")
	}
	log := g.logger.With(zap.String("approval_id", approvalID), zap.String("reviewer", reviewer))

	item, err := g.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	var status domain.ApprovalStatus
	switch action {
	case domain.ActionApprove:
		status = domain.StatusApproved
	case domain.ActionReject:
		status = domain.StatusRejected
	default:
		return nil, domain.NewValidationError("action", fmt.Sprintf("invalid action %q: expected approve or reject", action))
	}
	notes = strings.TrimSpace(notes)
	if action == domain.ActionReject && notes == "" {
		return nil, domain.NewValidationError("notes", "rejection reason is required")
	}
	if err := item.CanTransitionTo(status); err != nil {
		return nil, err
	}

	var job *domain.OutboxJob
	if action == domain.ActionApprove {
		key, err := infra.DigestJSON(mustJSON(map[string]string{
			"approvalId": item.ID,
			"itemType":   string(item.ItemType),
			"itemId":     item.ItemID,
		}))
		if err != nil {
			return nil, fmt.Errorf("service: idempotency key: %w", err)
		}
		job = &domain.OutboxJob{
			ID:             uuid.New().String(),
			ApprovalID:     item.ID,
			ItemType:       item.ItemType,
			ItemID:         item.ItemID,
			IdempotencyKey: key,
			Status:         domain.OutboxPending,
		}
	}

	decided, err := g.repo.DecideApproval(ctx, domain.ApprovalDecision{
		ApprovalID: approvalID,
		Status:     status,
		ReviewedBy: reviewer,
		Notes:      notes,
	}, job)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) || errors.Is(err, domain.ErrNotFound) {
			log.Warn("decision rejected", zap.Error(err))
			return nil, err
		}
		log.Error("failed to persist approval decision", zap.Error(err))
		return nil, &domain.PersistenceError{Op: "decide_approval", Err: err}
	}

	g.metrics.ApprovalDecisions.WithLabelValues(string(decided.ItemType), string(action)).Inc()
	g.recordAudit(ctx, decided, action, reviewer, notes)
	log.Info("HITL decision processed",
		zap.String("item_type", string(decided.ItemType)),
		zap.String("item_id", decided.ItemID),
		zap.String("result", string(decided.Status)))

	msg := fmt.Sprintf("%s %s rejected", decided.ItemType, decided.ItemID)
	if job != nil {
		msg = fmt.Sprintf("%s %s approved", decided.ItemType, decided.ItemID)
		if !g.dispatch(ctx, log, *job) {
			msg += "; downstream update scheduled for retry"
		}
	}
	return &domain.DecisionResult{Success: true, Message: msg, Item: decided}, nil
}

// dispatch — ровно одна инлайн-попытка. Ошибка не откатывает решение.
func (g *ApprovalGate) dispatch(ctx context.Context, log *zap.Logger, job domain.OutboxJob) bool {
	if g.effects == nil {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	if err := g.effects.Apply(ctx, job); err != nil {
		g.metrics.ErrorTotal.WithLabelValues("dispatch").Inc()
		log.Warn("downstream dispatch failed, left to outbox relay",
			zap.String("item_type", string(job.ItemType)),
			zap.String("item_id", job.ItemID),
			zap.Error(err))
		return false
	}
	if err := g.repo.MarkJobDoneByApproval(ctx, job.ApprovalID); err != nil {
		// Relay применит эффект повторно, это безопасно
		log.Warn("failed to close outbox job after inline dispatch", zap.Error(err))
	}
	return true
}

func (g *ApprovalGate) recordAudit(ctx context.Context, item *domain.ApprovalItem, action domain.ApprovalAction, reviewer, notes string) {
	if g.auditor == nil {
		return
	}
	act := audit.ActionApprove
	if action == domain.ActionReject {
		act = audit.ActionReject
	}
	g.auditor.Log(audit.AuditEvent{
		TraceID:    engine.TraceID(ctx),
		Actor:      reviewer,
		Action:     act,
		EntityType: "approval",
		EntityID:   item.ID,
		AgentID:    item.AgentID,
		Details: mustJSON(map[string]string{
			"itemType": string(item.ItemType),
			"itemId":   item.ItemID,
			"notes":    notes,
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("service: marshal %T: %v", v, err))
	}
	return data
}
