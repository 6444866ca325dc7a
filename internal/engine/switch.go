package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

// AgentStateRepo — источник истины для флага enabled (таблица agents).
type AgentStateRepo interface {
	GetDisabledAgents(ctx context.Context) ([]string, error)
	SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error
}

// AgentSwitch — рубильник агентов. Проверка в горячем пути идет по локальной мапе,
// изменения раздаются остальным инстансам через Redis (сет + Pub/Sub).
// Без Redis работает в пределах процесса, без репозитория — без персистентности.
type AgentSwitch struct {
	repo   AgentStateRepo
	rdb    *redis.Client
	logger *zap.Logger

	mu       sync.RWMutex
	disabled map[string]bool
}

func NewAgentSwitch(rdb *redis.Client, repo AgentStateRepo, logger *zap.Logger) *AgentSwitch {
	return &AgentSwitch{
		repo:     repo,
		rdb:      rdb,
		logger:   logger.With(zap.String("mod", "agent-switch")),
		disabled: make(map[string]bool),
	}
}

// Init загружает выключенных агентов при старте и после переподключения к Redis.
func (s *AgentSwitch) Init(ctx context.Context) error {
	var ids []string
	switch {
	case s.repo != nil:
		var err error
		ids, err = s.repo.GetDisabledAgents(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch disabled agents from DB: %w", err)
		}
	case s.rdb != nil:
		var err error
		ids, err = s.rdb.SMembers(ctx, infra.RedisKeyDisabledAgents).Result()
		if err != nil {
			return fmt.Errorf("redis: load disabled agents: %w", err)
		}
	default:
		return nil
	}

	return WarmupState(ctx, s.rdb, s.logger, ids, infra.RedisKeyDisabledAgents, infra.RedisKeyLockWarmupSwitch, func(items []string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.disabled = make(map[string]bool, len(items))
		for _, id := range items {
			s.disabled[id] = true
		}
	})
}

// StartListener блокируется до отмены контекста; запускать в отдельной горутине.
func (s *AgentSwitch) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ListenStateResilient(ctx, s.rdb, s.logger, infra.RedisChanAgentSwitch,
		func() error { return s.Init(ctx) },
		func(id string, disabled bool) {
			s.setLocal(id, disabled)
			s.logger.Info("agent switch signal received",
				zap.String("agent_id", id),
				zap.Bool("disabled", disabled))
		},
	)
}

// IsDisabled: быстрая проверка в горячем пути.
func (s *AgentSwitch) IsDisabled(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled[agentID]
}

// SetEnabled: БД -> локальная мапа -> Redis. Сбой Redis не отменяет решение, только логируется.
func (s *AgentSwitch) SetEnabled(ctx context.Context, agentID string, enabled bool) error {
	if s.repo != nil {
		if err := s.repo.SetAgentEnabled(ctx, agentID, enabled); err != nil {
			s.logger.Error("failed to update agent switch in DB",
				zap.String("agent_id", agentID),
				zap.Error(err))
			return fmt.Errorf("agent switch: %w", err)
		}
	}

	s.setLocal(agentID, !enabled)

	if s.rdb != nil {
		pipe := s.rdb.TxPipeline()
		if enabled {
			pipe.SRem(ctx, infra.RedisKeyDisabledAgents, agentID)
		} else {
			pipe.SAdd(ctx, infra.RedisKeyDisabledAgents, agentID)
		}
		pipe.Publish(ctx, infra.RedisChanAgentSwitch, formatSignal(agentID, !enabled))
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("runtime signal delivery failed",
				zap.String("agent_id", agentID),
				zap.String("channel", infra.RedisChanAgentSwitch),
				zap.Error(err))
		}
	}

	s.logger.Info("agent switch updated",
		zap.String("agent_id", agentID),
		zap.Bool("enabled", enabled))
	return nil
}

func (s *AgentSwitch) setLocal(agentID string, disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if disabled {
		s.disabled[agentID] = true
	} else {
		delete(s.disabled, agentID)
	}
}
