package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/advocacy-ops/internal/agents"
	"github.com/xela07ax/advocacy-ops/internal/audit"
	"github.com/xela07ax/advocacy-ops/internal/connectors"
	"github.com/xela07ax/advocacy-ops/internal/console/handler"
	"github.com/xela07ax/advocacy-ops/internal/console/server"
	"github.com/xela07ax/advocacy-ops/internal/console/service"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/engine"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"github.com/xela07ax/advocacy-ops/internal/infra/auth"
	"github.com/xela07ax/advocacy-ops/internal/repository/postgres"
	"github.com/xela07ax/advocacy-ops/internal/risk"
)

// storage — интерфейсы поверх Postgres. Без базы все поля nil,
// и сервисы отвечают "not configured".
type storage struct {
	repo      *postgres.AgentRepo
	runs      engine.RunStore
	approvals engine.ApprovalCreator
	outbox    engine.OutboxStore
	effects   engine.EffectApplier
	switchDB  engine.AgentStateRepo
	auditDB   audit.StorageInterface
	auditLogs service.AuditLogProvider

	runRepo      service.RunRepository
	dashboard    service.DashboardRepository
	approvalRepo service.ApprovalRepository
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	// Контекст жизненного цикла: SIGINT/SIGTERM останавливает фоновые горутины
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	} else {
		logger.Warn("redis is not configured: breaker state and stream stay in-process")
	}

	st, closeDB, err := openStorage(appCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer closeDB()

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(reg)

	// 2. Control Plane: предохранитель и рубильник агентов
	breakerStore, err := newBreakerStore(cfg.Engine.BreakerStore, rdb)
	if err != nil {
		logger.Fatal("breaker store", zap.Error(err))
	}
	breaker := engine.NewBreaker(breakerStore, engine.BreakerSettings{
		FailureThreshold: cfg.Engine.FailureThreshold,
		Cooldown:         cfg.Engine.Cooldown,
	}, logger)
	healthReporter := engine.NewHealthReporter(logger)
	breaker.OnStateChange(metrics.ObserveBreaker)
	breaker.OnStateChange(healthReporter.ObserveBreaker)

	agentSwitch := engine.NewAgentSwitch(rdb, st.switchDB, logger)
	if err := agentSwitch.Init(appCtx); err != nil {
		logger.Fatal("failed to init agent switch", zap.Error(err))
	}
	go agentSwitch.StartListener(appCtx)

	// 3. Внешние сервисы. Не настроенный сервис — nil, агенты с ним недоступны
	var (
		llm      agents.LLM
		notifier engine.Notifier
	)
	if cfg.Services.LLM.Configured() {
		llm = connectors.NewLLMClient(cfg.Services.LLM, logger)
	}
	if cfg.Services.WhatsApp.Configured() {
		notifier = connectors.NewWhatsAppNotifier(cfg.Services.WhatsApp, logger)
	}

	// 4. Реестр агентов
	registry := agents.NewRegistry(map[string]bool{
		connectors.ServiceLLM:      cfg.Services.LLM.Configured(),
		connectors.ServiceWhatsApp: cfg.Services.WhatsApp.Configured(),
	}, agentSwitch)
	if err := agents.RegisterBuiltins(registry, agents.BuiltinDeps{
		LLM:      llm,
		Analyzer: risk.NewAnalyzer(cfg.Risk, logger),
		Effects:  st.effects,
		Logger:   logger,
	}); err != nil {
		logger.Fatal("failed to register agents", zap.Error(err))
	}
	if st.repo != nil {
		names := make(map[string]string)
		for _, a := range registry.List() {
			names[a.ID] = a.Name
		}
		if err := st.repo.SyncAgents(appCtx, names); err != nil {
			logger.Fatal("failed to sync agent catalog", zap.Error(err))
		}
	}
	healthReporter.Track(breakerStates(breaker.GetAllStates(appCtx)), registry.IDs()...)

	// 5. Execution Layer (Исполнение + Надежность)
	var bus engine.EventBus = engine.NewMemoryBus()
	if rdb != nil {
		bus = engine.NewRedisBus(rdb, logger)
	}

	executor := engine.NewExecutor(engine.ExecutorConfig{
		MaxRetries:     cfg.Engine.MaxRetries,
		Backoff:        cfg.Engine.Backoff,
		BaseDelay:      cfg.Engine.BaseDelay,
		MaxDelay:       cfg.Engine.MaxDelay,
		AttemptTimeout: cfg.Engine.AttemptTimeout,
	}, engine.ExecutorDeps{
		Breaker:   breaker,
		Agents:    registry,
		Runs:      st.runs,
		Approvals: st.approvals,
		Notifier:  notifier,
		Bus:       bus,
		Metrics:   metrics,
		Logger:    logger,
	})
	dispatcher := engine.NewDispatcher(executor, cfg.Engine.Workers, cfg.Engine.QueueSize, metrics, logger)
	dispatcher.Start()

	if st.outbox != nil {
		relay := engine.NewOutboxRelay(st.outbox, st.effects, notifier, engine.OutboxConfig{
			Interval:    cfg.Engine.OutboxInterval,
			BatchSize:   cfg.Engine.OutboxBatch,
			MaxAttempts: cfg.Engine.OutboxMaxAttempts,
			BaseDelay:   cfg.Engine.OutboxBaseDelay,
			MaxDelay:    cfg.Engine.OutboxMaxDelay,
		}, metrics, logger)
		go relay.Run(appCtx)
	}

	// Аудит пишется пачками в фоне
	var (
		auditor  audit.Auditor
		recorder *audit.Recorder
	)
	if st.auditDB != nil {
		recorder = audit.NewRecorder(st.auditDB, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval, metrics.AuditBufferFill, logger)
		recorder.Start()
		auditor = recorder
	}

	// 6. Сервисы и ручки консоли
	agentService := service.NewAgentService(service.AgentServiceDeps{
		Agents:     registry,
		Runs:       st.runRepo,
		Dashboard:  st.dashboard,
		Dispatcher: dispatcher,
		Breaker:    breaker,
		Switch:     agentSwitch,
		Auditor:    auditor,
		Logger:     logger,
	})
	approvalGate := service.NewApprovalGate(st.approvalRepo, st.effects, auditor, metrics, logger)
	auditService := service.NewAuditService(st.auditLogs)

	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("failed to load auth public key", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pubKey)
	}

	console := server.NewConsoleServer(logger, validator, reg, server.Handlers{
		Agent:     handler.NewAgentHandler(agentService, logger),
		Approval:  handler.NewApprovalHandler(approvalGate, logger),
		Stream:    handler.NewStreamHandler(bus, cfg.Stream.KeepAlive, logger),
		Cron:      handler.NewCronHandler(agentService, cfg.Cron.Secret, logger),
		Dashboard: handler.NewDashboardHandler(agentService, logger),
		Audit:     handler.NewAuditHandler(auditService, logger),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// gRPC Health: agents.<id> NOT_SERVING, пока цепь разомкнута
	grpcSrv := grpc.NewServer()
	healthReporter.Register(grpcSrv)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.String("addr", addr), zap.Error(err))
		}
		logger.Info("gRPC health server started", zap.String("addr", addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 7. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("console stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	healthReporter.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	// Незавершенные запуски дописывают терминальный статус
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher did not drain", zap.Error(err))
	}
	if recorder != nil {
		recorder.Stop()
	}
	grpcSrv.GracefulStop()
	logger.Info("console exited properly")
}

func openStorage(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*storage, func(), error) {
	if cfg.URL == "" {
		logger.Warn("database is not configured: runs, approvals and audit are unavailable")
		return &storage{}, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	repo := postgres.NewAgentRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)
	return &storage{
		repo:         repo,
		runs:         repo,
		approvals:    repo,
		outbox:       repo,
		effects:      postgres.NewEffectsRepo(repo),
		switchDB:     repo,
		auditDB:      auditRepo,
		auditLogs:    auditRepo,
		runRepo:      repo,
		dashboard:    repo,
		approvalRepo: repo,
	}, pool.Close, nil
}

func newBreakerStore(kind string, rdb *redis.Client) (engine.BreakerStore, error) {
	switch kind {
	case "redis":
		if rdb == nil {
			return nil, errors.New("engine.breaker_store=redis requires redis.addr")
		}
		return engine.NewRedisBreakerStore(rdb), nil
	default:
		return engine.NewMemoryBreakerStore(), nil
	}
}

func breakerStates(all map[string]domain.CircuitState) map[string]domain.BreakerState {
	states := make(map[string]domain.BreakerState, len(all))
	for id, cs := range all {
		states[id] = cs.State
	}
	return states
}
