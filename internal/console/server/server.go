package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/advocacy-ops/internal/console/handler"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/engine"
	"github.com/xela07ax/advocacy-ops/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов консоли.
type Handlers struct {
	Agent     *handler.AgentHandler     // /agents/trigger, /agents/health, /agents/admin
	Approval  *handler.ApprovalHandler  // /agents/approvals (HITL)
	Stream    *handler.StreamHandler    // /agents/stream (SSE)
	Cron      *handler.CronHandler      // /agents/cron
	Dashboard *handler.DashboardHandler // /agents/dashboard
	Audit     *handler.AuditHandler     // /agents/audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов ревьюеров (RS256). nil — проверка не настроена
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer
	h             Handlers
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, gatherer prometheus.Gatherer, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		gatherer:      gatherer,
		h:             h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	// Cron авторизуется общим секретом, а не токеном ревьюера
	r.Post("/agents/cron", s.h.Cron.Run)

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен, если настроен) ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		} else {
			s.logger.Warn("auth public key is not configured: console API is open")
		}

		r.Route("/agents", func(r chi.Router) {
			r.Post("/trigger", s.h.Agent.Trigger)
			r.Get("/trigger", s.h.Agent.Availability)
			r.Get("/health", s.h.Agent.Health)
			r.Get("/stream", s.h.Stream.Stream)
			r.Get("/dashboard", s.h.Dashboard.GetStats)

			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/", s.h.Agent.GetRun)
				r.Post("/cancel", s.h.Agent.CancelRun)
			})

			// Human-in-the-loop (Approvals)
			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.h.Approval.List)
				r.Get("/{approvalID}", s.h.Approval.GetDetails)
				r.With(auth.RequireScope(domain.ScopeApprovalsDecide)).Post("/", s.h.Approval.Decide)
			})

			// Администрирование: предохранители и рубильник агентов
			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireScope(domain.ScopeAgentsAdmin))
				r.Post("/circuit-breaker", s.h.Agent.CircuitBreaker)
				r.Post("/agents/{agentID}/enable", s.h.Agent.EnableAgent)
				r.Post("/agents/{agentID}/disable", s.h.Agent.DisableAgent)
			})

			// Аудит действий операторов
			r.With(auth.RequireScope(domain.ScopeAgentsAdmin)).Get("/audit", s.h.Audit.GetLogs)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
