package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/guardian-gate/internal/console/handler"
	"github.com/xela07ax/guardian-gate/internal/infra"
	"github.com/xela07ax/guardian-gate/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config
	srv    *http.Server

	// Проверка токенов (RS256, открытый ключ)
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler     *handler.AuthHandler     // /auth/token
	agentHandler    *handler.AgentHandler    // /v1/agents
	approvalHandler *handler.ApprovalHandler // /v1/approvals (HITL gate)
}

// NewConsoleServer инициализирует API сервер со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	approvalH *handler.ApprovalHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		cfg:             cfg,
		authValidator:   validator,
		authHandler:     authH,
		agentHandler:    agentH,
		approvalHandler: approvalH,
	}

	s.routes()

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.router,
		// WriteTimeout перекрывает окно ожидания решения: агент висит на
		// /v1/approvals/request до таймаута арбитра.
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		// Гейт для агентов. Агенты аутентифицируются на сетевом уровне,
		// а не JWT оператора, поэтому роут вне защищенного периметра.
		// Глобальный rate limit прикрывает от лавины запросов.
		r.With(rateLimitMiddleware(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst)).
			Post("/v1/approvals/request", s.approvalHandler.RequestApproval)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Post("/decide", s.approvalHandler.Decide) // Approve/Reject + Redis Publish
			})
		})

		// Управление агентами (регистрация, пороги, 2FA)
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List) // по владельцу (?owner=)
			r.Post("/", s.agentHandler.Register)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.agentHandler.Get)
				r.Delete("/", s.agentHandler.Delete)
				r.Put("/thresholds", s.agentHandler.UpdateThresholds)
				r.Put("/second-factor", s.agentHandler.SetSecondFactor)
			})
		})
	})
}

// rateLimitMiddleware — глобальный токен-бакет на входную точку гейта
func rateLimitMiddleware(limit float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *ConsoleServer) Start() error {
	s.logger.Info("Console API listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *ConsoleServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler отдает роутер напрямую (используется в httptest)
func (s *ConsoleServer) Handler() http.Handler {
	return s.router
}
