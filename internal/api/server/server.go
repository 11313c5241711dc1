package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/smartmail-orchestrator/internal/api/handler"
	"github.com/xela07ax/smartmail-orchestrator/internal/infra"
	"github.com/xela07ax/smartmail-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ScopeAlertsWrite — право менять правила и каналы алертов
const ScopeAlertsWrite = "alerts.write"

// Deps — обработчики и инфраструктура, которые собирает main
type Deps struct {
	Dashboard *handler.DashboardHandler
	Alerts    *handler.AlertHandler
	Pipeline  *handler.PipelineHandler
	WebSocket *handler.WebSocketHandler

	// Prometheus /metrics
	Metrics http.Handler

	// nil — API конфигурации алертов без авторизации
	Validator auth.TokenValidator
}

type Server struct {
	router  *chi.Mux
	logger  *zap.Logger
	cfg     infra.ServerConfig
	limiter *rate.Limiter
	deps    Deps
}

// NewServer собирает роутер API со всеми зависимостями
func NewServer(cfg infra.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	rps, burst := cfg.RateLimitRPS, cfg.RateLimitBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}

	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.Named("api"),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		deps:    deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Служебные роуты, без лимита ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	// --- 3. API ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.limiter))

		// Dashboard (только чтение)
		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/metrics", s.deps.Dashboard.GetMetrics)
			r.Get("/services", s.deps.Dashboard.GetServices)
			r.Get("/handshakes", s.deps.Dashboard.GetHandshakes)
			r.Get("/emails", s.deps.Dashboard.GetEmails)
			r.Get("/performance", s.deps.Dashboard.GetPerformance)
			if s.deps.WebSocket != nil {
				r.Get("/ws", s.deps.WebSocket.HandleConnection)
			}
		})

		// Вход пайплайна
		r.Post("/pipeline/emails", s.deps.Pipeline.SubmitEmail)

		// Алерты: чтение по токену, изменение — со scope alerts.write
		r.Route("/alerts", func(r chi.Router) {
			write := func(r chi.Router) {}
			if s.deps.Validator != nil {
				r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))
				write = func(r chi.Router) { r.Use(auth.RequireScope(ScopeAlertsWrite)) }
			}

			r.Get("/active", s.deps.Alerts.GetActive)
			r.Get("/history", s.deps.Alerts.GetHistory)
			r.Get("/stats", s.deps.Alerts.GetStats)
			r.Get("/rules", s.deps.Alerts.ListRules)
			r.Get("/rules/{id}", s.deps.Alerts.GetRule)
			r.Get("/channels", s.deps.Alerts.ListChannels)

			r.Group(func(r chi.Router) {
				write(r)
				r.Post("/rules", s.deps.Alerts.CreateRule)
				r.Put("/rules/{id}", s.deps.Alerts.UpdateRule)
				r.Delete("/rules/{id}", s.deps.Alerts.DeleteRule)
				r.Post("/channels", s.deps.Alerts.CreateChannel)
				r.Put("/channels/{id}", s.deps.Alerts.UpdateChannel)
				r.Delete("/channels/{id}", s.deps.Alerts.DeleteChannel)
			})
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer — http.Server с таймаутами из конфигурации
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}
