package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/pos-override-authority/internal/console/handler"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/engine"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/infra/auth"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pinger - проверка доступности хранилища для /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers - обработчики бизнес-доменов
type Handlers struct {
	Auth       *handler.AuthHandler       // /auth/token
	Override   *handler.OverrideHandler   // /v1/overrides
	Request    *handler.RequestHandler    // /v1/requests
	Threshold  *handler.ThresholdHandler  // /v1/thresholds (admin)
	Credential *handler.CredentialHandler // /v1/credentials (admin)
	Audit      *handler.AuditHandler      // /v1/audit
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    infra.ServerConfig

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator

	metrics  *engine.Metrics
	gatherer prometheus.Gatherer
	health   Pinger
	// Общий потолок пропускной способности проверок PIN на процесс
	verifyLimiter *rate.Limiter

	h Handlers
}

// NewServer инициализирует HTTP API со всеми зависимостями
func NewServer(
	cfg infra.ServerConfig,
	limits infra.RateLimitConfig,
	logger *zap.Logger,
	validator auth.TokenValidator,
	metrics *engine.Metrics,
	gatherer prometheus.Gatherer,
	health Pinger,
	h Handlers,
) *Server {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	verifyLimit := rate.Inf
	if limits.VerifyRPS > 0 {
		verifyLimit = rate.Limit(limits.VerifyRPS)
	}
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("http"),
		cfg:           cfg,
		authValidator: validator,
		metrics:       metrics,
		gatherer:      gatherer,
		health:        health,
		verifyLimiter: rate.NewLimiter(verifyLimit, max(limits.VerifyBurst, 1)),
		h:             h,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxy {
		// Адрес клиента из X-Forwarded-For - только за доверенным балансировщиком
		r.Use(middleware.RealIP)
	}
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", s.healthz)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Оценка и подпись на месте
		r.Route("/v1/overrides", func(r chi.Router) {
			r.Post("/check", s.h.Override.Check)
			r.Post("/discount-check", s.h.Override.DiscountCheck)
			r.With(s.throttle).Post("/verify-pin", s.h.Override.VerifyPin)
			r.Post("/log", s.h.Override.Log)
		})

		// Удаленное подтверждение по заявке
		r.Route("/v1/requests", func(r chi.Router) {
			r.Get("/", s.h.Request.List)
			r.Post("/", s.h.Request.Create)
			r.With(s.throttle).Post("/by-code/{code}/resolve", s.h.Request.DecideByCode)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Request.GetDetails)
				r.Get("/await", s.h.Request.Await)
				r.With(s.throttle).Post("/resolve", s.h.Request.Decide)
			})
		})

		// Пороги: чтение проекций - всем, изменения - только admin
		r.Route("/v1/thresholds", func(r chi.Router) {
			r.Get("/{id}/required-level", s.h.Override.RequiredLevel)
			r.Get("/{id}/can-approve", s.h.Override.CanApprove)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireTier(domain.TierAdmin))
				r.Get("/", s.h.Threshold.List)
				r.Post("/", s.h.Threshold.Create)
				r.Get("/{id}", s.h.Threshold.Get)
				r.Put("/{id}", s.h.Threshold.Update)
				r.Delete("/{id}", s.h.Threshold.Delete)
			})
		})

		// Учетные данные менеджеров (PIN)
		r.Route("/v1/credentials", func(r chi.Router) {
			r.Use(auth.RequireTier(domain.TierAdmin))
			r.Get("/", s.h.Credential.List)
			r.Post("/", s.h.Credential.Create)
			r.Put("/{userId}", s.h.Credential.Rotate)
			r.Delete("/{userId}", s.h.Credential.Revoke)
		})

		// Журнал: менеджер и выше
		r.Route("/v1/audit", func(r chi.Router) {
			r.Use(auth.RequireTier(domain.TierManager))
			r.Get("/history", s.h.Audit.History)
			r.Get("/summary", s.h.Audit.Summary)
		})
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// throttle - процессный потолок проверок PIN поверх пер-источниковой блокировки.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifyLimiter.Allow() {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"throttled","message":"verification capacity exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe пишет латентность по шаблону маршрута (а не по сырому пути с ID).
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler - роутер, обернутый трассировкой OpenTelemetry.
func (s *Server) Handler(service string) http.Handler {
	return otelhttp.NewHandler(s.router, service)
}
