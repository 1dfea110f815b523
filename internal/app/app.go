// Package app собирает сервис подтверждений из конфигурации: хранилища, ядро, консоль и HTTP.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/pos-override-authority/internal/audit"
	"github.com/xela07ax/pos-override-authority/internal/console/handler"
	"github.com/xela07ax/pos-override-authority/internal/console/server"
	"github.com/xela07ax/pos-override-authority/internal/console/service"
	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/engine"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/infra/auth"
	"github.com/xela07ax/pos-override-authority/internal/policy"
	"github.com/xela07ax/pos-override-authority/internal/ratelimit"
	"github.com/xela07ax/pos-override-authority/internal/risk"
	"go.uber.org/zap"
)

// Storage - все таблицы подсистемы. Реализуют postgres.Repo и memory.Store.
type Storage interface {
	policy.ThresholdSource
	service.ThresholdRepository
	service.CredentialRepository
	service.AuthProvider
	credential.Store
	audit.Store
	engine.RequestStore
}

// Deps - внешние ресурсы, открытые вызывающим.
type Deps struct {
	Store  Storage
	Redis  *redis.Client // nil - без Redis: локальные уведомления, счетчики только memory
	Health server.Pinger
}

type App struct {
	Server      *server.Server
	Authority   *engine.Authority
	Registry    *policy.Registry
	Sweeper     *engine.Sweeper
	Metrics     *engine.Metrics
	Prometheus  *prometheus.Registry
	Auth        *service.AuthService
	Credentials *service.CredentialService

	rdb    *redis.Client
	logger *zap.Logger
}

func New(cfg *infra.Config, logger *zap.Logger, deps Deps) (*App, error) {
	// 1. Ключи и часы
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth public key: %w", err)
	}
	// Закрытый ключ нужен только инстансу, выдающему токены консоли
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Warn("console token issuing disabled", zap.Error(err))
		privateKey = nil
	}
	loc, err := time.LoadLocation(cfg.Auth.Timezone)
	if err != nil {
		return nil, fmt.Errorf("auth timezone: %w", err)
	}

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Счетчики попыток
	var counters ratelimit.CounterStore
	switch cfg.RateLimit.Backend {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis rate limit backend requires a redis client")
		}
		counters = ratelimit.NewRedisStore(deps.Redis)
	default:
		counters = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(counters, cfg.RateLimit.MaxAttempts, cfg.RateLimit.Lockout)

	// 4. Ядро: пороги, журнал, проверка PIN
	registry := policy.NewRegistry(deps.Store, logger)
	evaluator := risk.NewEvaluator(registry, logger)
	guard := infra.NewGuard("audit", cfg.Audit, metrics.BreakerObserver)
	journal := audit.NewJournal(deps.Store, guard, logger)
	hasher := credential.NewPinHasher(cfg.Auth.PinPepper, cfg.Auth.BcryptCost)

	verifier := credential.NewVerifier(deps.Store, journal, limiter, hasher, logger).WithClock(time.Now, loc)
	verifier.OnLockout(func(string) {
		metrics.Lockouts.Inc()
	})

	var notifier engine.Notifier = engine.NewLocalNotifier()
	if deps.Redis != nil {
		notifier = engine.NewRedisNotifier(deps.Redis, logger)
	}

	authority := engine.NewAuthority(evaluator, verifier, journal, deps.Store, guard, notifier, metrics, logger,
		engine.Options{RequestTTL: cfg.Requests.TTL, CodeLength: cfg.Requests.CodeLength})
	sweeper := engine.NewSweeper(deps.Store, notifier, metrics, logger, cfg.Requests.SweepInterval)

	// 5. Консоль (Dependency Injection)
	authService := service.NewAuthService(deps.Store, privateKey, cfg.Auth.TokenTTL)
	thresholdService := service.NewThresholdService(deps.Store, deps.Redis, registry, logger)
	credentialService := service.NewCredentialService(deps.Store, hasher, logger)
	auditService := service.NewAuditService(journal)

	srv := server.NewServer(cfg.Server, cfg.RateLimit, logger, auth.NewBaseValidator(publicKey), metrics, reg, deps.Health,
		server.Handlers{
			Auth:       handler.NewAuthHandler(authService, logger),
			Override:   handler.NewOverrideHandler(authority, logger),
			Request:    handler.NewRequestHandler(authority, logger),
			Threshold:  handler.NewThresholdHandler(thresholdService, logger),
			Credential: handler.NewCredentialHandler(credentialService, logger),
			Audit:      handler.NewAuditHandler(auditService, logger),
		})

	return &App{
		Server:      srv,
		Authority:   authority,
		Registry:    registry,
		Sweeper:     sweeper,
		Metrics:     metrics,
		Prometheus:  reg,
		Auth:        authService,
		Credentials: credentialService,
		rdb:         deps.Redis,
		logger:      logger,
	}, nil
}

// Start загружает пороги и запускает фоновые процессы до отмены ctx.
func (a *App) Start(ctx context.Context) error {
	if err := a.Registry.Refresh(ctx); err != nil {
		return fmt.Errorf("initial threshold load: %w", err)
	}
	if a.rdb != nil {
		go a.Registry.Listen(ctx, a.rdb)
	}
	go a.Sweeper.Run(ctx)
	return nil
}
