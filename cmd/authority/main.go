package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/pos-override-authority/internal/app"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/repository/memory"
	"github.com/xela07ax/pos-override-authority/internal/repository/postgres"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing := infra.SetupTelemetry(cfg.Telemetry, logger)

	// Контекст жизненного цикла фоновых горутин (Pub/Sub, свипер)
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилища
	deps, closeStore, err := openDeps(appCtx, cfg, logger)
	if err != nil {
		logger.Fatal("storage unavailable", zap.Error(err))
	}
	defer closeStore()

	// 3. Ядро и консоль
	authority, err := app.New(cfg, logger, deps)
	if err != nil {
		logger.Fatal("failed to build authority", zap.Error(err))
	}
	if err := authority.Start(appCtx); err != nil {
		logger.Fatal("failed to start authority", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      authority.Server.Handler(cfg.Telemetry.ServiceName),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 4. gRPC health для балансировщика
	var grpcSrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		grpcSrv = grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, hs)
		go watchHealth(appCtx, hs, deps.Health, logger)

		go func() {
			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
			if err != nil {
				logger.Fatal("failed to listen gRPC", zap.Error(err))
			}
			logger.Info("gRPC health started", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC serve failed", zap.Error(err))
			}
		}()
	}

	// 5. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("override authority started", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("override authority stopping")

	// Ждущие await держат соединение до 30с
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("override authority exited properly")
}

// openDeps открывает хранилище по storage.driver и, если задан, Redis.
func openDeps(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (app.Deps, func(), error) {
	var deps app.Deps
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Storage.Driver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		repo, err := postgres.Open(connectCtx, cfg.Database)
		if err != nil {
			return deps, closeAll, err
		}
		closers = append(closers, repo.Close)
		deps.Store = repo
		deps.Health = repo
	default:
		logger.Warn("in-memory storage: data is lost on restart")
		deps.Store = memory.New()
	}

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			closeAll()
			return deps, func() {}, fmt.Errorf("redis: ping: %w", err)
		}
		deps.Redis = rdb
	}
	return deps, closeAll, nil
}

// watchHealth переключает статус gRPC health по доступности хранилища.
func watchHealth(ctx context.Context, hs *health.Server, store interface{ Ping(context.Context) error }, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if store != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := store.Ping(pingCtx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()
		}
		if status != last {
			logger.Info("health status changed", zap.String("status", status.String()))
			last = status
		}
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
