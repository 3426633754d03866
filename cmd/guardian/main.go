package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gate/internal/arbiter"
	"github.com/xela07ax/guardian-gate/internal/audit"
	"github.com/xela07ax/guardian-gate/internal/console/handler"
	"github.com/xela07ax/guardian-gate/internal/console/server"
	"github.com/xela07ax/guardian-gate/internal/console/service"
	"github.com/xela07ax/guardian-gate/internal/infra"
	"github.com/xela07ax/guardian-gate/internal/infra/auth"
	"github.com/xela07ax/guardian-gate/internal/notify"
	"github.com/xela07ax/guardian-gate/internal/notify/telegram"
	"github.com/xela07ax/guardian-gate/internal/registry"
	"github.com/xela07ax/guardian-gate/internal/repository/postgres"
	"github.com/xela07ax/guardian-gate/internal/twofactor"
)

// decisionSink разрывает цикл сборки: telegram-адаптеру нужен арбитр,
// а арбитру нужен адаптер как канал уведомлений. Поле заполняется
// после конструирования арбитра, до запуска long polling.
type decisionSink struct {
	arb *arbiter.Arbiter
}

func (s *decisionSink) SubmitDecision(ctx context.Context, requestID string, approve bool, code, reviewerID string) error {
	return s.arb.SubmitDecision(ctx, requestID, approve, code, reviewerID)
}

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	pool, err := postgres.NewPool(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("postgres pool init failed", zap.Error(err))
	}
	defer pool.Close()

	agentRepo := postgres.NewAgentRepo(pool)
	if err := agentRepo.Ping(appCtx); err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	defer rdb.Close()

	// 3. Журнал решений (батчи летят в Postgres асинхронно)
	decisionRepo := postgres.NewDecisionRepo(cfg.Database.URL)
	trail := audit.NewTrail(decisionRepo, logger)
	trail.Start()

	// 4. Реестр агентов (L1 процесс, L2 Redis, источник правды Postgres)
	reg := registry.NewRegistry(agentRepo, rdb, logger)
	if err := reg.Warmup(appCtx); err != nil {
		// Прогрев не критичен: реестр дочитает из БД по требованию
		logger.Warn("registry warmup skipped", zap.Error(err))
	}
	go reg.StartListener(appCtx)

	// 5. Метрики
	promReg := prometheus.NewRegistry()
	metrics := arbiter.NewMetrics(promReg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("Metrics exporter listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 6. Ядро арбитража
	store := arbiter.NewPendingStore(logger)
	verifier := twofactor.NewTOTPVerifier("Guardian Gate")

	sink := &decisionSink{}
	var notifier arbiter.Notifier
	var tgAdapter *telegram.Adapter
	if cfg.Telegram.Token != "" {
		guard := notify.NewReliability("telegram", cfg.Telegram.RateLimit, cfg.Telegram.RateBurst)
		tgAdapter, err = telegram.New(cfg.Telegram.Token, sink, reg, verifier, twofactor.ProvisioningQR, guard, logger)
		if err != nil {
			logger.Fatal("telegram bot init failed", zap.Error(err))
		}
		notifier = tgAdapter
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	arb := arbiter.NewArbiter(store, reg, notifier, verifier, trail, metrics, logger, cfg.Approval.WaitTimeout)
	sink.arb = arb

	sweeper := arbiter.NewSweeper(store, metrics, logger, cfg.Approval.WaitTimeout, cfg.Approval.SweepInterval)
	go sweeper.Start(appCtx)

	// Решения с других реплик консоли приходят через Redis Pub/Sub
	listener := arbiter.NewDecisionListener(rdb, arb, logger)
	go listener.Start(appCtx)

	if tgAdapter != nil {
		go tgAdapter.Start(appCtx)
	}

	// 7. Console API (RS256 периметр)
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("invalid auth public key", zap.Error(err))
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("invalid auth private key", zap.Error(err))
	}

	authService := service.NewAuthService(agentRepo, privKey)
	decisionService := service.NewDecisionService(arb, rdb, logger)

	srv := server.NewConsoleServer(
		cfg,
		logger,
		auth.NewBaseValidator(pubKey),
		handler.NewAuthHandler(authService),
		handler.NewAgentHandler(reg),
		handler.NewApprovalHandler(arb, decisionService),
	)

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("Guardian gate stopping...")

	// Даем время висящим заявкам отработать отказ и закрыть соединения
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()

	// Журнал глушим последним, чтобы дослать накопленные батчи
	trail.Stop()
	logger.Info("Guardian gate exited properly")
}
