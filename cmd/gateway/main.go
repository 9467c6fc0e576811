package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/connectors"
	"github.com/xela07ax/latchgate/internal/engine"
	"github.com/xela07ax/latchgate/internal/infra"
	"github.com/xela07ax/latchgate/internal/notify"
	"github.com/xela07ax/latchgate/internal/policy"
	"github.com/xela07ax/latchgate/internal/proxy"
	"github.com/xela07ax/latchgate/internal/repository"
)

var version = "dev"

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Policy-enforcing proxy for agent tool calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", "gateway"), zap.String("version", version))

	// 1. Инфраструктура и ресурсы
	store, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rdb := infra.NewRedisClient(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Control Plane (kill-switch, карантин, кэш правил)
	ksm := engine.NewKillSwitchManager(rdb, logger)
	if err := ksm.Init(ctx, store); err != nil {
		return fmt.Errorf("init kill-switch: %w", err)
	}
	go ksm.StartListener(appCtx)

	qm := engine.NewQuarantineManager(rdb, logger)
	if err := qm.Init(ctx, store); err != nil {
		return fmt.Errorf("init quarantine: %w", err)
	}
	go qm.StartListener(appCtx)

	rules := policy.NewRuleCache(store, rdb, cfg.Policy.CacheTTL, logger)
	go rules.StartListener(appCtx)

	defaults, err := policy.ParseDefaults(cfg.Policy.DefaultEffect, cfg.Policy.ClassDefaults)
	if err != nil {
		return err
	}

	// 3. HITL леджер
	notifiers := notify.Fanout{notify.LocalPolicy{Cache: rules}}
	if rdb != nil {
		notifiers = append(notifiers, notify.NewRedisNotifier(rdb, logger))
	}
	ledger := approval.NewLedger(store, notifiers, approval.Config{
		Window:           cfg.Approval.Window,
		TokenTTL:         cfg.Approval.TokenTTL,
		DenyRulePriority: cfg.Policy.PersistedDenyPriority,
	}, logger)

	// 4. Core
	eng := engine.New(store, rules, ledger, engine.Options{
		Defaults:   defaults,
		KillSwitch: ksm,
		Quarantine: qm,
		Metrics:    metrics,
	}, logger)

	// 5. Audit и Execution Layer
	agentFS := audit.NewAgentFS(store, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		OnFill:        func(n int) { metrics.AuditBufferFill.Set(float64(n)) },
	}, logger)
	agentFS.Start()

	upstreams := connectors.NewRegistry(connectors.RegistryOptions{
		DefaultTimeout: cfg.Engine.UpstreamTimeout,
		RateLimit:      cfg.Engine.UpstreamRateLimit,
		Burst:          cfg.Engine.UpstreamBurst,
		Attempts:       cfg.Engine.UpstreamAttempts,
		OnStateChange: func(upstreamID string, _, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(upstreamID).Set(breakerGauge(to))
		},
	}, logger)
	defer upstreams.Close()

	redactor, err := proxy.NewRedactor(cfg.Redaction.Keys, cfg.Redaction.Patterns)
	if err != nil {
		return err
	}

	// 6. HTTP Server
	h := proxy.NewHandler(eng, upstreams, agentFS, proxy.Options{
		Redactor: redactor,
		Metrics:  metrics,
		Version:  version,
	}, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      proxy.NewRouter(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway http started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// gRPC-поверхность Authorize для агентов, которые ходят в upstream сами
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor()))
		engine.NewGRPCAuthorizer(eng, logger).Register(grpcSrv)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			logger.Info("gateway grpc started", zap.String("addr", addr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	// 7. Graceful Shutdown
	select {
	case <-ctx.Done():
		logger.Info("gateway stopping")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	cancel()
	// Дописываем аудит после того, как новые запросы перестали приходить
	agentFS.Stop()
	logger.Info("gateway exited properly")
	return nil
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
