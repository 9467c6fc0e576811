package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/console/handler"
	"github.com/xela07ax/latchgate/internal/console/server"
	"github.com/xela07ax/latchgate/internal/console/service"
	"github.com/xela07ax/latchgate/internal/infra"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"github.com/xela07ax/latchgate/internal/notify"
	"github.com/xela07ax/latchgate/internal/repository"
)

var version = "dev"

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "console",
		Short:         "Operator API: approval queue, policy rules, audit trail and agent kill-switch",
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
	logger = logger.With(zap.String("service", "console"), zap.String("version", version))

	// 1. Инициализация ресурсов
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("console requires auth public key: %w", err)
	}

	store, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rdb := infra.NewRedisClient(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// 2. Инициализация слоев (Dependency Injection)
	var notifier approval.Notifier = approval.NopNotifier{}
	if rdb != nil {
		notifier = notify.NewRedisNotifier(rdb, logger)
	}
	ledger := approval.NewLedger(store, notifier, approval.Config{
		Window:           cfg.Approval.Window,
		TokenTTL:         cfg.Approval.TokenTTL,
		DenyRulePriority: cfg.Policy.PersistedDenyPriority,
	}, logger)

	approvalH := handler.NewApprovalHandler(service.NewApprovalService(ledger, logger), logger)
	agentH := handler.NewAgentHandler(service.NewAgentService(rdb, store, logger), logger)
	policyH := handler.NewPolicyHandler(service.NewRuleService(store, notifier, logger), logger)
	auditH := handler.NewAuditHandler(service.NewAuditService(store), logger)
	api := server.NewConsoleServer(logger, auth.NewBaseValidator(pub, cfg.Auth.Issuer), agentH, approvalH, policyH, auditH)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
	return nil
}
