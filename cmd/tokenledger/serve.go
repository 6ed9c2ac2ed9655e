package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/notify"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/observability"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payment"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const readHeaderTimeout = 10 * time.Second

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := observability.NewLogger(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	packages, err := catalog.New(cfg.Packages)
	if err != nil {
		return fmt.Errorf("package catalog: %w", err)
	}
	gateway, err := newPaymentGateway(cfg)
	if err != nil {
		return err
	}
	queue, closeQueue, err := newNotificationQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	recorder := observability.NewRecorder()
	zapLogger := observability.NewZapOperationLogger(logger)
	service, err := ledger.NewService(store, store, utcNow,
		ledger.WithOperationLogger(zapLogger),
		ledger.WithOperationLogger(recorder),
		ledger.WithAuditLogger(zapLogger),
		ledger.WithSummaryReader(store),
		ledger.WithPackageCatalog(packages),
		ledger.WithPaymentGateway(gateway),
		ledger.WithNotificationQueue(queue),
		ledger.WithPaymentTimeout(cfg.PaymentTimeout),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	userTokens, err := httpapi.NewTokenValidator(cfg.UserSigningKey, cfg.TokenIssuer, "")
	if err != nil {
		return err
	}
	adminTokens, err := httpapi.NewTokenValidator(cfg.AdminSigningKey, cfg.TokenIssuer, httpapi.RoleAdmin)
	if err != nil {
		return err
	}
	serviceTokens, err := httpapi.NewTokenValidator(cfg.ServiceSigningKey, cfg.TokenIssuer, httpapi.RoleService)
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(service, httpapi.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		UserTokens:     userTokens,
		AdminTokens:    adminTokens,
		Metrics:        recorder,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	grpcServer, err := grpcserver.NewServer(grpcserver.NewTokenLedgerService(service), serviceTokens, adminTokens)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(listener)
	}()
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.HTTPListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("server stopped", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown error", zap.Error(shutdownErr))
	}
	grpcServer.GracefulStop()

	if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) || errors.Is(serveErr, grpc.ErrServerStopped) {
		return nil
	}
	return serveErr
}

func newPaymentGateway(cfg config.Config) (ledger.PaymentGateway, error) {
	switch cfg.PaymentProvider {
	case config.PaymentProviderHTTP:
		gateway, err := payment.NewHTTPGateway(payment.HTTPConfig{
			BaseURL: cfg.PaymentBaseURL,
			APIKey:  cfg.PaymentAPIKey,
			Timeout: cfg.PaymentTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("payment gateway: %w", err)
		}
		return gateway, nil
	case config.PaymentProviderDemo:
		return payment.NewDemoGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.PaymentProvider)
	}
}

// newNotificationQueue pushes jobs to Redis when configured and logs them otherwise.
func newNotificationQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.NotificationQueue, func() error, error) {
	if cfg.RedisURL == "" {
		return notify.NewLogQueue(logger), func() error { return nil }, nil
	}
	client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	queue, err := notify.NewRedisQueue(client, cfg.NotificationQueueKey, time.Now)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return queue, client.Close, nil
}
