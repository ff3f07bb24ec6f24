package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bodasure/internal/cache"
	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/config"
	"bodasure/internal/convo"
	"bodasure/internal/handlers"
	"bodasure/internal/httpserver"
	"bodasure/internal/ledger"
	"bodasure/internal/logging"
	"bodasure/internal/metrics"
	"bodasure/internal/mpesa"
	"bodasure/internal/nlu"
	"bodasure/internal/policy"
	"bodasure/internal/recon"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"
	"bodasure/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting bodasure", "env", cfg.AppEnv, "channel", cfg.Channel)

	if cfg.PublicBaseURL != "" {
		callbackURL := strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhook/mpesa"
		logger.Info("public base url configured", "base_url", cfg.PublicBaseURL, "callback_url", callbackURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	if err := store.SyncAPIKeys(ctx, "gemini", cfg.GeminiAPIKeys); err != nil {
		return fmt.Errorf("sync gemini keys: %w", err)
	}

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	walletSvc, err := wallet.New(store, cfg.WalletSecret, logger)
	if err != nil {
		return fmt.Errorf("init wallet service: %w", err)
	}

	nluClient := nlu.New(store, logger, metricRegistry, nlu.Config{
		Model:    cfg.GeminiModel,
		Timeout:  cfg.GeminiTimeout,
		Cooldown: cfg.GeminiCooldown,
	})

	mpesaClient := mpesa.New(mpesa.Config{
		BaseURL:   cfg.MpesaBaseURL,
		APIKey:    cfg.MpesaAPIKey,
		ShortCode: cfg.MpesaShortCode,
		Timeout:   cfg.MpesaTimeout,
	}, logger, metricRegistry)

	ledgerClient := ledger.New(ledger.Config{
		BaseURL: cfg.LedgerBaseURL,
		APIKey:  cfg.LedgerAPIKey,
		Timeout: cfg.LedgerTimeout,
	}, logger, metricRegistry)

	policySvc := policy.New(store, walletSvc, mpesaClient, ledgerClient, logger, metricRegistry, policy.Config{
		QuoteValidity: cfg.QuoteValidity,
		TaxRate:       cfg.TaxRate,
	})
	claimSvc := claims.New(store, policySvc, mpesaClient, ledgerClient, logger, metricRegistry)

	// Transport selection is configuration only; dialog state lives on the
	// user row, so in-flight conversations survive a switch.
	var (
		sender           channel.Sender
		setProcessor     func(channel.Processor)
		startTransport   func(context.Context) error
		closeTransport   func()
		messagingWebhook http.Handler
	)
	switch cfg.Channel {
	case "cloud":
		cloud := channel.NewCloud(channel.CloudConfig{
			BaseURL:     cfg.CloudAPIBaseURL,
			Token:       cfg.CloudAPIToken,
			PhoneID:     cfg.CloudPhoneID,
			VerifyToken: cfg.CloudVerifyToken,
		}, logger, metricRegistry)
		sender = cloud
		setProcessor = cloud.SetProcessor
		messagingWebhook = cloud.Webhook()
	default:
		wameow, err := channel.NewWameow(ctx, channel.WameowConfig{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		sender = wameow
		setProcessor = wameow.SetProcessor
		startTransport = wameow.Start
		closeTransport = wameow.Close
	}
	if closeTransport != nil {
		defer closeTransport()
	}

	catalog := convo.NewCatalog(store, redisClient, logger)
	engine := convo.New(store, sender, policySvc, claimSvc, walletSvc, nluClient, catalog, logger, metricRegistry)
	setProcessor(engine)

	paymentProcessor := handlers.NewPaymentProcessor(store, policySvc, claimSvc, sender, redisClient, logger)
	mpesaWebhook := mpesa.NewWebhookHandler(logger, metricRegistry, cfg.MpesaCallbackUser, cfg.MpesaCallbackSecret, paymentProcessor)

	if startTransport != nil {
		transportCtx, transportCancel := context.WithCancel(ctx)
		defer transportCancel()
		go func() {
			if err := startTransport(transportCtx); err != nil {
				logger.Error("messaging transport stopped", "error", err)
				stop()
			}
		}()
	}

	reconWorker := recon.New(store, policySvc, claimSvc, ledgerClient, logger, metricRegistry, recon.Config{
		Interval: cfg.ReconInterval,
		MaxTries: cfg.ReconMaxTries,
	})
	go reconWorker.Run(ctx)

	go runSweep(ctx, policySvc, logger, cfg.SweepInterval)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		MpesaWebhook:     mpesaWebhook,
		MessagingWebhook: messagingWebhook,
	}, cfg.AdminToken, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:    store,
		Policies: policySvc,
		Claims:   claimSvc,
		Catalog:  catalog,
		Sender:   sender,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func runSweep(ctx context.Context, policySvc *policy.Service, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := policySvc.SweepExpired(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expiry sweep completed", "expired", n)
			}
		}
	}
}
