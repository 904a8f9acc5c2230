package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/alerts"
	"github.com/casavia/otpgate/internal/api"
	"github.com/casavia/otpgate/internal/config"
	"github.com/casavia/otpgate/internal/conntest"
	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/metrics"
	"github.com/casavia/otpgate/internal/observ"
	"github.com/casavia/otpgate/internal/orchestrator"
	"github.com/casavia/otpgate/internal/provider"
	"github.com/casavia/otpgate/internal/redis"
	"github.com/casavia/otpgate/internal/sqs"
	"github.com/casavia/otpgate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "otpgate")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting otpgate",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	ledger := db.NewLedger(database, logger)
	alertRepo := db.NewAlertRepository(database, logger)
	issueRepo := db.NewIssueRepository(database, logger)

	// Redis backs the per-destination rate limit and resend cooldown.
	// It is a guard, not a hard dependency: the gateway still delivers
	// without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and cooldowns disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var rateLimiter *redis.RateLimiter
	var cooldown *redis.CooldownGuard
	if redisClient != nil {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerDest,
			Window: cfg.RateLimitWindow,
		})
		cooldown = redis.NewCooldownGuard(redisClient, cfg.ResendCooldown, logger)
		defer redisClient.Close()
	}

	// Provider adapters. A failed constructor disables that provider,
	// the rest of the channel keeps working.
	var adapters []provider.Adapter

	snsAdapter, err := provider.NewSNSAdapter(ctx, provider.SNSConfig{
		Region:   cfg.SNSRegion,
		Priority: cfg.SNSPriority,
	}, logger)
	if err != nil {
		logger.Warn("SNS adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, snsAdapter)
	}

	if cfg.SMSGatewayURL != "" {
		adapters = append(adapters, provider.NewHTTPSMSAdapter(provider.HTTPSMSConfig{
			BaseURL:  cfg.SMSGatewayURL,
			APIKey:   cfg.SMSGatewayKey,
			Timeout:  cfg.ProviderTimeout,
			Priority: cfg.SMSGatewayPriority,
		}, logger))
	}

	sesAdapter, err := provider.NewSESAdapter(ctx, provider.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
		Priority:  cfg.SESPriority,
	}, logger)
	if err != nil {
		logger.Warn("SES adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, sesAdapter)
	}

	if cfg.SMTPHost != "" {
		adapters = append(adapters, provider.NewSMTPAdapter(provider.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Priority: cfg.SMTPPriority,
		}, logger))
	}

	if cfg.Env == "development" {
		adapters = append(adapters,
			provider.NewLogAdapter(db.ChannelSMS, 99, logger),
			provider.NewLogAdapter(db.ChannelEmail, 99, logger),
		)
	}

	registry := provider.NewRegistry(adapters...)

	logger.Info("provider registry initialized",
		zap.Int("adapters", len(adapters)),
		zap.Bool("sms_enabled", len(registry.ForChannel(db.ChannelSMS)) > 0),
		zap.Bool("email_enabled", len(registry.ForChannel(db.ChannelEmail)) > 0),
	)

	// Health monitor, seeded with every registered adapter.
	monitor := health.NewMonitor(health.Config{
		DegradedThreshold:  cfg.DegradedThreshold,
		DownThreshold:      cfg.DownThreshold,
		SoftFailureRate:    cfg.SoftFailureRate,
		HardFailureRate:    cfg.HardFailureRate,
		ProbeFailThreshold: cfg.ProbeFailThreshold,
		RecoveryThreshold:  cfg.RecoveryThreshold,
		Window:             cfg.HealthWindow,
	}, logger)
	for _, a := range adapters {
		monitor.Register(a.Name(), a.Channel(), a.Priority())
	}

	// Operator paging via SNS topic, optional.
	var pager alerts.Pager
	if cfg.AlertTopicARN != "" {
		snsPager, err := alerts.NewSNSPager(ctx, cfg.SNSRegion, cfg.AlertTopicARN, logger)
		if err != nil {
			logger.Warn("SNS pager unavailable, alerts will not page", zap.Error(err))
		} else {
			pager = snsPager
		}
	}

	engine := alerts.New(alertRepo, monitor, ledger, pager, alerts.Config{
		Window:              cfg.AlertWindow,
		Tick:                cfg.AlertTick,
		MinSamples:          cfg.AlertMinSamples,
		CriticalFailureRate: cfg.CriticalFailureRate,
		WarningFailureRate:  cfg.WarningFailureRate,
		EscalationWindow:    cfg.EscalationWindow,
	}, logger)
	monitor.OnTransition(engine.HandleTransition)

	orch := orchestrator.New(registry, monitor, ledger, orchestrator.Config{
		ProviderTimeout:  cfg.ProviderTimeout,
		DeliveryDeadline: cfg.DeliveryDeadline,
		MaxAttempts:      cfg.MaxAttempts,
		ChannelFallback:  cfg.ChannelFallback,
	}, logger)

	tester := conntest.New(registry, cfg.ProviderTimeout, logger)

	// SQS producer for the issue-report triage pipeline, optional.
	var triage api.TriageQueue
	if cfg.TriageQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.TriageQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, issue reports will not be enqueued",
				zap.Error(err),
			)
		} else {
			triage = producer
			defer producer.Close()
		}
	}

	// Background loops: synthetic probes and the alert tick.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	prober := worker.New(registry, monitor, worker.Config{
		Interval:     cfg.ProbeInterval,
		ProbeTimeout: cfg.ProviderTimeout,
	}, logger)
	go prober.Start(bgCtx)
	go engine.Run(bgCtx)

	logger.Info("background workers started",
		zap.Duration("probe_interval", cfg.ProbeInterval),
		zap.Duration("alert_tick", cfg.AlertTick),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.DeliveryDeadline + 5*time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, api.Deps{
		Deliverer: orch,
		Tester:    tester,
		Alerts:    engine,
		Ledger:    ledger,
		Health:    monitor,
		Issues:    issueRepo,
		Triage:    triage,
		Limiter:   rateLimiter,
		Cooldown:  cooldown,
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/deliveries", handler.Deliver)
		r.Post("/connectivity-test", handler.ConnectivityTest)

		r.Get("/delivery-metrics", handler.GetMetrics)
		r.Get("/delivery-metrics/health", handler.GetProviderHealth)
		r.Get("/delivery-metrics/alerts", handler.GetAlerts)
		r.Get("/delivery-history", handler.GetHistory)
		r.Get("/delivery-history/{id}/diagnostics", handler.GetDiagnostics)

		r.Post("/alerts/{id}/acknowledge", handler.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)
		r.Post("/alerts/{id}/escalate", handler.EscalateAlert)

		r.Post("/issue-reports", handler.CreateIssueReport)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DeliveryDeadline + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
