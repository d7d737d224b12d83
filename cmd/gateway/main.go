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

	"github.com/lalithlochan/flota/internal/api"
	"github.com/lalithlochan/flota/internal/circuitbreaker"
	"github.com/lalithlochan/flota/internal/config"
	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/metrics"
	"github.com/lalithlochan/flota/internal/notify"
	"github.com/lalithlochan/flota/internal/observ"
	"github.com/lalithlochan/flota/internal/redis"
	"github.com/lalithlochan/flota/internal/templates"
	"github.com/lalithlochan/flota/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting flota notification gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("mail_transport", cfg.MailTransport),
		zap.Bool("sms_enabled", cfg.SMSEnabled),
	)

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

	repo := db.NewRepository(database, logger)

	// Redis is optional: without it the recipient lock is in-process and
	// there is no idempotency or rate limiting.
	var (
		locker      worker.Locker
		limiter     api.RateLimiter
		idempotency api.IdempotencyStore
	)
	checks := map[string]api.HealthChecker{"postgres": database}
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-process recipient lock", zap.Error(err))
		} else {
			defer redisClient.Close()
			checks["redis"] = redisClient
			locker = redis.NewRecipientLock(redisClient, cfg.RecipientLockTTL, logger)
			idempotency = redis.NewIdempotency(redisClient, logger)
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerMinute,
				Window: time.Minute,
			})
		}
	}
	if locker == nil {
		locker = worker.NewLocalLocker()
	}

	senders, breakers, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	multi := worker.NewMultiSender(logger, senders...)

	resolver := templates.NewResolver(repo, brand(cfg), logger)
	dispatcher := worker.NewDispatcher(repo, resolver, multi, locker, worker.DispatcherConfig{
		Concurrency: cfg.DispatchConcurrency,
		Locale:      templates.DefaultLocale,
	}, logger)

	catalog := notify.NewCatalog(repo, logger)
	orchestrator := notify.NewOrchestrator(catalog, notify.NewRouter(repo, logger), repo, dispatcher, logger)
	admin := templates.NewAdmin(repo, resolver, multi, logger)

	transport := make([]api.Transport, 0, len(breakers))
	for _, b := range breakers {
		transport = append(transport, b)
	}
	handler := api.NewHandler(logger, api.Services{
		Config:    catalog,
		Notifier:  orchestrator,
		Reader:    repo,
		Templates: admin,
		Transport: transport,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	// Mount applies its own request timeout outside the dispatch routes.
	handler.Mount(r, limiter, idempotency)

	r.Get("/health", api.Health(logger, checks))
	r.With(middleware.Timeout(api.RequestTimeout)).Handle("/metrics", metrics.Handler())

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go reportPoolStats(statsCtx, database)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second, // cleared per request on the dispatch routes
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// In-flight dispatch passes get time to finish their recipients.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSenders registers email always and sms only when enabled, each behind
// its own circuit breaker.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]worker.Sender, []*circuitbreaker.Breaker, error) {
	var email worker.Sender
	switch cfg.MailTransport {
	case config.MailTransportLog:
		email = worker.NewLogSender(logger, db.ChannelEmail)
	default:
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		email = ses
	}

	breakerCfg := func(canal string) circuitbreaker.Config {
		return circuitbreaker.Config{
			Channel:   canal,
			Threshold: cfg.MailBreakerMaxFailures,
			Cooldown:  cfg.MailBreakerRecovery,
		}
	}

	emailBreaker := circuitbreaker.New(breakerCfg(db.ChannelEmail), logger)
	senders := []worker.Sender{circuitbreaker.NewProtectedSender(email, emailBreaker, logger)}
	breakers := []*circuitbreaker.Breaker{emailBreaker}

	if cfg.SMSEnabled {
		sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, sms recipients will be suppressed", zap.Error(err))
		} else {
			smsBreaker := circuitbreaker.New(breakerCfg(db.ChannelSMS), logger)
			senders = append(senders, circuitbreaker.NewProtectedSender(sns, smsBreaker, logger))
			breakers = append(breakers, smsBreaker)
		}
	}

	logger.Info("delivery channels registered",
		zap.String("email_transport", cfg.MailTransport),
		zap.Int("channels", len(senders)),
	)
	return senders, breakers, nil
}

func brand(cfg *config.Config) templates.Brand {
	b := templates.DefaultBrand()
	if cfg.BrandName != "" {
		b.Name = cfg.BrandName
	}
	if cfg.BrandColor != "" {
		b.Color = cfg.BrandColor
	}
	if cfg.BrandAccentColor != "" {
		b.AccentColor = cfg.BrandAccentColor
	}
	if cfg.BrandLogoURL != "" {
		b.LogoURL = cfg.BrandLogoURL
	}
	if cfg.BrandFooterText != "" {
		b.FooterText = cfg.BrandFooterText
	}
	return b
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
		}
	}
}
