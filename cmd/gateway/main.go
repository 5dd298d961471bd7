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

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/worker"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("email_provider", cfg.EmailProvider),
	)

	if cfg.IsProduction() && cfg.EmailProvider == config.EmailProviderLog {
		logger.Warn("EMAIL_PROVIDER=log in production, emails are only logged")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: cfg.DBMaxConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Without Redis, locks fail open and the API is not rate limited.
	var redisClient *redis.Client
	var rateLimiter *redis.RateLimiter
	if cfg.RedisEnabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, locking and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitRequests,
				Window: cfg.RateLimitWindow,
			})
		}
	}
	locker := redis.NewLocker(redisClient, logger)

	retrier := retry.NewController(retry.Policy{
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}, logger)

	emailTransport, err := newEmailTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	emailBreaker := newBreaker(cfg.EmailProvider, logger)
	emailSender := channel.NewEmailSender(
		circuitbreaker.NewProtectedEmailTransport(emailTransport, emailBreaker),
		locker, retrier,
		channel.EmailConfig{Subject: cfg.EmailSubject, LockTTL: cfg.LockTTL},
		logger,
	)

	breakers := []*circuitbreaker.CircuitBreaker{emailBreaker}
	var chatTransport channel.ChatTransport
	if cfg.TelegramBotToken != "" {
		bot, err := channel.NewTelegramTransport(channel.TelegramTransportConfig{
			Token:   cfg.TelegramBotToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.TelegramTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram transport: %w", err)
		}
		chatBreaker := newBreaker("telegram", logger)
		breakers = append(breakers, chatBreaker)
		chatTransport = circuitbreaker.NewProtectedChatTransport(bot, chatBreaker)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, telegram recipients will fail delivery")
	}
	telegramSender := channel.NewTelegramSender(chatTransport, locker, retrier,
		channel.TelegramConfig{RatePerSec: cfg.TelegramRatePerSec, LockTTL: cfg.LockTTL},
		logger,
	)

	dispatcher := dispatch.New(map[db.RecipientType]channel.Sender{
		db.RecipientEmail:    emailSender,
		db.RecipientTelegram: telegramSender,
	}, logger)

	var events worker.EventPublisher
	if cfg.SNSTopicARN != "" {
		publisher, err := newPublisher(ctx, cfg)
		if err != nil {
			logger.Warn("sns publisher unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			events = publisher
		}
	}

	processor := worker.NewProcessor(repo, dispatcher, locker, events, cfg.LockTTL, logger)

	tasks, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}

	pool := worker.NewPool(tasks, tasks, processor, retrier.Policy(), worker.Config{
		Workers: cfg.WorkerCount,
	}, logger)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	handler := api.NewHandler(logger, repo, tasks).
		WithHealthCheck("database", database.Health).
		WithBreakers(breakers...)
	if redisClient != nil {
		handler.WithHealthCheck("redis", redisClient.Ping)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		stop()
		<-poolDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Give outstanding requests and in-flight tasks 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not stop in time")
	}

	logger.Info("server stopped gracefully")
	return nil
}

func newEmailTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.EmailTransport, error) {
	switch cfg.EmailProvider {
	case config.EmailProviderSES:
		t, err := channel.NewSESTransport(ctx, channel.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Endpoint:  cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil
	case config.EmailProviderSMTP:
		return channel.NewSMTPTransport(channel.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.SMTPTimeout,
		}, logger), nil
	default:
		return channel.NewLogTransport(logger), nil
	}
}

func newBreaker(name string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	cbCfg := circuitbreaker.DefaultConfig(name)
	cbCfg.IsFailure = circuitbreaker.ProviderFailure
	return circuitbreaker.New(cbCfg, logger)
}

func newQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Queue, error) {
	if cfg.SQSQueueURL == "" {
		logger.Warn("SQS_QUEUE_URL not set, using in-process queue")
		return queue.NewMemoryQueue(logger), nil
	}
	q, err := queue.NewSQSQueue(ctx, queue.SQSConfig{
		Region:   cfg.AWSRegion,
		QueueURL: cfg.SQSQueueURL,
		DLQURL:   cfg.SQSDLQURL,
		Endpoint: cfg.AWSEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS queue: %w", err)
	}
	return q, nil
}

func newPublisher(ctx context.Context, cfg *config.Config) (*sns.Publisher, error) {
	if cfg.AWSEndpoint != "" {
		return sns.NewPublisherWithEndpoint(ctx, cfg.SNSTopicARN, cfg.AWSEndpoint, cfg.AWSRegion)
	}
	return sns.NewPublisher(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
}
