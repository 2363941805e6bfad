package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/broker"
	"github.com/chatrelay/session-relay/internal/config"
	"github.com/chatrelay/session-relay/internal/database"
	"github.com/chatrelay/session-relay/internal/handler"
	"github.com/chatrelay/session-relay/internal/jobs"
	"github.com/chatrelay/session-relay/internal/middleware"
	"github.com/chatrelay/session-relay/internal/redis"
	"github.com/chatrelay/session-relay/internal/repository"
	"github.com/chatrelay/session-relay/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	healthChecks := make(map[string]handler.HealthCheck)

	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		healthChecks["database"] = db.Ping
		log.Info().Msg("database connected")
	} else {
		log.Warn().Msg("DATABASE_URL not set: onboarding endpoints disabled")
	}

	var redisClient *redis.Client
	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
		healthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
		log.Info().Msg("redis connected")
	} else {
		log.Info().Msg("REDIS_URL not set: running single-instance with in-memory rate limits")
	}

	eventBroker := broker.NewBroker(redisClient)
	eventBroker.Start()
	defer eventBroker.Close()

	session := service.NewSessionService(service.TimingFromConfig(cfg))
	defer session.Close()

	var gatewayOpts []service.GatewayOption
	if cfg.ForwardURL != "" {
		forwarder, err := service.NewForwarder(cfg.ForwardURL, cfg.ForwardSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure event forwarder")
		}
		forwarder.Start()
		defer forwarder.Stop()
		gatewayOpts = append(gatewayOpts, service.WithForwarder(forwarder))
	}

	gateway := service.NewGateway(session, eventBroker, gatewayOpts...)

	corsMiddleware := middleware.NewCORSMiddleware(cfg.AllowedOrigins)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	signatureMiddleware := middleware.NewSignatureMiddleware(cfg.WebhookSecret)
	sendLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.RateLimitPerMin, "send")
	codeLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.RateLimitPerMin, "qr")
	webhookLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.RateLimitPerMin, "webhook")

	streamHandler := handler.NewStreamHandler(gateway, corsMiddleware)
	relayHandler := handler.NewRelayHandler(gateway,
		handler.WithSendGuards(sendLimit.Handler),
		handler.WithCodeGuards(codeLimit.Handler),
		handler.WithWebhookGuards(webhookLimit.Handler, signatureMiddleware.Handler),
	)
	healthHandler := handler.NewHealthHandler(healthChecks)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(corsMiddleware.Handler)

	// The viewer stream is long-lived: no request timeout, no body limit.
	r.Get("/ws", streamHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)

		r.Get("/health", healthHandler.ServeHTTP)
		r.Handle("/metrics", promhttp.Handler())

		if db != nil {
			onboardingService := service.NewOnboardingService(db)
			r.Mount("/onboarding", handler.NewOnboardingHandler(onboardingService).Routes())
		}

		r.Mount("/", relayHandler.Routes())
	})

	if db != nil {
		cleanupJob := jobs.NewCleanupJob(repository.NewOnboardingTokenRepository(db.DB), config.CleanupJobInterval)
		cleanupJob.Start()
		defer cleanupJob.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
