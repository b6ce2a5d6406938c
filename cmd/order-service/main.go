package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/oficina99/service-order-system/order-service/config"
	"github.com/oficina99/service-order-system/order-service/handlers"
	"github.com/oficina99/service-order-system/shared/telemetry"
)

func main() {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "order-service").
		Logger()

	cfg, err := config.ReadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("transport", cfg.Transport).
		Msg("starting order service")

	tel, telShutdown, err := telemetry.InitTelemetry(context.Background(),
		telemetry.OrderServiceConfig.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telShutdown()

	// Root context for everything that outlives a single request
	ctx := telemetry.WithTelemetry(context.Background(), tel)

	deps, err := config.BuildDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing dependencies")
		}
	}()

	// Start the inbound saga channels and the outbox relay
	for _, subscriber := range deps.Subscribers {
		if err := subscriber.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start subscriber")
		}
	}
	if err := deps.OutboxRelay.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start outbox relay")
	}

	router := setupRouter(deps, tel)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down order service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	for _, subscriber := range deps.Subscribers {
		if err := subscriber.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error stopping subscriber")
		}
	}
	if err := deps.OutboxRelay.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error stopping outbox relay")
	}

	logger.Info().Msg("order service stopped")
}

func setupRouter(deps *config.Dependencies, tel *telemetry.Telemetry) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(telemetry.Middleware(tel))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", handlers.NewMetricsHandler())

	// Register order routes
	deps.OrderHandlers.RegisterRoutes(r)

	return r
}
