package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eterlink/internal/core/domain"
	httphandlers "eterlink/internal/handlers/http"
	"eterlink/internal/infrastructure/middleware"
	"eterlink/internal/infrastructure/monitoring"
	"eterlink/internal/infrastructure/repositories"
	relay "eterlink/internal/infrastructure/signal"
	"eterlink/pkg/config"
	"eterlink/pkg/logger"
	"eterlink/pkg/tracing"
	"eterlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Using default configuration", "path", *configPath, "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	instanceID := cfg.Relay.InstanceID
	if instanceID == "" {
		instanceID = utils.GenerateInstanceID()
	}

	factory := repositories.NewRegistryFactory(cfg, instanceID, log)
	registry := factory.CreatePeerRegistry()
	bus := factory.CreateRelayBus()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewRelayCollector(reg)

	opts := relay.ServerOptions{
		Key:               cfg.Relay.Key,
		InstanceID:        instanceID,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		ReadTimeout:       cfg.Relay.ReadTimeout,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		AllowedOrigins:    cfg.Relay.AllowedOrigins,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
		opts.MaxConcurrent = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	for _, s := range cfg.WebRTC.ICEServers {
		opts.ICEServers = append(opts.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	server := relay.NewRelayServer(opts, registry, bus, metrics, logger.NewContextLogger(zapLogger))

	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(registry, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewRelayHandler(server, health).SetupRoutes(router, cfg.Relay.Path)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := server.Run(ctx); err != nil {
			log.Errorw("Relay bus stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting eterlink relay",
			"address", cfg.Relay.Address,
			"instance", instanceID,
			"key", utils.MaskSensitive(cfg.Relay.Key, 2),
			"shared_registry", bus != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down eterlink relay...")
	cancel()
	server.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
	if err := factory.Close(); err != nil {
		log.Errorw("Error closing registry factory", "error", err)
	}

	log.Info("eterlink relay stopped")
}
