package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/services"
	httphandlers "watchparty/internal/handlers/http"
	"watchparty/internal/infrastructure/middleware"
	"watchparty/internal/infrastructure/monitoring"
	"watchparty/internal/infrastructure/proxy"
	"watchparty/internal/infrastructure/repositories/memory"
	"watchparty/internal/infrastructure/signal"
	"watchparty/internal/infrastructure/upstream"
	"watchparty/pkg/config"
	"watchparty/pkg/logger"
	"watchparty/pkg/tracing"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/watchparty/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing (no-op provider when disabled)
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "watchparty",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Monitoring
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// Upstream media server client. A failed login at boot is not fatal; the
	// readiness probe keeps retrying Connect until the server comes back.
	mediaClient := upstream.NewClient(upstream.Config{
		ServerURL:           cfg.Upstream.ServerURL,
		APIKey:              cfg.Upstream.APIKey,
		Username:            cfg.Upstream.Username,
		Password:            cfg.Upstream.Password,
		MaxStreamingBitrate: cfg.Upstream.MaxStreamingBitrate,
		RequestTimeout:      cfg.Upstream.RequestTimeout,
	}, log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Upstream.RequestTimeout)
	if err := mediaClient.Connect(connectCtx); err != nil {
		log.Warnw("upstream media server not reachable at boot", "error", err)
	}
	connectCancel()

	// Repositories
	partyRepo := memory.NewMemoryPartyRepository()
	tokenRepo := memory.NewMemoryTokenRepository()

	// Services
	tokenService := services.NewTokenService(tokenRepo, partyRepo, collector, log, cfg.Tokens.Enabled, cfg.Tokens.TTL)
	partyService := services.NewPartyService(partyRepo, mediaClient, tokenService, collector, log, services.PartyServiceConfig{
		MaxUsers:         cfg.Party.MaxUsers,
		PersistentRoom:   domain.PartyCode(cfg.Party.PersistentRoom),
		DuplicateEpsilon: cfg.Sync.DuplicateEpsilonSeconds,
		SeekBufferDelay:  cfg.Sync.SeekBufferDelay,
	})
	authService := services.NewAuthService(mediaClient, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// Pre-create the persistent room so its code is live from boot.
	if cfg.Party.PersistentRoom != "" {
		if _, err := partyRepo.CreateWithCode(context.Background(), domain.PartyCode(cfg.Party.PersistentRoom)); err != nil {
			log.Warnw("failed to create persistent room", "code", cfg.Party.PersistentRoom, "error", err)
		} else {
			log.Infow("persistent room created", "code", cfg.Party.PersistentRoom)
		}
	}

	// Periodic expired-token sweep
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	if cfg.Tokens.Enabled {
		go func() {
			ticker := time.NewTicker(cfg.Tokens.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n, err := tokenService.Sweep(sweepCtx); err == nil && n > 0 {
						log.Debugw("swept expired stream tokens", "count", n)
					}
				}
			}
		}()
	}

	// WebSocket control channel
	wsServer := signal.NewWebSocketServer(partyService, collector, log, signal.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		SendBufferSize: cfg.Signal.SendBufferSize,
	})

	// HTTP handlers
	partyHandler := httphandlers.NewPartyHandler(partyService)
	libraryHandler := httphandlers.NewLibraryHandler(mediaClient)
	authHandler := httphandlers.NewAuthHandler(authService)
	hlsProxy := proxy.NewServer(tokenService, mediaClient, collector, log)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Public routes: login and the stream proxy. The proxy does its own
	// per-request token validation instead of the login gate.
	authHandler.SetupRoutes(router)
	hlsProxy.Register(router)

	// Control channel. Session auth happens at the party layer, not here.
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := mediaClient.Connect(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
				"upstream":  "unreachable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
			"upstream":  "ok",
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// API routes behind the optional login gate
	router.Use(middleware.AuthMiddleware(authService, cfg.Auth.RequireLogin))
	partyHandler.SetupRoutes(router, middleware.NewPartyCreationRateLimitMiddleware(cfg))
	libraryHandler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting watch party server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down watch party server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("Watch party server stopped")
}
