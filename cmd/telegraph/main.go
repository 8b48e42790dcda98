package main

import (
	"time"

	"telegraph/internal/handlers"
	"telegraph/internal/hub"
	"telegraph/internal/metrics"
	"telegraph/internal/store"
	"telegraph/pkg/auth"
	"telegraph/pkg/config"
	"telegraph/pkg/database"
	"telegraph/pkg/logging"
	"telegraph/pkg/monitoring"
	"telegraph/pkg/server"
	"telegraph/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("telegraph")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Telegraph (call-event distribution hub)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("telegraph", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("telegraph", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		Connections:       metricsCollector.NewGauge("ws_connections_active", "Active WebSocket connections", []string{}),
		Subscriptions:     metricsCollector.NewGauge("subscriptions_active", "Active call subscriptions", []string{}),
		MessagesSent:      metricsCollector.NewCounter("messages_sent_total", "Outbound client messages", []string{"type"}),
		DuplicatesSkipped: metricsCollector.NewCounter("duplicates_skipped_total", "Turns suppressed by the delivery cursor", []string{"path"}),
		SendFailures:      metricsCollector.NewCounter("send_failures_total", "Sends that dropped a connection", []string{"reason"}),
		PollTicks:         metricsCollector.NewCounter("poll_ticks_total", "Polling fallback ticks", []string{"status"}),
		BroadcastDuration: metricsCollector.NewHistogram("broadcast_duration_seconds", "Fan-out duration", []string{"type"}, nil),
	}

	// Connect to the call store (read-only from this service)
	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	callStore := store.NewPostgres(db, logger)

	// Initialize the distribution hub
	hubConfig := hub.Config{
		PollInterval:    time.Duration(config.GetEnvInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
		SendTimeout:     time.Duration(config.GetEnvInt("SEND_TIMEOUT_MS", 5000)) * time.Millisecond,
		GeneratedPrefix: config.GetEnv("CALL_ID_PREFIX", "EL_"),
		StoreTimeout:    config.GetEnvDuration("STORE_TIMEOUT", 10*time.Second),
	}
	distributionHub := hub.New(callStore, hubConfig, logger, serviceMetrics)

	// Initialize handlers
	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	telegraphHandlers := handlers.NewTelegraphHandlers(distributionHub, logger, jwtSecret)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbConfig.URL,
		"JWT_SECRET":   string(jwtSecret),
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "telegraph", healthChecker, metricsCollector)

	// Client-facing WebSocket endpoint
	router.GET("/ws", telegraphHandlers.HandleWebSocket)

	// Provider webhook ingestion with service auth
	webhooks := router.Group("/webhooks")
	webhooks.Use(auth.ServiceAuthMiddleware(serviceToken))
	webhooks.POST("/transcription", telegraphHandlers.HandleTranscriptionWebhook)
	webhooks.POST("/completion", telegraphHandlers.HandleCompletionWebhook)

	// Admin routes with service auth
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	admin.GET("/stats", telegraphHandlers.HandleStats)

	router.NoRoute(telegraphHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("telegraph", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
