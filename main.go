package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loss-prevention-pipeline/analyzer"
	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/consolidator"
	"loss-prevention-pipeline/database"
	"loss-prevention-pipeline/detector"
	"loss-prevention-pipeline/dispatch"
	"loss-prevention-pipeline/handlers"
	"loss-prevention-pipeline/metrics"
	"loss-prevention-pipeline/notify"
	"loss-prevention-pipeline/rabbitmq"
	"loss-prevention-pipeline/reconcile"
	"loss-prevention-pipeline/service"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg := config.Load()

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		log.WithError(err).Fatal("Failed to initialize database schema")
	}

	metrics.Register()

	// Stores
	sightingStore := database.NewSightingStore(db.GetDB())
	incidentStore := database.NewIncidentStore(db.GetDB())
	alertStore := database.NewAlertStore(db.GetDB())
	salesLedger := database.NewSalesLedger(db.GetDB())
	catalog := database.NewCatalog(db.GetDB())
	subscribers := database.NewSubscriberDirectory(db.GetDB())

	// Pipeline stages
	detectorClient := detector.NewClient(cfg.DetectorURL, cfg.DetectorTimeout)
	frameAnalyzer := analyzer.New(detectorClient, cfg)
	sightingConsolidator := consolidator.New(catalog, cfg)
	engine := reconcile.New(salesLedger, catalog, cfg)

	// Alert channels: email always, queue only if the broker is up.
	channels := map[string]dispatch.Channel{
		"EMAIL": notify.NewEmailChannel(cfg),
	}
	publisher, err := rabbitmq.NewPublisher(cfg.GetAMQPURL(), cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey)
	if err != nil {
		log.WithError(err).Warn("RabbitMQ unavailable, queue alert channel disabled")
	} else {
		defer publisher.Close()
		channels["QUEUE"] = notify.NewQueueChannel(publisher, cfg.RabbitMQRoutingKey)
	}
	dispatcher := dispatch.New(subscribers, alertStore, channels, cfg)

	pipeline := service.NewService(cfg, frameAnalyzer, sightingConsolidator, sightingStore, engine, incidentStore, dispatcher)

	// Initialize handlers
	h := handlers.NewHandlers(incidentStore, sightingStore, alertStore, pipeline)

	// Setup HTTP server
	router := gin.Default()

	api := router.Group("/api/v3")
	{
		api.GET("/health", h.HealthCheck)
		api.POST("/frames", h.ProcessFrame)
		api.GET("/incidents", h.ListIncidents)
		api.GET("/incidents/:id", h.GetIncident)
		api.POST("/incidents/:id/status", h.UpdateIncidentStatus)
		api.GET("/sightings/:id", h.GetSighting)
		api.GET("/stats", h.GetStats)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start the reconciliation sweep
	pipeline.Start()

	// Start HTTP server in a goroutine
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	pipeline.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	log.Info("Server exited")
}
