package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the loss prevention pipeline service
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// Detector service configuration
	DetectorURL     string
	DetectorTimeout time.Duration
	DetectorIoU     float64

	// Frame analysis configuration
	ConfidenceLadder []float64
	GridRows         int
	GridCols         int
	GridOverlap      float64
	MaxTileArea      float64
	MinAspectRatio   float64
	MaxAspectRatio   float64
	TileWorkers      int

	// Consolidation configuration
	IoUThresholdTiled  float64
	IoUThresholdSingle float64
	CentroidFactor     float64

	// Reconciliation configuration
	SaleWindow      time.Duration
	ConfidenceFloor float64
	SweepInterval   time.Duration
	SweepWorkers    int
	SweepBatchSize  int

	// Alert dispatch configuration
	AlertMaxAttempts      int
	AlertInitialBackoff   time.Duration
	AlertRecipientTimeout time.Duration
	AlertWorkers          int

	// SendGrid configuration
	SendGridAPIKey    string
	SendGridFromName  string
	SendGridFromEmail string

	// RabbitMQ configuration
	RabbitMQHost       string
	RabbitMQPort       string
	RabbitMQUser       string
	RabbitMQPassword   string
	RabbitMQExchange   string
	RabbitMQRoutingKey string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret"),
		DBName:     getEnv("DB_NAME", "lossprevention"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// Detector defaults
		DetectorURL:     getEnv("DETECTOR_URL", "http://localhost:9400"),
		DetectorTimeout: getDurationEnv("DETECTOR_TIMEOUT", 60*time.Second),
		DetectorIoU:     getFloatEnv("DETECTOR_IOU", 0.45),

		// Frame analysis defaults
		ConfidenceLadder: getFloatSliceEnv("CONFIDENCE_LADDER", "0.25,0.20,0.15,0.10,0.05"),
		GridRows:         getIntEnv("GRID_ROWS", 3),
		GridCols:         getIntEnv("GRID_COLS", 4),
		GridOverlap:      getFloatEnv("GRID_OVERLAP", 0.25),
		MaxTileArea:      getFloatEnv("MAX_TILE_AREA", 0.90),
		MinAspectRatio:   getFloatEnv("MIN_ASPECT_RATIO", 0.2),
		MaxAspectRatio:   getFloatEnv("MAX_ASPECT_RATIO", 5.0),
		TileWorkers:      getIntEnv("TILE_WORKERS", 0), // 0 = one worker per tile

		// Consolidation defaults
		IoUThresholdTiled:  getFloatEnv("IOU_THRESHOLD_TILED", 0.25),
		IoUThresholdSingle: getFloatEnv("IOU_THRESHOLD_SINGLE", 0.5),
		CentroidFactor:     getFloatEnv("CENTROID_FACTOR", 0.10),

		// Reconciliation defaults
		SaleWindow:      getDurationEnv("SALE_WINDOW", 30*time.Second),
		ConfidenceFloor: getFloatEnv("CONFIDENCE_FLOOR", 0.80),
		SweepInterval:   getDurationEnv("SWEEP_INTERVAL", 30*time.Second),
		SweepWorkers:    getIntEnv("SWEEP_WORKERS", 4),
		SweepBatchSize:  getIntEnv("SWEEP_BATCH_SIZE", 100),

		// Alert dispatch defaults
		AlertMaxAttempts:      getIntEnv("ALERT_MAX_ATTEMPTS", 3),
		AlertInitialBackoff:   getDurationEnv("ALERT_INITIAL_BACKOFF", 1*time.Second),
		AlertRecipientTimeout: getDurationEnv("ALERT_RECIPIENT_TIMEOUT", 10*time.Second),
		AlertWorkers:          getIntEnv("ALERT_WORKERS", 4),

		// SendGrid defaults
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Loss Prevention"),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", "alerts@lossprevention.local"),

		// RabbitMQ defaults
		RabbitMQHost:       getEnv("RABBITMQ_HOST", "localhost"),
		RabbitMQPort:       getEnv("RABBITMQ_PORT", "5672"),
		RabbitMQUser:       getEnv("RABBITMQ_USER", "guest"),
		RabbitMQPassword:   getEnv("RABBITMQ_PASSWORD", "guest"),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "lossprevention"),
		RabbitMQRoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "incident.alert"),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// GetAMQPURL builds the AMQP connection URL from RabbitMQ settings
func (c *Config) GetAMQPURL() string {
	return "amqp://" + c.RabbitMQUser + ":" + c.RabbitMQPassword + "@" + c.RabbitMQHost + ":" + c.RabbitMQPort + "/"
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getFloatSliceEnv gets a comma-separated float environment variable and
// returns it as a slice, falling back to the default on any parse error
func getFloatSliceEnv(key, defaultValue string) []float64 {
	parse := func(raw string) ([]float64, bool) {
		parts := strings.Split(raw, ",")
		values := make([]float64, 0, len(parts))
		for _, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, false
			}
			values = append(values, f)
		}
		return values, true
	}

	if value := os.Getenv(key); value != "" {
		if values, ok := parse(value); ok {
			return values
		}
	}
	values, _ := parse(defaultValue)
	return values
}
