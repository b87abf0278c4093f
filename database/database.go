package database

import (
	"database/sql"
	"fmt"
	"time"

	"loss-prevention-pipeline/config"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
)

// Database represents the database connection
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with exponential backoff retry
	var waitInterval time.Duration = 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		} else {
			log.WithError(err).Warnf("Database connection failed, retrying in %v", waitInterval)
		}
		time.Sleep(waitInterval)
		waitInterval *= 2
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// GetDB returns the underlying sql.DB
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// InitSchema creates the pipeline-owned tables if they don't exist.
// Sales and subscriber tables are owned by external systems and are
// never created or mutated here.
func (d *Database) InitSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sightings (
			id VARCHAR(36) NOT NULL,
			camera_id VARCHAR(64) NOT NULL,
			store_id VARCHAR(64) NOT NULL,
			frame_id VARCHAR(64) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			confidence DOUBLE NOT NULL,
			x1 DOUBLE NOT NULL,
			y1 DOUBLE NOT NULL,
			x2 DOUBLE NOT NULL,
			y2 DOUBLE NOT NULL,
			observed_at TIMESTAMP NOT NULL,
			reconciled_at TIMESTAMP NULL DEFAULT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id),
			INDEX frame_idx (frame_id),
			INDEX store_observed_idx (store_id, observed_at),
			INDEX reconciled_idx (reconciled_at)
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id VARCHAR(36) NOT NULL,
			code VARCHAR(32) NOT NULL,
			type VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			sighting_id VARCHAR(36) NOT NULL,
			matched_sale_id VARCHAR(64) DEFAULT NULL,
			store_id VARCHAR(64) NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			estimated_value DECIMAL(10,2) NOT NULL DEFAULT 0.00,
			low_confidence_match BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id),
			UNIQUE KEY sighting_idx (sighting_id),
			INDEX status_idx (status),
			INDEX store_occurred_idx (store_id, occurred_at)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(36) NOT NULL,
			incident_id VARCHAR(36) NOT NULL,
			recipient_id VARCHAR(64) NOT NULL,
			channel VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (id),
			INDEX incident_idx (incident_id)
		)`,
		`CREATE TABLE IF NOT EXISTS product_catalog (
			class_id INT NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			unit_price DECIMAL(10,2) NOT NULL DEFAULT 0.00,
			PRIMARY KEY (class_id)
		)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Info("Database schema initialized")
	return nil
}
