package database

import (
	"context"
	"database/sql"
	"fmt"

	"loss-prevention-pipeline/models"
)

// AlertStore persists per-recipient alerts. Alerts are a write-only
// fan-out artifact of the dispatcher; earlier stages never read them.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore creates a new alert store
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

// CreateAlert inserts a new PENDING alert.
func (s *AlertStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, incident_id, recipient_id, channel, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.IncidentID, alert.RecipientID, alert.Channel, alert.Status, alert.Attempts, alert.LastError)
	if err != nil {
		return fmt.Errorf("failed to create alert %s: %w", alert.ID, err)
	}
	return nil
}

// UpdateAlert records the delivery outcome of an alert.
func (s *AlertStore) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	query := `UPDATE alerts SET status = ?, attempts = ?, last_error = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, alert.Status, alert.Attempts, alert.LastError, alert.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, err)
	}
	return nil
}

// ListAlertsForIncident returns the alerts fanned out for an incident.
func (s *AlertStore) ListAlertsForIncident(ctx context.Context, incidentID string) ([]models.Alert, error) {
	query := `
		SELECT id, incident_id, recipient_id, channel, status, attempts, COALESCE(last_error, ''), created_at
		FROM alerts
		WHERE incident_id = ?
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts for incident %s: %w", incidentID, err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		if err := rows.Scan(&alert.ID, &alert.IncidentID, &alert.RecipientID, &alert.Channel,
			&alert.Status, &alert.Attempts, &alert.LastError, &alert.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over alert rows: %w", err)
	}

	return alerts, nil
}
