package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loss-prevention-pipeline/metrics"
	"loss-prevention-pipeline/models"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// IncidentStore persists incidents and enforces the one-incident-per-
// sighting invariant. CreateIfAbsent is the idempotency boundary that
// makes reconciliation safely re-runnable from concurrent workers.
type IncidentStore struct {
	db *sql.DB
}

// NewIncidentStore creates a new incident store
func NewIncidentStore(db *sql.DB) *IncidentStore {
	return &IncidentStore{db: db}
}

// IncidentFilter narrows ListIncidents results. Zero values mean "any".
type IncidentFilter struct {
	Status  string
	StoreID string
	From    time.Time
	To      time.Time
	Limit   int
}

// CreateIfAbsent inserts an incident for the sighting, or returns the
// existing one. The UNIQUE key on sighting_id makes the insert atomic
// under concurrent callers; a duplicate insert is absorbed, never
// surfaced as an error.
func (s *IncidentStore) CreateIfAbsent(ctx context.Context, sighting *models.Sighting, draft *models.IncidentDraft) (*models.Incident, bool, error) {
	incident := &models.Incident{
		ID:                 uuid.New().String(),
		Code:               incidentCode(),
		Type:               draft.Type,
		Status:             models.IncidentStatusPending,
		SightingID:         sighting.ID,
		MatchedSaleID:      draft.MatchedSaleID,
		StoreID:            sighting.StoreID,
		OccurredAt:         sighting.ObservedAt,
		EstimatedValue:     draft.EstimatedValue,
		LowConfidenceMatch: draft.LowConfidenceMatch,
	}

	query := `
		INSERT IGNORE INTO incidents
			(id, code, type, status, sighting_id, matched_sale_id, store_id, occurred_at, estimated_value, low_confidence_match)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		incident.ID, incident.Code, incident.Type, incident.Status, incident.SightingID,
		nullable(incident.MatchedSaleID), incident.StoreID, incident.OccurredAt,
		incident.EstimatedValue, incident.LowConfidenceMatch)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert incident for sighting %s: %w", sighting.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rowsAffected > 0 {
		log.Infof("Created incident %s (%s) for sighting %s", incident.Code, incident.Type, sighting.ID)
		metrics.IncidentsCreated.WithLabelValues(incident.Type).Inc()
		return incident, true, nil
	}

	// Another worker won the insert; read its row back.
	existing, err := s.GetIncidentBySighting(ctx, sighting.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back incident for sighting %s: %w", sighting.ID, err)
	}

	metrics.DuplicateIncidentsAbsorbed.Inc()
	return existing, false, nil
}

// GetIncident returns one incident by ID.
func (s *IncidentStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return s.getIncidentWhere(ctx, "id = ?", id)
}

// GetIncidentBySighting returns the incident for a sighting, if any.
func (s *IncidentStore) GetIncidentBySighting(ctx context.Context, sightingID string) (*models.Incident, error) {
	return s.getIncidentWhere(ctx, "sighting_id = ?", sightingID)
}

func (s *IncidentStore) getIncidentWhere(ctx context.Context, where string, arg any) (*models.Incident, error) {
	query := `
		SELECT id, code, type, status, sighting_id, COALESCE(matched_sale_id, ''), store_id,
			occurred_at, estimated_value, low_confidence_match, created_at
		FROM incidents
		WHERE ` + where

	var incident models.Incident
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&incident.ID, &incident.Code, &incident.Type, &incident.Status, &incident.SightingID,
		&incident.MatchedSaleID, &incident.StoreID, &incident.OccurredAt,
		&incident.EstimatedValue, &incident.LowConfidenceMatch, &incident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return &incident, nil
}

// UpdateStatus moves an incident through the review state machine on
// behalf of an external reviewer. Invalid transitions are rejected with
// models.ErrInvalidTransition; RESOLVED and DISMISSED are terminal.
func (s *IncidentStore) UpdateStatus(ctx context.Context, id, newStatus string) error {
	if !models.ValidIncidentStatus(newStatus) {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidTransition, newStatus)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = ? FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrIncidentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read incident %s status: %w", id, err)
	}

	if !models.CanTransitionIncident(current, newStatus) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, newStatus)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET status = ? WHERE id = ?`, newStatus, id); err != nil {
		return fmt.Errorf("failed to update incident %s status: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}

	log.Infof("Incident %s status: %s -> %s", id, current, newStatus)
	return nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (s *IncidentStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.StoreID != "" {
		conditions = append(conditions, "store_id = ?")
		args = append(args, filter.StoreID)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "occurred_at <= ?")
		args = append(args, filter.To)
	}

	query := `
		SELECT id, code, type, status, sighting_id, COALESCE(matched_sale_id, ''), store_id,
			occurred_at, estimated_value, low_confidence_match, created_at
		FROM incidents`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY occurred_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		var incident models.Incident
		if err := rows.Scan(
			&incident.ID, &incident.Code, &incident.Type, &incident.Status, &incident.SightingID,
			&incident.MatchedSaleID, &incident.StoreID, &incident.OccurredAt,
			&incident.EstimatedValue, &incident.LowConfidenceMatch, &incident.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over incident rows: %w", err)
	}

	return incidents, nil
}

// CountIncidentsByStatus returns incident counts grouped by status.
func (s *IncidentStore) CountIncidentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan incident count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// incidentCode builds a short human-readable reference for reviewers.
func incidentCode() string {
	return "INC-" + strings.ToUpper(uuid.New().String()[:8])
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
