package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loss-prevention-pipeline/models"
)

// SightingStore persists consolidated sightings and tracks which of
// them still need reconciliation.
type SightingStore struct {
	db *sql.DB
}

// NewSightingStore creates a new sighting store
func NewSightingStore(db *sql.DB) *SightingStore {
	return &SightingStore{db: db}
}

// SaveSightings inserts consolidated sightings. Sighting IDs are
// deterministic per frame and box, so re-processing a frame is a no-op
// for rows that already exist.
func (s *SightingStore) SaveSightings(ctx context.Context, sightings []models.Sighting) error {
	if len(sightings) == 0 {
		return nil
	}

	query := `
		INSERT IGNORE INTO sightings
			(id, camera_id, store_id, frame_id, product_id, confidence, x1, y1, x2, y2, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, sg := range sightings {
		_, err := s.db.ExecContext(ctx, query,
			sg.ID, sg.CameraID, sg.StoreID, sg.FrameID, sg.ProductID, sg.Confidence,
			sg.BBox.X1, sg.BBox.Y1, sg.BBox.X2, sg.BBox.Y2, sg.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to save sighting %s: %w", sg.ID, err)
		}
	}

	return nil
}

// GetSighting returns one sighting by ID for audit traceability.
func (s *SightingStore) GetSighting(ctx context.Context, id string) (*models.Sighting, error) {
	query := `
		SELECT id, camera_id, store_id, frame_id, product_id, confidence, x1, y1, x2, y2, observed_at
		FROM sightings
		WHERE id = ?`

	var sg models.Sighting
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sg.ID, &sg.CameraID, &sg.StoreID, &sg.FrameID, &sg.ProductID, &sg.Confidence,
		&sg.BBox.X1, &sg.BBox.Y1, &sg.BBox.X2, &sg.BBox.Y2, &sg.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSightingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sighting %s: %w", id, err)
	}

	return &sg, nil
}

// GetUnreconciledSightings returns sightings above the confidence floor
// that have not been through a reconciliation sweep yet. Sightings
// below the floor stay un-reconciled forever but are retained for
// audit.
func (s *SightingStore) GetUnreconciledSightings(ctx context.Context, confidenceFloor float64, limit int) ([]models.Sighting, error) {
	query := `
		SELECT id, camera_id, store_id, frame_id, product_id, confidence, x1, y1, x2, y2, observed_at
		FROM sightings
		WHERE reconciled_at IS NULL AND confidence >= ?
		ORDER BY observed_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, confidenceFloor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unreconciled sightings: %w", err)
	}
	defer rows.Close()

	var sightings []models.Sighting
	for rows.Next() {
		var sg models.Sighting
		if err := rows.Scan(
			&sg.ID, &sg.CameraID, &sg.StoreID, &sg.FrameID, &sg.ProductID, &sg.Confidence,
			&sg.BBox.X1, &sg.BBox.Y1, &sg.BBox.X2, &sg.BBox.Y2, &sg.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sighting: %w", err)
		}
		sightings = append(sightings, sg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sighting rows: %w", err)
	}

	return sightings, nil
}

// MarkReconciled stamps a sighting as processed by a sweep.
func (s *SightingStore) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sightings SET reconciled_at = ? WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark sighting %s reconciled: %w", id, err)
	}
	return nil
}
