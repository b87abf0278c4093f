package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loss-prevention-pipeline/analyzer"
	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/consolidator"
	"loss-prevention-pipeline/metrics"
	"loss-prevention-pipeline/models"
	"loss-prevention-pipeline/reconcile"

	"github.com/apex/log"
)

// SightingStore is the persistence surface the pipeline needs for
// sightings.
type SightingStore interface {
	SaveSightings(ctx context.Context, sightings []models.Sighting) error
	GetUnreconciledSightings(ctx context.Context, confidenceFloor float64, limit int) ([]models.Sighting, error)
	MarkReconciled(ctx context.Context, id string, at time.Time) error
}

// IncidentCreator is the idempotent incident persistence boundary.
type IncidentCreator interface {
	CreateIfAbsent(ctx context.Context, sighting *models.Sighting, draft *models.IncidentDraft) (*models.Incident, bool, error)
}

// Reconciler decides the outcome for one sighting.
type Reconciler interface {
	Reconcile(ctx context.Context, sighting *models.Sighting) (reconcile.Outcome, *models.IncidentDraft, error)
}

// AlertDispatcher fans out alerts for a freshly created incident.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, incident *models.Incident) ([]models.Alert, error)
}

// Service wires the pipeline stages together: analyze, consolidate,
// persist, reconcile, dispatch. It runs as a triggerable batch job
// (per-frame via ProcessFrame) plus a periodic sweep over the backlog
// of un-reconciled sightings.
type Service struct {
	config       *config.Config
	analyzer     *analyzer.Analyzer
	consolidator *consolidator.Consolidator
	sightings    SightingStore
	engine       Reconciler
	incidents    IncidentCreator
	dispatcher   AlertDispatcher

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// FrameResult summarizes one frame's trip through the pipeline.
type FrameResult struct {
	FrameID       string `json:"frame_id"`
	RawDetections int    `json:"raw_detections"`
	Sightings     int    `json:"sightings"`
	Incidents     int    `json:"incidents"`
}

// NewService creates a new pipeline service
func NewService(cfg *config.Config, an *analyzer.Analyzer, cons *consolidator.Consolidator,
	sightings SightingStore, engine Reconciler, incidents IncidentCreator, dispatcher AlertDispatcher) *Service {
	return &Service{
		config:       cfg,
		analyzer:     an,
		consolidator: cons,
		sightings:    sightings,
		engine:       engine,
		incidents:    incidents,
		dispatcher:   dispatcher,
		stopChan:     make(chan struct{}),
	}
}

// Start starts the periodic reconciliation sweep
func (s *Service) Start() {
	log.Info("Starting loss prevention pipeline service...")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepInterval)
				if err := s.ReconcileSweep(ctx); err != nil {
					log.WithError(err).Error("Reconciliation sweep failed")
				}
				cancel()
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop stops the sweep loop and waits for it to finish
func (s *Service) Stop() {
	log.Info("Stopping loss prevention pipeline service...")
	close(s.stopChan)
	s.wg.Wait()
}

// ProcessFrame runs the full pipeline for one frame: detector passes,
// consolidation, sighting persistence and immediate reconciliation.
// Re-submitting the same frame is idempotent end to end: sighting IDs
// are deterministic and the incident store absorbs duplicates.
func (s *Service) ProcessFrame(ctx context.Context, frame *models.Frame, expectedCount int) (*FrameResult, error) {
	detections := s.analyzer.AnalyzeFrame(ctx, frame, expectedCount)

	mode := consolidator.ModeTiled
	if s.config.GridRows <= 0 || s.config.GridCols <= 0 {
		mode = consolidator.ModeSinglePass
	}
	accepted := s.consolidator.Consolidate(detections, frame.Diagonal(), mode)

	sightings, err := s.consolidator.ResolveSightings(ctx, frame, accepted)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sightings for frame %s: %w", frame.ID, err)
	}

	if err := s.sightings.SaveSightings(ctx, sightings); err != nil {
		return nil, fmt.Errorf("failed to persist sightings for frame %s: %w", frame.ID, err)
	}
	metrics.SightingsCreated.Add(float64(len(sightings)))

	incidents := 0
	for i := range sightings {
		created, err := s.reconcileSighting(ctx, &sightings[i])
		if err != nil {
			// Store-level failure: leave the sighting un-reconciled, the
			// next sweep retries it.
			log.WithError(err).Errorf("Failed to reconcile sighting %s", sightings[i].ID)
			continue
		}
		if created {
			incidents++
		}
	}

	log.Infof("Frame %s: %d raw detections, %d sightings, %d incidents",
		frame.ID, len(detections), len(sightings), incidents)

	return &FrameResult{
		FrameID:       frame.ID,
		RawDetections: len(detections),
		Sightings:     len(sightings),
		Incidents:     incidents,
	}, nil
}

// ReconcileSweep reconciles a batch of un-reconciled sightings on a
// bounded worker pool. Cancellation is cooperative between sightings:
// a sighting is never abandoned half-way, the atomic create-if-absent
// keeps partial runs harmless.
func (s *Service) ReconcileSweep(ctx context.Context) error {
	sightings, err := s.sightings.GetUnreconciledSightings(ctx, s.config.ConfidenceFloor, s.config.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to load reconciliation backlog: %w", err)
	}
	metrics.SweepBacklog.Set(float64(len(sightings)))

	if len(sightings) == 0 {
		return nil
	}
	log.Infof("Sweep: reconciling %d sightings", len(sightings))

	workers := s.config.SweepWorkers
	if workers <= 0 || workers > len(sightings) {
		workers = len(sightings)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range sightings {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		wg.Add(1)
		go func(sighting *models.Sighting) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if _, err := s.reconcileSighting(ctx, sighting); err != nil {
				log.WithError(err).Errorf("Failed to reconcile sighting %s", sighting.ID)
			}
		}(&sightings[i])
	}
	wg.Wait()

	return nil
}

// reconcileSighting runs the engine for one sighting, persists the
// incident if one is due and dispatches alerts exactly once (only when
// this call actually created the incident). Returns whether an incident
// was created.
func (s *Service) reconcileSighting(ctx context.Context, sighting *models.Sighting) (bool, error) {
	start := time.Now()

	outcome, draft, err := s.engine.Reconcile(ctx, sighting)
	if err != nil {
		return false, err
	}
	metrics.ReconcileDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	if outcome == reconcile.OutcomeSkipped {
		// Below the confidence floor: retained for audit, never swept.
		return false, nil
	}

	created := false
	if draft != nil {
		incident, wasCreated, err := s.incidents.CreateIfAbsent(ctx, sighting, draft)
		if err != nil {
			return false, err
		}
		created = wasCreated

		if wasCreated {
			// Alert delivery runs after the incident is durable and its
			// failures never surface as pipeline failures.
			if _, err := s.dispatcher.Dispatch(ctx, incident); err != nil {
				log.WithError(err).Errorf("Failed to dispatch alerts for incident %s", incident.Code)
			}
		}
	}

	if err := s.sightings.MarkReconciled(ctx, sighting.ID, time.Now()); err != nil {
		return created, err
	}
	return created, nil
}
