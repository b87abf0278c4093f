package consolidator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/metrics"
	"loss-prevention-pipeline/models"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// Catalog resolves a detector class to a product. Read-only; backed by
// the product master data system.
type Catalog interface {
	ResolveProduct(ctx context.Context, classID int) (*models.Product, error)
}

// Mode selects the IoU duplicate threshold. Tiled passes produce
// noisier, more fragmented boxes, so they get a tighter threshold.
type Mode int

const (
	ModeTiled Mode = iota
	ModeSinglePass
)

// Consolidator merges raw overlapping detections into a spatially
// disjoint set of sightings.
type Consolidator struct {
	catalog Catalog

	iouThresholdTiled  float64
	iouThresholdSingle float64
	centroidFactor     float64
}

// New creates a new sighting consolidator
func New(catalog Catalog, cfg *config.Config) *Consolidator {
	return &Consolidator{
		catalog:            catalog,
		iouThresholdTiled:  cfg.IoUThresholdTiled,
		iouThresholdSingle: cfg.IoUThresholdSingle,
		centroidFactor:     cfg.CentroidFactor,
	}
}

// Consolidate reduces raw detections to a non-overlapping accepted set.
// Pure and deterministic: candidates are visited in confidence order
// with insertion order as the stable tie-break, and a candidate is
// rejected as a duplicate of an already-accepted detection when either
// its centroid is closer than centroidFactor x frameDiagonal or its IoU
// exceeds the mode's threshold. Same input always yields the same
// output in the same order.
func (c *Consolidator) Consolidate(detections []models.Detection, frameDiagonal float64, mode Mode) []models.Detection {
	if len(detections) == 0 {
		return nil
	}

	iouThreshold := c.iouThresholdTiled
	if mode == ModeSinglePass {
		iouThreshold = c.iouThresholdSingle
	}
	centroidLimit := c.centroidFactor * frameDiagonal

	// Stable sort keeps insertion order among equal confidences.
	ordered := make([]models.Detection, len(detections))
	copy(ordered, detections)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})

	accepted := make([]models.Detection, 0, len(ordered))
	for _, candidate := range ordered {
		if c.isDuplicate(candidate, accepted, centroidLimit, iouThreshold) {
			metrics.DetectionsDiscarded.WithLabelValues("duplicate").Inc()
			continue
		}
		accepted = append(accepted, candidate)
	}

	return accepted
}

// isDuplicate checks the candidate against every already-accepted
// detection using the dual criterion. Grid-tile detections of the same
// physical object can have very different box shapes while still
// sharing a centroid, so IoU alone is not enough.
func (c *Consolidator) isDuplicate(candidate models.Detection, accepted []models.Detection, centroidLimit, iouThreshold float64) bool {
	for _, a := range accepted {
		if candidate.BBox.CentroidDistance(a.BBox) < centroidLimit {
			return true
		}
		if candidate.BBox.IoU(a.BBox) > iouThreshold {
			return true
		}
	}
	return false
}

// ResolveSightings maps accepted detections to sightings via the
// catalog. Detections whose class has no product mapping are dropped
// with a warning and counted, never fabricated. Sighting IDs are
// derived deterministically from frame and box so re-analyzing the same
// frame persists the same sightings.
func (c *Consolidator) ResolveSightings(ctx context.Context, frame *models.Frame, accepted []models.Detection) ([]models.Sighting, error) {
	sightings := make([]models.Sighting, 0, len(accepted))

	for _, d := range accepted {
		product, err := c.catalog.ResolveProduct(ctx, d.ClassID)
		if err != nil {
			if errors.Is(err, models.ErrProductNotFound) {
				log.Warnf("Dropping detection with unmapped class %d on frame %s", d.ClassID, frame.ID)
				metrics.DetectionsDiscarded.WithLabelValues("unknown_product").Inc()
				continue
			}
			return nil, fmt.Errorf("failed to resolve product for class %d: %w", d.ClassID, err)
		}

		sightings = append(sightings, models.Sighting{
			ID:         sightingID(frame.ID, product.ProductID, d.BBox),
			CameraID:   frame.CameraID,
			StoreID:    frame.StoreID,
			FrameID:    frame.ID,
			ProductID:  product.ProductID,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			ObservedAt: frame.CapturedAt,
		})
	}

	return sightings, nil
}

// sightingID derives a stable UUID from the frame, product and box, so
// the same consolidated detection always maps to the same sighting row.
func sightingID(frameID, productID string, box models.BBox) string {
	seed := fmt.Sprintf("%s|%s|%.2f|%.2f|%.2f|%.2f", frameID, productID, box.X1, box.Y1, box.X2, box.Y2)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
