package analyzer

import (
	"context"
	"fmt"
	"sync"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/metrics"
	"loss-prevention-pipeline/models"

	"github.com/apex/log"
)

// Detector is the black-box inference interface. Implementations run
// the model over one region of the frame image and return detections
// in region-local coordinates.
type Detector interface {
	Predict(ctx context.Context, image []byte, region models.BBox, confThreshold, iouThreshold float64) ([]models.Detection, error)
}

// Analyzer runs the detector across the full frame plus a fixed grid of
// overlapping tiles, cascading the confidence threshold downward until
// the expected-count hint is met or the ladder is exhausted.
type Analyzer struct {
	detector Detector

	ladder         []float64
	gridRows       int
	gridCols       int
	gridOverlap    float64
	maxTileArea    float64
	minAspectRatio float64
	maxAspectRatio float64
	detectorIoU    float64
	tileWorkers    int
}

// pass is one region the detector is run over.
type pass struct {
	name   string
	region models.BBox
}

// New creates a new frame analyzer
func New(detector Detector, cfg *config.Config) *Analyzer {
	return &Analyzer{
		detector:       detector,
		ladder:         cfg.ConfidenceLadder,
		gridRows:       cfg.GridRows,
		gridCols:       cfg.GridCols,
		gridOverlap:    cfg.GridOverlap,
		maxTileArea:    cfg.MaxTileArea,
		minAspectRatio: cfg.MinAspectRatio,
		maxAspectRatio: cfg.MaxAspectRatio,
		detectorIoU:    cfg.DetectorIoU,
		tileWorkers:    cfg.TileWorkers,
	}
}

// AnalyzeFrame runs all detection passes over the frame and returns the
// flat list of raw candidates in frame-global coordinates.
// expectedCount is an optional hint (0 = none): when provided, a pass
// stops descending the confidence ladder once it has accepted at least
// that many detections.
//
// Passes over disjoint regions are independent and run on a bounded
// worker pool. A failing pass is logged and skipped; the frame degrades
// to whatever passes succeeded.
func (a *Analyzer) AnalyzeFrame(ctx context.Context, frame *models.Frame, expectedCount int) []models.Detection {
	passes := a.passes(frame)

	workers := a.tileWorkers
	if workers <= 0 || workers > len(passes) {
		workers = len(passes)
	}

	results := make([][]models.Detection, len(passes))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, p := range passes {
		wg.Add(1)
		go func(i int, p pass) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = a.runPass(ctx, frame, p, expectedCount)
		}(i, p)
	}
	wg.Wait()

	// Concatenate in fixed pass order so downstream tie-breaking stays
	// deterministic regardless of pass scheduling.
	var detections []models.Detection
	for _, r := range results {
		detections = append(detections, r...)
	}

	log.Infof("Frame %s: %d raw detections from %d passes", frame.ID, len(detections), len(passes))
	return detections
}

// runPass cascades the confidence ladder over one region and returns
// the detections of the deepest threshold tried, filtered and mapped to
// frame-global coordinates.
func (a *Analyzer) runPass(ctx context.Context, frame *models.Frame, p pass, expectedCount int) []models.Detection {
	var accepted []models.Detection

	for _, threshold := range a.ladder {
		raw, err := a.detector.Predict(ctx, frame.Image, p.region, threshold, a.detectorIoU)
		if err != nil {
			log.WithError(err).Warnf("Detector pass %s failed on frame %s, skipping", p.name, frame.ID)
			metrics.DetectorPassFailures.Inc()
			return accepted
		}

		accepted = a.filterPass(raw, p, frame.ID)
		if expectedCount > 0 && len(accepted) >= expectedCount {
			break
		}
	}

	return accepted
}

// filterPass drops degenerate detections and translates the survivors
// into frame-global coordinates.
func (a *Analyzer) filterPass(raw []models.Detection, p pass, frameID string) []models.Detection {
	regionArea := p.region.Area()
	out := make([]models.Detection, 0, len(raw))

	for _, d := range raw {
		// Tile-scale "background" boxes and implausible silhouettes are
		// noise, not products.
		if regionArea > 0 && d.BBox.Area() > a.maxTileArea*regionArea {
			metrics.DetectionsDiscarded.WithLabelValues("degenerate").Inc()
			continue
		}
		ratio := d.BBox.AspectRatio()
		if ratio < a.minAspectRatio || ratio > a.maxAspectRatio {
			metrics.DetectionsDiscarded.WithLabelValues("degenerate").Inc()
			continue
		}

		d.BBox = d.BBox.Translate(p.region.X1, p.region.Y1)
		d.SourcePass = p.name
		d.FrameID = frameID
		out = append(out, d)
	}

	return out
}

// passes returns the full-frame pass followed by the overlapping grid
// tiles, row-major.
func (a *Analyzer) passes(frame *models.Frame) []pass {
	passes := []pass{{
		name:   "full",
		region: models.BBox{X1: 0, Y1: 0, X2: frame.Width, Y2: frame.Height},
	}}

	if a.gridRows <= 0 || a.gridCols <= 0 {
		return passes
	}

	tileW := frame.Width / (float64(a.gridCols) - float64(a.gridCols-1)*a.gridOverlap)
	tileH := frame.Height / (float64(a.gridRows) - float64(a.gridRows-1)*a.gridOverlap)
	strideX := tileW * (1 - a.gridOverlap)
	strideY := tileH * (1 - a.gridOverlap)

	for row := 0; row < a.gridRows; row++ {
		for col := 0; col < a.gridCols; col++ {
			x1 := float64(col) * strideX
			y1 := float64(row) * strideY
			x2 := x1 + tileW
			y2 := y1 + tileH
			if x2 > frame.Width {
				x2 = frame.Width
			}
			if y2 > frame.Height {
				y2 = frame.Height
			}
			passes = append(passes, pass{
				name:   fmt.Sprintf("tile_%d_%d", row, col),
				region: models.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
			})
		}
	}

	return passes
}
