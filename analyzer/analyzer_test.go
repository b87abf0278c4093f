package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/models"
)

// fakeDetector records calls and answers from a configurable function.
type fakeDetector struct {
	mu      sync.Mutex
	calls   []detectorCall
	respond func(region models.BBox, confThreshold float64) ([]models.Detection, error)
}

type detectorCall struct {
	region        models.BBox
	confThreshold float64
}

func (f *fakeDetector) Predict(_ context.Context, _ []byte, region models.BBox, confThreshold, _ float64) ([]models.Detection, error) {
	f.mu.Lock()
	f.calls = append(f.calls, detectorCall{region: region, confThreshold: confThreshold})
	f.mu.Unlock()

	if f.respond == nil {
		return nil, nil
	}
	return f.respond(region, confThreshold)
}

func (f *fakeDetector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDetector) distinctRegions() map[models.BBox]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	regions := make(map[models.BBox]bool)
	for _, c := range f.calls {
		regions[c.region] = true
	}
	return regions
}

func testConfig() *config.Config {
	return &config.Config{
		ConfidenceLadder: []float64{0.25, 0.20, 0.15, 0.10, 0.05},
		GridRows:         1,
		GridCols:         2,
		GridOverlap:      0.25,
		MaxTileArea:      0.90,
		MinAspectRatio:   0.2,
		MaxAspectRatio:   5.0,
		DetectorIoU:      0.45,
	}
}

func testFrame() *models.Frame {
	return &models.Frame{
		ID:         "frame-1",
		CameraID:   "cam-1",
		StoreID:    "store-1",
		Width:      700,
		Height:     400,
		CapturedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAnalyzeFrameCoversFullFrameAndGrid(t *testing.T) {
	det := &fakeDetector{}
	a := New(det, testConfig())

	a.AnalyzeFrame(context.Background(), testFrame(), 0)

	// 1x2 grid with 25% overlap over a 700px frame: tile width 400,
	// stride 300, plus the full-frame pass.
	regions := det.distinctRegions()
	want := []models.BBox{
		{X1: 0, Y1: 0, X2: 700, Y2: 400},
		{X1: 0, Y1: 0, X2: 400, Y2: 400},
		{X1: 300, Y1: 0, X2: 700, Y2: 400},
	}
	if len(regions) != len(want) {
		t.Fatalf("expected %d distinct regions, got %d: %v", len(want), len(regions), regions)
	}
	for _, r := range want {
		if !regions[r] {
			t.Errorf("missing pass over region %+v", r)
		}
	}
}

func TestCascadeDescendsFullLadderWithoutHint(t *testing.T) {
	det := &fakeDetector{}
	a := New(det, testConfig())

	a.AnalyzeFrame(context.Background(), testFrame(), 0)

	// 3 passes x 5 ladder steps: without a hint every pass tries down to
	// the most permissive threshold.
	if got := det.callCount(); got != 15 {
		t.Errorf("expected 15 detector calls, got %d", got)
	}
}

func TestCascadeStopsWhenHintSatisfied(t *testing.T) {
	det := &fakeDetector{
		respond: func(region models.BBox, _ float64) ([]models.Detection, error) {
			return []models.Detection{
				{ClassID: 1, Confidence: 0.9, BBox: models.BBox{X1: 10, Y1: 10, X2: 60, Y2: 110}},
			}, nil
		},
	}
	a := New(det, testConfig())

	a.AnalyzeFrame(context.Background(), testFrame(), 1)

	// Each of the 3 passes satisfies the hint at the first threshold.
	if got := det.callCount(); got != 3 {
		t.Errorf("expected 3 detector calls, got %d", got)
	}
}

func TestTileLocalBoxesTranslatedToFrameGlobal(t *testing.T) {
	secondTile := models.BBox{X1: 300, Y1: 0, X2: 700, Y2: 400}
	det := &fakeDetector{
		respond: func(region models.BBox, _ float64) ([]models.Detection, error) {
			if region != secondTile {
				return nil, nil
			}
			return []models.Detection{
				{ClassID: 1, Confidence: 0.9, BBox: models.BBox{X1: 20, Y1: 30, X2: 80, Y2: 130}},
			}, nil
		},
	}
	a := New(det, testConfig())

	detections := a.AnalyzeFrame(context.Background(), testFrame(), 1)

	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	d := detections[0]
	want := models.BBox{X1: 320, Y1: 30, X2: 380, Y2: 130}
	if d.BBox != want {
		t.Errorf("bbox = %+v, want %+v (translated into frame coordinates)", d.BBox, want)
	}
	if d.SourcePass != "tile_0_1" {
		t.Errorf("SourcePass = %s, want tile_0_1", d.SourcePass)
	}
	if d.FrameID != "frame-1" {
		t.Errorf("FrameID = %s, want frame-1", d.FrameID)
	}
}

func TestDegenerateDetectionsDiscarded(t *testing.T) {
	fullFrame := models.BBox{X1: 0, Y1: 0, X2: 700, Y2: 400}
	det := &fakeDetector{
		respond: func(region models.BBox, _ float64) ([]models.Detection, error) {
			if region != fullFrame {
				return nil, nil
			}
			return []models.Detection{
				// Background detection: covers ~96% of the region.
				{ClassID: 1, Confidence: 0.9, BBox: models.BBox{X1: 5, Y1: 5, X2: 690, Y2: 395}},
				// Implausible silhouette: aspect ratio 20.
				{ClassID: 2, Confidence: 0.9, BBox: models.BBox{X1: 0, Y1: 100, X2: 400, Y2: 120}},
				// A plausible product box.
				{ClassID: 3, Confidence: 0.9, BBox: models.BBox{X1: 100, Y1: 100, X2: 160, Y2: 220}},
			}, nil
		},
	}
	a := New(det, testConfig())

	detections := a.AnalyzeFrame(context.Background(), testFrame(), 3)

	if len(detections) != 1 {
		t.Fatalf("expected only the plausible box to survive, got %d detections", len(detections))
	}
	if detections[0].ClassID != 3 {
		t.Errorf("surviving detection class = %d, want 3", detections[0].ClassID)
	}
}

func TestDetectorFailureDegradesToSurvivingPasses(t *testing.T) {
	fullFrame := models.BBox{X1: 0, Y1: 0, X2: 700, Y2: 400}
	det := &fakeDetector{
		respond: func(region models.BBox, _ float64) ([]models.Detection, error) {
			if region != fullFrame {
				return nil, errors.New("connection refused")
			}
			return []models.Detection{
				{ClassID: 1, Confidence: 0.9, BBox: models.BBox{X1: 100, Y1: 100, X2: 160, Y2: 220}},
			}, nil
		},
	}
	a := New(det, testConfig())

	detections := a.AnalyzeFrame(context.Background(), testFrame(), 1)

	// Tile passes fail; the frame degrades to the full-frame result
	// instead of failing outright.
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection from the surviving pass, got %d", len(detections))
	}
	if detections[0].SourcePass != "full" {
		t.Errorf("SourcePass = %s, want full", detections[0].SourcePass)
	}
}

func TestPassOrderIsDeterministic(t *testing.T) {
	det := &fakeDetector{
		respond: func(region models.BBox, _ float64) ([]models.Detection, error) {
			return []models.Detection{
				{ClassID: 1, Confidence: 0.9, BBox: models.BBox{X1: 10, Y1: 10, X2: 60, Y2: 110}},
			}, nil
		},
	}
	a := New(det, testConfig())
	frame := testFrame()

	first := a.AnalyzeFrame(context.Background(), frame, 1)
	second := a.AnalyzeFrame(context.Background(), frame, 1)

	if len(first) != len(second) {
		t.Fatalf("pass output lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].SourcePass != second[i].SourcePass {
			t.Errorf("pass order differs at %d: %s vs %s", i, first[i].SourcePass, second[i].SourcePass)
		}
	}
}
