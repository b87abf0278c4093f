package consolidator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/models"

	"github.com/shopspring/decimal"
)

// fakeCatalog maps detector classes to products in memory.
type fakeCatalog struct {
	products map[int]*models.Product
}

func (f *fakeCatalog) ResolveProduct(_ context.Context, classID int) (*models.Product, error) {
	product, ok := f.products[classID]
	if !ok {
		return nil, models.ErrProductNotFound
	}
	return product, nil
}

func testConfig() *config.Config {
	return &config.Config{
		IoUThresholdTiled:  0.25,
		IoUThresholdSingle: 0.5,
		CentroidFactor:     0.10,
	}
}

func testFrame() *models.Frame {
	return &models.Frame{
		ID:         "frame-1",
		CameraID:   "cam-1",
		StoreID:    "store-1",
		Width:      1920,
		Height:     1080,
		CapturedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestConsolidateOverlappingDetections(t *testing.T) {
	// Two detections of the same product, nearly identical boxes. Only
	// the higher-confidence one survives.
	c := New(&fakeCatalog{}, testConfig())
	frame := testFrame()

	detections := []models.Detection{
		{ClassID: 7, Confidence: 0.9, BBox: models.BBox{X1: 100, Y1: 100, X2: 150, Y2: 200}, FrameID: frame.ID},
		{ClassID: 7, Confidence: 0.6, BBox: models.BBox{X1: 105, Y1: 98, X2: 148, Y2: 203}, FrameID: frame.ID},
	}

	accepted := c.Consolidate(detections, frame.Diagonal(), ModeTiled)

	if len(accepted) != 1 {
		t.Fatalf("expected 1 accepted detection, got %d", len(accepted))
	}
	if accepted[0].Confidence != 0.9 {
		t.Errorf("expected the 0.9 confidence box to win, got %f", accepted[0].Confidence)
	}
	if accepted[0].BBox != detections[0].BBox {
		t.Errorf("expected the higher-confidence bbox, got %+v", accepted[0].BBox)
	}
}

func TestConsolidateEmptyInput(t *testing.T) {
	c := New(&fakeCatalog{}, testConfig())

	if got := c.Consolidate(nil, 2202.9, ModeTiled); len(got) != 0 {
		t.Errorf("expected empty output for empty input, got %d detections", len(got))
	}
}

func TestConsolidateDeterminism(t *testing.T) {
	c := New(&fakeCatalog{}, testConfig())
	frame := testFrame()

	detections := []models.Detection{
		{ClassID: 1, Confidence: 0.8, BBox: models.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}},
		{ClassID: 2, Confidence: 0.8, BBox: models.BBox{X1: 50, Y1: 50, X2: 160, Y2: 160}},
		{ClassID: 3, Confidence: 0.5, BBox: models.BBox{X1: 600, Y1: 600, X2: 700, Y2: 700}},
		{ClassID: 4, Confidence: 0.5, BBox: models.BBox{X1: 1200, Y1: 200, X2: 1300, Y2: 320}},
		{ClassID: 5, Confidence: 0.9, BBox: models.BBox{X1: 900, Y1: 800, X2: 1000, Y2: 920}},
	}

	first := c.Consolidate(detections, frame.Diagonal(), ModeTiled)
	second := c.Consolidate(detections, frame.Diagonal(), ModeTiled)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("consolidation is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestConsolidateTieBreakByInsertionOrder(t *testing.T) {
	c := New(&fakeCatalog{}, testConfig())
	frame := testFrame()

	// Equal confidence, overlapping boxes: the earlier-inserted one wins.
	detections := []models.Detection{
		{ClassID: 1, Confidence: 0.7, BBox: models.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		{ClassID: 2, Confidence: 0.7, BBox: models.BBox{X1: 110, Y1: 110, X2: 210, Y2: 210}},
	}

	accepted := c.Consolidate(detections, frame.Diagonal(), ModeTiled)
	if len(accepted) != 1 {
		t.Fatalf("expected 1 accepted detection, got %d", len(accepted))
	}
	if accepted[0].ClassID != 1 {
		t.Errorf("expected insertion-order tie-break to keep class 1, got class %d", accepted[0].ClassID)
	}
}

func TestConsolidateNonOverlapInvariant(t *testing.T) {
	cfg := testConfig()
	c := New(&fakeCatalog{}, cfg)
	frame := testFrame()
	diagonal := frame.Diagonal()

	// A dense cluster plus scattered boxes; whatever is accepted must be
	// pairwise disjoint under the dual criterion.
	var detections []models.Detection
	for i := 0; i < 12; i++ {
		x := float64(i%4) * 130
		y := float64(i/4) * 90
		detections = append(detections, models.Detection{
			ClassID:    i,
			Confidence: 0.5 + float64(i%5)*0.1,
			BBox:       models.BBox{X1: x, Y1: y, X2: x + 140, Y2: y + 120},
		})
	}

	accepted := c.Consolidate(detections, diagonal, ModeTiled)
	for i := 0; i < len(accepted); i++ {
		for j := i + 1; j < len(accepted); j++ {
			a, b := accepted[i].BBox, accepted[j].BBox
			if a.IoU(b) > cfg.IoUThresholdTiled {
				t.Errorf("accepted pair %d,%d violates IoU threshold: %f", i, j, a.IoU(b))
			}
			if a.CentroidDistance(b) < cfg.CentroidFactor*diagonal {
				t.Errorf("accepted pair %d,%d violates centroid distance: %f", i, j, a.CentroidDistance(b))
			}
		}
	}
}

func TestConsolidateCentroidCriterionCatchesFragments(t *testing.T) {
	c := New(&fakeCatalog{}, testConfig())
	frame := testFrame()

	// Two tile fragments of the same object: low IoU (very different
	// shapes) but shared centroid. IoU alone would accept both.
	full := models.BBox{X1: 500, Y1: 400, X2: 700, Y2: 700}
	sliver := models.BBox{X1: 590, Y1: 410, X2: 612, Y2: 690}
	if full.IoU(sliver) > 0.25 {
		t.Fatalf("fixture invalid: IoU %f should be below threshold", full.IoU(sliver))
	}

	detections := []models.Detection{
		{ClassID: 1, Confidence: 0.9, BBox: full},
		{ClassID: 1, Confidence: 0.4, BBox: sliver},
	}

	accepted := c.Consolidate(detections, frame.Diagonal(), ModeTiled)
	if len(accepted) != 1 {
		t.Fatalf("expected centroid criterion to reject the fragment, got %d detections", len(accepted))
	}
}

func TestConsolidateSinglePassThreshold(t *testing.T) {
	c := New(&fakeCatalog{}, testConfig())
	frame := testFrame()

	// Far-apart centroids, IoU ~0.33: duplicate under the tiled
	// threshold (0.25) but distinct under single-pass (0.5).
	a := models.BBox{X1: 0, Y1: 0, X2: 400, Y2: 400}
	b := models.BBox{X1: 230, Y1: 0, X2: 630, Y2: 400}
	iou := a.IoU(b)
	if iou < 0.25 || iou > 0.5 {
		t.Fatalf("fixture invalid: IoU %f outside (0.25, 0.5)", iou)
	}
	if a.CentroidDistance(b) < 0.10*frame.Diagonal() {
		t.Fatalf("fixture invalid: centroids too close")
	}

	detections := []models.Detection{
		{ClassID: 1, Confidence: 0.9, BBox: a},
		{ClassID: 2, Confidence: 0.8, BBox: b},
	}

	if got := c.Consolidate(detections, frame.Diagonal(), ModeTiled); len(got) != 1 {
		t.Errorf("tiled mode: expected 1 detection, got %d", len(got))
	}
	if got := c.Consolidate(detections, frame.Diagonal(), ModeSinglePass); len(got) != 2 {
		t.Errorf("single-pass mode: expected 2 detections, got %d", len(got))
	}
}

func TestResolveSightings(t *testing.T) {
	catalog := &fakeCatalog{products: map[int]*models.Product{
		7: {ProductID: "P123", Name: "Motor oil 1L", UnitPrice: decimal.NewFromFloat(12.50)},
	}}
	c := New(catalog, testConfig())
	frame := testFrame()

	accepted := []models.Detection{
		{ClassID: 7, Confidence: 0.9, BBox: models.BBox{X1: 100, Y1: 100, X2: 150, Y2: 200}, FrameID: frame.ID},
		{ClassID: 99, Confidence: 0.8, BBox: models.BBox{X1: 800, Y1: 100, X2: 900, Y2: 250}, FrameID: frame.ID},
	}

	sightings, err := c.ResolveSightings(context.Background(), frame, accepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The unmapped class 99 is dropped, never fabricated.
	if len(sightings) != 1 {
		t.Fatalf("expected 1 sighting, got %d", len(sightings))
	}

	sg := sightings[0]
	if sg.ProductID != "P123" {
		t.Errorf("ProductID = %s, want P123", sg.ProductID)
	}
	if sg.FrameID != frame.ID || sg.CameraID != frame.CameraID || sg.StoreID != frame.StoreID {
		t.Errorf("sighting does not carry frame identity: %+v", sg)
	}
	if !sg.ObservedAt.Equal(frame.CapturedAt) {
		t.Errorf("ObservedAt = %s, want %s", sg.ObservedAt, frame.CapturedAt)
	}
	if math.Abs(sg.Confidence-0.9) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.9", sg.Confidence)
	}
}

func TestResolveSightingsDeterministicIDs(t *testing.T) {
	catalog := &fakeCatalog{products: map[int]*models.Product{
		7: {ProductID: "P123"},
	}}
	c := New(catalog, testConfig())
	frame := testFrame()

	accepted := []models.Detection{
		{ClassID: 7, Confidence: 0.9, BBox: models.BBox{X1: 100, Y1: 100, X2: 150, Y2: 200}, FrameID: frame.ID},
	}

	first, err := c.ResolveSightings(context.Background(), frame, accepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.ResolveSightings(context.Background(), frame, accepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first[0].ID != second[0].ID {
		t.Errorf("sighting IDs are not stable: %s != %s", first[0].ID, second[0].ID)
	}
}

func TestResolveSightingsPropagatesCatalogFailure(t *testing.T) {
	c := New(&errorCatalog{}, testConfig())
	frame := testFrame()

	accepted := []models.Detection{
		{ClassID: 7, Confidence: 0.9, BBox: models.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}},
	}

	if _, err := c.ResolveSightings(context.Background(), frame, accepted); err == nil {
		t.Error("expected catalog failure to propagate")
	}
}

type errorCatalog struct{}

func (e *errorCatalog) ResolveProduct(context.Context, int) (*models.Product, error) {
	return nil, fmt.Errorf("catalog backend down: %w", errors.New("connection refused"))
}
