package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/models"

	"github.com/apex/log"
	"github.com/shopspring/decimal"
)

// SalesLedger is the read-only time-indexed lookup over POS sales.
type SalesLedger interface {
	SalesNear(ctx context.Context, storeID string, ts time.Time, window time.Duration) ([]models.SaleRecord, error)
}

// Pricer looks up the catalog price used for an incident's estimated
// value.
type Pricer interface {
	UnitPrice(ctx context.Context, productID string) (*models.Product, error)
}

// Outcome is the reconciliation decision for one sighting.
type Outcome string

const (
	// OutcomeMatched means a sale in the window explains the sighting.
	OutcomeMatched Outcome = "MATCHED"
	// OutcomeUnexplained means no sale was found in the window.
	OutcomeUnexplained Outcome = "UNEXPLAINED"
	// OutcomeMismatched means sales were found but none carries the
	// sighted product.
	OutcomeMismatched Outcome = "MISMATCHED"
	// OutcomeSkipped means the sighting's confidence is below the floor
	// and it was excluded from reconciliation.
	OutcomeSkipped Outcome = "SKIPPED"
)

// Engine decides MATCHED / UNEXPLAINED / MISMATCHED per sighting and
// produces at most one incident draft. It holds no state between calls;
// idempotency is delegated to the incident store.
type Engine struct {
	ledger SalesLedger
	pricer Pricer

	window          time.Duration
	confidenceFloor float64
}

// New creates a new reconciliation engine
func New(ledger SalesLedger, pricer Pricer, cfg *config.Config) *Engine {
	return &Engine{
		ledger:          ledger,
		pricer:          pricer,
		window:          cfg.SaleWindow,
		confidenceFloor: cfg.ConfidenceFloor,
	}
}

// Reconcile matches one sighting against nearby sales. It returns the
// outcome and, for UNEXPLAINED and MISMATCHED, the incident draft to
// persist. Sightings below the confidence floor are skipped entirely;
// they stay on record for audit but are too noisy to act on.
func (e *Engine) Reconcile(ctx context.Context, sighting *models.Sighting) (Outcome, *models.IncidentDraft, error) {
	if sighting.Confidence < e.confidenceFloor {
		log.Debugf("Sighting %s confidence %.2f below floor %.2f, skipping",
			sighting.ID, sighting.Confidence, e.confidenceFloor)
		return OutcomeSkipped, nil, nil
	}

	sales, err := e.ledger.SalesNear(ctx, sighting.StoreID, sighting.ObservedAt, e.window)
	if err != nil {
		return "", nil, fmt.Errorf("failed to query sales near sighting %s: %w", sighting.ID, err)
	}

	if len(sales) == 0 {
		draft := &models.IncidentDraft{
			Type:           models.IncidentTypeNotRegistered,
			EstimatedValue: e.estimateValue(ctx, sighting.ProductID),
		}
		return OutcomeUnexplained, draft, nil
	}

	for _, sale := range sales {
		if sale.ContainsProduct(sighting.ProductID) {
			return OutcomeMatched, nil, nil
		}
	}

	// Sales exist but none explains the product. Reference the sale
	// closest in time; with several candidate sales the attribution is
	// ambiguous, so the draft is annotated rather than erroring out.
	nearest := nearestSale(sales, sighting.ObservedAt)
	draft := &models.IncidentDraft{
		Type:               models.IncidentTypeMismatch,
		MatchedSaleID:      nearest.SaleID,
		EstimatedValue:     e.estimateValue(ctx, sighting.ProductID),
		LowConfidenceMatch: len(sales) > 1,
	}
	return OutcomeMismatched, draft, nil
}

// estimateValue is best-effort: a missing catalog price never blocks
// incident creation.
func (e *Engine) estimateValue(ctx context.Context, productID string) decimal.Decimal {
	product, err := e.pricer.UnitPrice(ctx, productID)
	if err != nil {
		if !errors.Is(err, models.ErrProductNotFound) {
			log.WithError(err).Warnf("Failed to price product %s for incident estimate", productID)
		}
		return decimal.Zero
	}
	return product.UnitPrice
}

// nearestSale returns the sale with timestamp closest to ts. Sales
// arrive ordered by timestamp, so ties resolve to the earliest sale
// deterministically.
func nearestSale(sales []models.SaleRecord, ts time.Time) models.SaleRecord {
	nearest := sales[0]
	best := absDuration(nearest.Timestamp.Sub(ts))
	for _, sale := range sales[1:] {
		if d := absDuration(sale.Timestamp.Sub(ts)); d < best {
			nearest = sale
			best = d
		}
	}
	return nearest
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
