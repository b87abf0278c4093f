package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frame is one captured checkout image handed to the pipeline.
type Frame struct {
	ID         string    `json:"id"`
	CameraID   string    `json:"camera_id"`
	StoreID    string    `json:"store_id"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
	Image      []byte    `json:"image,omitempty"`
}

// Diagonal returns the frame diagonal in pixels.
func (f *Frame) Diagonal() float64 {
	return BBox{X1: 0, Y1: 0, X2: f.Width, Y2: f.Height}.Diagonal()
}

// Detection is one raw detector output for one pass over one region.
// Detections are ephemeral: they exist only between the analyzer and the
// consolidator and are never persisted.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	SourcePass string  `json:"source_pass"`
	FrameID    string  `json:"frame_id"`
}

// Sighting is a consolidated, catalog-resolved product observation.
// Immutable after creation; Incidents trace back to the sighting's
// frame, bbox and confidence for audit re-derivation.
type Sighting struct {
	ID         string    `json:"id"`
	CameraID   string    `json:"camera_id"`
	StoreID    string    `json:"store_id"`
	FrameID    string    `json:"frame_id"`
	ProductID  string    `json:"product_id"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	ObservedAt time.Time `json:"observed_at"`
}

// Sale record statuses as reported by the POS system.
const (
	SaleStatusConcluded = "CONCLUDED"
	SaleStatusPending   = "PENDING"
	SaleStatusVoided    = "VOIDED"
)

// SaleLineItem is one product line of a sale.
type SaleLineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"qty"`
}

// SaleRecord is a point-of-sale transaction. Owned by the POS system,
// read-only from this pipeline's perspective.
type SaleRecord struct {
	SaleID    string         `json:"sale_id"`
	StoreID   string         `json:"store_id"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	LineItems []SaleLineItem `json:"line_items"`
}

// ContainsProduct reports whether any line item references productID.
func (s *SaleRecord) ContainsProduct(productID string) bool {
	for _, item := range s.LineItems {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// Incident types.
const (
	IncidentTypeNotRegistered = "PRODUCT_NOT_REGISTERED"
	IncidentTypeMismatch      = "PRODUCT_MISMATCH"
)

// Incident statuses.
const (
	IncidentStatusPending   = "PENDING"
	IncidentStatusReviewed  = "REVIEWED"
	IncidentStatusResolved  = "RESOLVED"
	IncidentStatusDismissed = "DISMISSED"
)

// ValidIncidentStatus reports whether status is a known incident status.
func ValidIncidentStatus(status string) bool {
	switch status {
	case IncidentStatusPending, IncidentStatusReviewed, IncidentStatusResolved, IncidentStatusDismissed:
		return true
	}
	return false
}

// CanTransitionIncident reports whether an incident may move from one
// status to another. RESOLVED and DISMISSED are terminal.
func CanTransitionIncident(from, to string) bool {
	switch from {
	case IncidentStatusPending:
		return to == IncidentStatusReviewed || to == IncidentStatusResolved || to == IncidentStatusDismissed
	case IncidentStatusReviewed:
		return to == IncidentStatusResolved || to == IncidentStatusDismissed
	}
	return false
}

// IncidentDraft is the reconciliation outcome for a single sighting
// before it hits the store. Never persisted as-is.
type IncidentDraft struct {
	Type               string          `json:"type"`
	MatchedSaleID      string          `json:"matched_sale_id,omitempty"`
	EstimatedValue     decimal.Decimal `json:"estimated_value"`
	LowConfidenceMatch bool            `json:"low_confidence_match"`
}

// Incident is a persisted record of an unexplained or mismatched
// sighting. Unique per sighting_id.
type Incident struct {
	ID                 string          `json:"id"`
	Code               string          `json:"code"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	SightingID         string          `json:"sighting_id"`
	MatchedSaleID      string          `json:"matched_sale_id,omitempty"`
	StoreID            string          `json:"store_id"`
	OccurredAt         time.Time       `json:"occurred_at"`
	EstimatedValue     decimal.Decimal `json:"estimated_value"`
	LowConfidenceMatch bool            `json:"low_confidence_match"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Alert statuses.
const (
	AlertStatusPending = "PENDING"
	AlertStatusSent    = "SENT"
	AlertStatusFailed  = "FAILED"
)

// Alert is one per-recipient notification derived from an incident.
// Owned by the dispatcher; earlier pipeline stages never read it back.
type Alert struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	RecipientID string    `json:"recipient_id"`
	Channel     string    `json:"channel"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscriber is a recipient eligible for alerts. Owned by the external
// subscriber directory, read-only here.
type Subscriber struct {
	RecipientID string `json:"recipient_id"`
	StoreID     string `json:"store_id"`
	Channel     string `json:"channel"`
	Email       string `json:"email,omitempty"`
	OptedIn     bool   `json:"opted_in"`
}

// Product is a catalog entry resolved from a detector class.
type Product struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
