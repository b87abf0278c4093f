package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"loss-prevention-pipeline/models"

	"github.com/apex/log"
)

// ErrUnavailable is returned when the detector service cannot be
// reached or reports a non-success status. The analyzer treats it as a
// skippable per-pass failure.
var ErrUnavailable = errors.New("detector unavailable")

// Client handles communication with the external object detector service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// predictRequest represents the request to the detector service
type predictRequest struct {
	Image         string     `json:"image"`
	Region        [4]float64 `json:"region"`
	ConfThreshold float64    `json:"conf_threshold"`
	IoUThreshold  float64    `json:"iou_threshold"`
}

// predictResponse represents the response from the detector service
type predictResponse struct {
	Status     string `json:"status"`
	Detections []struct {
		ClassID    int        `json:"class_id"`
		Confidence float64    `json:"confidence"`
		BBox       [4]float64 `json:"bbox"`
	} `json:"detections"`
}

// NewClient creates a new detector client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Predict runs the detector over one region of the frame image and
// returns detections in region-local coordinates. The detector itself
// is a black box; the pipeline only sees (class_id, confidence, bbox)
// tuples.
func (c *Client) Predict(ctx context.Context, image []byte, region models.BBox, confThreshold, iouThreshold float64) ([]models.Detection, error) {
	request := predictRequest{
		Image:         base64.StdEncoding.EncodeToString(image),
		Region:        [4]float64{region.X1, region.Y1, region.X2, region.Y2},
		ConfThreshold: confThreshold,
		IoUThreshold:  iouThreshold,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	url := c.baseURL + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: detector returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var response predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}

	if response.Status != "completed" {
		return nil, fmt.Errorf("%w: detector returned status: %s", ErrUnavailable, response.Status)
	}

	detections := make([]models.Detection, 0, len(response.Detections))
	for _, d := range response.Detections {
		detections = append(detections, models.Detection{
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			BBox:       models.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
		})
	}

	log.Debugf("Detector returned %d detections for region (%.0f,%.0f)-(%.0f,%.0f) at threshold %.2f",
		len(detections), region.X1, region.Y1, region.X2, region.Y2, confThreshold)

	return detections, nil
}
