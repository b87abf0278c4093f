package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"loss-prevention-pipeline/database"
	"loss-prevention-pipeline/models"
	"loss-prevention-pipeline/service"

	"github.com/gin-gonic/gin"
)

// Handlers represents the HTTP handlers
type Handlers struct {
	incidents *database.IncidentStore
	sightings *database.SightingStore
	alerts    *database.AlertStore
	pipeline  *service.Service
}

// NewHandlers creates new HTTP handlers
func NewHandlers(incidents *database.IncidentStore, sightings *database.SightingStore,
	alerts *database.AlertStore, pipeline *service.Service) *Handlers {
	return &Handlers{
		incidents: incidents,
		sightings: sightings,
		alerts:    alerts,
		pipeline:  pipeline,
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "loss-prevention-pipeline",
	})
}

// processFrameRequest is the frame ingestion payload.
type processFrameRequest struct {
	FrameID       string    `json:"frame_id" binding:"required"`
	CameraID      string    `json:"camera_id" binding:"required"`
	StoreID       string    `json:"store_id" binding:"required"`
	Width         float64   `json:"width" binding:"required"`
	Height        float64   `json:"height" binding:"required"`
	CapturedAt    time.Time `json:"captured_at" binding:"required"`
	Image         string    `json:"image" binding:"required"`
	ExpectedCount int       `json:"expected_count"`
}

// ProcessFrame runs the pipeline for one submitted frame
func (h *Handlers) ProcessFrame(c *gin.Context) {
	var req processFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image must be base64 encoded"})
		return
	}

	frame := &models.Frame{
		ID:         req.FrameID,
		CameraID:   req.CameraID,
		StoreID:    req.StoreID,
		Width:      req.Width,
		Height:     req.Height,
		CapturedAt: req.CapturedAt,
		Image:      image,
	}

	result, err := h.pipeline.ProcessFrame(c.Request.Context(), frame, req.ExpectedCount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process frame"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListIncidents returns incidents filtered by status, store and date range
func (h *Handlers) ListIncidents(c *gin.Context) {
	filter := database.IncidentFilter{
		Status:  c.Query("status"),
		StoreID: c.Query("store_id"),
	}

	if filter.Status != "" && !models.ValidIncidentStatus(filter.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
		return
	}

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from timestamp"})
			return
		}
		filter.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to timestamp"})
			return
		}
		filter.To = t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = n
	}

	incidents, err := h.incidents.ListIncidents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list incidents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// GetIncident returns one incident with its alerts
func (h *Handlers) GetIncident(c *gin.Context) {
	incident, err := h.incidents.GetIncident(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrIncidentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get incident"})
		return
	}

	alerts, err := h.alerts.ListAlertsForIncident(c.Request.Context(), incident.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get incident alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incident": incident,
		"alerts":   alerts,
	})
}

// updateStatusRequest is the reviewer transition payload.
type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateIncidentStatus applies an external reviewer's status transition
func (h *Handlers) UpdateIncidentStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.incidents.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	switch {
	case errors.Is(err, models.ErrIncidentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update incident status"})
	default:
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
	}
}

// GetSighting returns the sighting behind an incident for audit
// re-derivation: frame, bbox and confidence as observed.
func (h *Handlers) GetSighting(c *gin.Context) {
	sighting, err := h.sightings.GetSighting(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrSightingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sighting not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get sighting"})
		return
	}

	c.JSON(http.StatusOK, sighting)
}

// GetStats returns incident counts by status
func (h *Handlers) GetStats(c *gin.Context) {
	counts, err := h.incidents.CountIncidentsByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents_by_status": counts,
		"service":             "loss-prevention-pipeline",
	})
}
