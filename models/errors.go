package models

import "errors"

// ErrProductNotFound is returned by catalog lookups when a detector
// class has no product mapping. Detections carrying such classes are
// dropped, never given a placeholder product.
var ErrProductNotFound = errors.New("product not found in catalog")

// ErrInvalidTransition is returned when an incident status change
// violates the PENDING -> REVIEWED -> RESOLVED/DISMISSED state machine.
var ErrInvalidTransition = errors.New("invalid incident status transition")

// ErrIncidentNotFound is returned when an incident lookup finds no row.
var ErrIncidentNotFound = errors.New("incident not found")

// ErrSightingNotFound is returned when a sighting lookup finds no row.
var ErrSightingNotFound = errors.New("sighting not found")
