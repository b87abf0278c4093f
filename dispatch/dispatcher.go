package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/metrics"
	"loss-prevention-pipeline/models"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// Directory enumerates alert recipients for a store. Read-only; owned
// by the external subscriber system.
type Directory interface {
	SubscribersFor(ctx context.Context, storeID string) ([]models.Subscriber, error)
}

// AlertStore persists alerts and their delivery outcomes.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error
}

// Channel delivers one incident notification to one recipient.
type Channel interface {
	Send(ctx context.Context, recipient models.Subscriber, incident *models.Incident) error
}

// Dispatcher fans an incident out to every opted-in subscriber of its
// store: one alert per recipient, delivered concurrently on a bounded
// pool with per-recipient timeout and bounded exponential backoff.
// Delivery failure for one recipient never blocks the others, and never
// rolls back the incident.
type Dispatcher struct {
	directory Directory
	alerts    AlertStore
	channels  map[string]Channel

	maxAttempts      int
	initialBackoff   time.Duration
	recipientTimeout time.Duration
	workers          int
}

// New creates a new alert dispatcher
func New(directory Directory, alerts AlertStore, channels map[string]Channel, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		directory:        directory,
		alerts:           alerts,
		channels:         channels,
		maxAttempts:      cfg.AlertMaxAttempts,
		initialBackoff:   cfg.AlertInitialBackoff,
		recipientTimeout: cfg.AlertRecipientTimeout,
		workers:          cfg.AlertWorkers,
	}
}

// Dispatch creates and delivers one alert per opted-in subscriber of
// the incident's store, and returns the alerts in their terminal state.
func (d *Dispatcher) Dispatch(ctx context.Context, incident *models.Incident) ([]models.Alert, error) {
	subscribers, err := d.directory.SubscribersFor(ctx, incident.StoreID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate subscribers for store %s: %w", incident.StoreID, err)
	}

	var recipients []models.Subscriber
	for _, sub := range subscribers {
		if sub.OptedIn {
			recipients = append(recipients, sub)
		}
	}

	if len(recipients) == 0 {
		log.Infof("No opted-in subscribers for store %s, incident %s has no alerts", incident.StoreID, incident.Code)
		return nil, nil
	}

	alerts := make([]models.Alert, len(recipients))
	for i, sub := range recipients {
		alerts[i] = models.Alert{
			ID:          uuid.New().String(),
			IncidentID:  incident.ID,
			RecipientID: sub.RecipientID,
			Channel:     sub.Channel,
			Status:      models.AlertStatusPending,
		}
		if err := d.alerts.CreateAlert(ctx, &alerts[i]); err != nil {
			return nil, fmt.Errorf("failed to create alert for recipient %s: %w", sub.RecipientID, err)
		}
	}

	workers := d.workers
	if workers <= 0 || workers > len(recipients) {
		workers = len(recipients)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range alerts {
		wg.Add(1)
		go func(alert *models.Alert, recipient models.Subscriber) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			d.deliver(ctx, alert, recipient, incident)
		}(&alerts[i], recipients[i])
	}
	wg.Wait()

	return alerts, nil
}

// deliver attempts one alert until it succeeds or attempts are
// exhausted, then records the terminal state.
func (d *Dispatcher) deliver(ctx context.Context, alert *models.Alert, recipient models.Subscriber, incident *models.Incident) {
	channel, ok := d.channels[alert.Channel]
	if !ok {
		alert.Status = models.AlertStatusFailed
		alert.LastError = fmt.Sprintf("no channel registered for %q", alert.Channel)
		d.finish(ctx, alert)
		return
	}

	backoff := d.initialBackoff
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		alert.Attempts = attempt

		sendCtx, cancel := context.WithTimeout(ctx, d.recipientTimeout)
		err := channel.Send(sendCtx, recipient, incident)
		cancel()

		if err == nil {
			alert.Status = models.AlertStatusSent
			alert.LastError = ""
			d.finish(ctx, alert)
			return
		}

		alert.LastError = err.Error()
		log.WithError(err).Warnf("Alert %s delivery attempt %d/%d to %s failed",
			alert.ID, attempt, d.maxAttempts, recipient.RecipientID)

		if attempt < d.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				alert.Status = models.AlertStatusFailed
				alert.LastError = ctx.Err().Error()
				d.finish(ctx, alert)
				return
			}
			backoff *= 2
		}
	}

	alert.Status = models.AlertStatusFailed
	d.finish(ctx, alert)
}

// finish persists the alert's terminal state. A store failure here is
// logged only: alert bookkeeping must never fail the pipeline.
func (d *Dispatcher) finish(ctx context.Context, alert *models.Alert) {
	switch alert.Status {
	case models.AlertStatusSent:
		metrics.AlertsDelivered.WithLabelValues("sent").Inc()
	case models.AlertStatusFailed:
		metrics.AlertsDelivered.WithLabelValues("failed").Inc()
		log.Errorf("Alert %s to %s failed permanently: %s", alert.ID, alert.RecipientID, alert.LastError)
	}

	if err := d.alerts.UpdateAlert(context.WithoutCancel(ctx), alert); err != nil {
		log.WithError(err).Errorf("Failed to record outcome for alert %s", alert.ID)
	}
}
