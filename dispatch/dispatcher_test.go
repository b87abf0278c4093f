package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/models"
)

// fakeDirectory returns a fixed subscriber list.
type fakeDirectory struct {
	subscribers []models.Subscriber
	err         error
}

func (f *fakeDirectory) SubscribersFor(context.Context, string) ([]models.Subscriber, error) {
	return f.subscribers, f.err
}

// fakeAlertStore keeps alerts in memory.
type fakeAlertStore struct {
	mu      sync.Mutex
	created []models.Alert
	updated []models.Alert
}

func (f *fakeAlertStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *alert)
	return nil
}

func (f *fakeAlertStore) UpdateAlert(_ context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, *alert)
	return nil
}

// fakeChannel fails a configurable number of times per recipient before
// succeeding.
type fakeChannel struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	alwaysFail   map[string]bool
	sent         []string
}

func (f *fakeChannel) Send(_ context.Context, recipient models.Subscriber, _ *models.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alwaysFail[recipient.RecipientID] {
		return errors.New("channel rejected delivery")
	}
	if f.failuresLeft[recipient.RecipientID] > 0 {
		f.failuresLeft[recipient.RecipientID]--
		return errors.New("transient delivery error")
	}
	f.sent = append(f.sent, recipient.RecipientID)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		AlertMaxAttempts:      3,
		AlertInitialBackoff:   time.Millisecond,
		AlertRecipientTimeout: time.Second,
		AlertWorkers:          4,
	}
}

func testIncident() *models.Incident {
	return &models.Incident{
		ID:         "incident-1",
		Code:       "INC-ABCD1234",
		Type:       models.IncidentTypeNotRegistered,
		Status:     models.IncidentStatusPending,
		SightingID: "sighting-1",
		StoreID:    "store-1",
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func subscriber(id string, optedIn bool) models.Subscriber {
	return models.Subscriber{RecipientID: id, StoreID: "store-1", Channel: "EMAIL", OptedIn: optedIn}
}

func TestDispatchFanOutMatchesOptedInSubscribers(t *testing.T) {
	directory := &fakeDirectory{subscribers: []models.Subscriber{
		subscriber("mgr-1", true),
		subscriber("mgr-2", true),
		subscriber("mgr-3", false), // opted out
		subscriber("mgr-4", true),
	}}
	store := &fakeAlertStore{}
	channel := &fakeChannel{}
	d := New(directory, store, map[string]Channel{"EMAIL": channel}, testConfig())

	alerts, err := d.Dispatch(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts (one per opted-in subscriber), got %d", len(alerts))
	}
	if len(store.created) != 3 {
		t.Errorf("expected 3 persisted alerts, got %d", len(store.created))
	}
	for _, alert := range alerts {
		if alert.Status != models.AlertStatusSent {
			t.Errorf("alert for %s status = %s, want SENT", alert.RecipientID, alert.Status)
		}
		if alert.IncidentID != "incident-1" {
			t.Errorf("alert incident = %s, want incident-1", alert.IncidentID)
		}
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	directory := &fakeDirectory{subscribers: []models.Subscriber{subscriber("mgr-1", true)}}
	store := &fakeAlertStore{}
	channel := &fakeChannel{failuresLeft: map[string]int{"mgr-1": 2}}
	d := New(directory, store, map[string]Channel{"EMAIL": channel}, testConfig())

	alerts, err := d.Dispatch(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts[0].Status != models.AlertStatusSent {
		t.Errorf("status = %s, want SENT after retries", alerts[0].Status)
	}
	if alerts[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", alerts[0].Attempts)
	}
}

func TestDispatchMarksPermanentFailure(t *testing.T) {
	directory := &fakeDirectory{subscribers: []models.Subscriber{subscriber("mgr-1", true)}}
	store := &fakeAlertStore{}
	channel := &fakeChannel{alwaysFail: map[string]bool{"mgr-1": true}}
	d := New(directory, store, map[string]Channel{"EMAIL": channel}, testConfig())

	alerts, err := d.Dispatch(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("delivery failure must not surface as dispatch error, got: %v", err)
	}

	if alerts[0].Status != models.AlertStatusFailed {
		t.Errorf("status = %s, want FAILED", alerts[0].Status)
	}
	if alerts[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (exhausted)", alerts[0].Attempts)
	}
	if alerts[0].LastError == "" {
		t.Error("expected last_error to be recorded")
	}
}

func TestDispatchOneFailureDoesNotBlockOthers(t *testing.T) {
	directory := &fakeDirectory{subscribers: []models.Subscriber{
		subscriber("mgr-1", true),
		subscriber("mgr-2", true),
		subscriber("mgr-3", true),
	}}
	store := &fakeAlertStore{}
	channel := &fakeChannel{alwaysFail: map[string]bool{"mgr-2": true}}
	d := New(directory, store, map[string]Channel{"EMAIL": channel}, testConfig())

	alerts, err := d.Dispatch(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byRecipient := make(map[string]models.Alert)
	for _, alert := range alerts {
		byRecipient[alert.RecipientID] = alert
	}
	if byRecipient["mgr-1"].Status != models.AlertStatusSent {
		t.Errorf("mgr-1 status = %s, want SENT", byRecipient["mgr-1"].Status)
	}
	if byRecipient["mgr-2"].Status != models.AlertStatusFailed {
		t.Errorf("mgr-2 status = %s, want FAILED", byRecipient["mgr-2"].Status)
	}
	if byRecipient["mgr-3"].Status != models.AlertStatusSent {
		t.Errorf("mgr-3 status = %s, want SENT", byRecipient["mgr-3"].Status)
	}
}

func TestDispatchUnknownChannelFails(t *testing.T) {
	directory := &fakeDirectory{subscribers: []models.Subscriber{
		{RecipientID: "mgr-1", StoreID: "store-1", Channel: "PAGER", OptedIn: true},
	}}
	store := &fakeAlertStore{}
	d := New(directory, store, map[string]Channel{"EMAIL": &fakeChannel{}}, testConfig())

	alerts, err := d.Dispatch(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts[0].Status != models.AlertStatusFailed {
		t.Errorf("status = %s, want FAILED for unregistered channel", alerts[0].Status)
	}
}

func TestDispatchNoSubscribers(t *testing.T) {
	d := New(&fakeDirectory{}, &fakeAlertStore{}, map[string]Channel{}, testConfig())

	alerts, err := d.Dispatch(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}

func TestDispatchDirectoryFailurePropagates(t *testing.T) {
	d := New(&fakeDirectory{err: errors.New("directory down")}, &fakeAlertStore{}, nil, testConfig())

	if _, err := d.Dispatch(context.Background(), testIncident()); err == nil {
		t.Error("expected directory failure to propagate")
	}
}
