package notify

import (
	"context"
	"fmt"
	"time"

	"loss-prevention-pipeline/models"
)

// QueuePublisher is the subset of the RabbitMQ publisher used by the
// queue channel.
type QueuePublisher interface {
	PublishWithRoutingKey(routingKey string, message interface{}) error
}

// queueMessage is the incident payload published for queue subscribers.
type queueMessage struct {
	RecipientID    string    `json:"recipient_id"`
	IncidentID     string    `json:"incident_id"`
	IncidentCode   string    `json:"incident_code"`
	IncidentType   string    `json:"incident_type"`
	StoreID        string    `json:"store_id"`
	SightingID     string    `json:"sighting_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	EstimatedValue string    `json:"estimated_value"`
}

// QueueChannel delivers incident alerts by publishing them to a durable
// RabbitMQ exchange keyed per recipient.
type QueueChannel struct {
	publisher  QueuePublisher
	routingKey string
}

// NewQueueChannel creates a new queue channel
func NewQueueChannel(publisher QueuePublisher, routingKey string) *QueueChannel {
	return &QueueChannel{
		publisher:  publisher,
		routingKey: routingKey,
	}
}

// Send publishes one incident alert for one recipient.
func (c *QueueChannel) Send(ctx context.Context, recipient models.Subscriber, incident *models.Incident) error {
	message := queueMessage{
		RecipientID:    recipient.RecipientID,
		IncidentID:     incident.ID,
		IncidentCode:   incident.Code,
		IncidentType:   incident.Type,
		StoreID:        incident.StoreID,
		SightingID:     incident.SightingID,
		OccurredAt:     incident.OccurredAt,
		EstimatedValue: incident.EstimatedValue.StringFixed(2),
	}

	if err := c.publisher.PublishWithRoutingKey(c.routingKey, message); err != nil {
		return fmt.Errorf("failed to publish alert for recipient %s: %w", recipient.RecipientID, err)
	}
	return nil
}
