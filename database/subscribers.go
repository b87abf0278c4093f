package database

import (
	"context"
	"database/sql"
	"fmt"

	"loss-prevention-pipeline/models"
)

// SubscriberDirectory reads alert recipients from the externally owned
// subscriber table.
type SubscriberDirectory struct {
	db *sql.DB
}

// NewSubscriberDirectory creates a new subscriber directory
func NewSubscriberDirectory(db *sql.DB) *SubscriberDirectory {
	return &SubscriberDirectory{db: db}
}

// SubscribersFor returns all subscribers registered for a store,
// including their opt-in flag. The dispatcher only alerts opted-in
// recipients.
func (d *SubscriberDirectory) SubscribersFor(ctx context.Context, storeID string) ([]models.Subscriber, error) {
	query := `
		SELECT recipient_id, store_id, channel, COALESCE(email, ''), opted_in
		FROM alert_subscribers
		WHERE store_id = ?
		ORDER BY recipient_id ASC`

	rows, err := d.db.QueryContext(ctx, query, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers for store %s: %w", storeID, err)
	}
	defer rows.Close()

	var subscribers []models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		if err := rows.Scan(&sub.RecipientID, &sub.StoreID, &sub.Channel, &sub.Email, &sub.OptedIn); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subscribers = append(subscribers, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over subscriber rows: %w", err)
	}

	return subscribers, nil
}
