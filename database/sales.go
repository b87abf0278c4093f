package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loss-prevention-pipeline/models"
)

// SalesLedger is a read-only, time-indexed lookup over the POS system's
// sale records. This pipeline never mutates sales.
type SalesLedger struct {
	db *sql.DB
}

// NewSalesLedger creates a new sales ledger index
func NewSalesLedger(db *sql.DB) *SalesLedger {
	return &SalesLedger{db: db}
}

// SalesNear returns CONCLUDED sales for the store whose timestamp falls
// within [ts-window, ts+window], both bounds inclusive, ordered by
// timestamp.
func (s *SalesLedger) SalesNear(ctx context.Context, storeID string, ts time.Time, window time.Duration) ([]models.SaleRecord, error) {
	query := `
		SELECT s.sale_id, s.store_id, s.ts, s.status, li.product_id, li.qty
		FROM sales s
		INNER JOIN sale_line_items li ON li.sale_id = s.sale_id
		WHERE s.store_id = ?
		AND s.status = ?
		AND s.ts >= ?
		AND s.ts <= ?
		ORDER BY s.ts ASC, s.sale_id ASC`

	rows, err := s.db.QueryContext(ctx, query, storeID, models.SaleStatusConcluded, ts.Add(-window), ts.Add(window))
	if err != nil {
		return nil, fmt.Errorf("failed to query sales near %s: %w", ts, err)
	}
	defer rows.Close()

	var sales []models.SaleRecord
	index := make(map[string]int)

	for rows.Next() {
		var (
			saleID, saleStoreID, status string
			saleTS                      time.Time
			item                        models.SaleLineItem
		)
		if err := rows.Scan(&saleID, &saleStoreID, &saleTS, &status, &item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan sale row: %w", err)
		}

		i, ok := index[saleID]
		if !ok {
			sales = append(sales, models.SaleRecord{
				SaleID:    saleID,
				StoreID:   saleStoreID,
				Timestamp: saleTS,
				Status:    status,
			})
			i = len(sales) - 1
			index[saleID] = i
		}
		sales[i].LineItems = append(sales[i].LineItems, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sale rows: %w", err)
	}

	return sales, nil
}
