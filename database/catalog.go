package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loss-prevention-pipeline/models"
)

// Catalog resolves detector classes to products from the read-only
// product master data table.
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a new catalog lookup
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// ResolveProduct maps a detector class to a product. A class with no
// mapping yields models.ErrProductNotFound; the caller drops the
// detection rather than fabricating a product.
func (c *Catalog) ResolveProduct(ctx context.Context, classID int) (*models.Product, error) {
	query := `SELECT product_id, name, unit_price FROM product_catalog WHERE class_id = ?`

	var product models.Product
	err := c.db.QueryRowContext(ctx, query, classID).Scan(&product.ProductID, &product.Name, &product.UnitPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve product for class %d: %w", classID, err)
	}

	return &product, nil
}

// UnitPrice returns the catalog price for a product, or zero when the
// product is unknown.
func (c *Catalog) UnitPrice(ctx context.Context, productID string) (*models.Product, error) {
	query := `SELECT product_id, name, unit_price FROM product_catalog WHERE product_id = ? LIMIT 1`

	var product models.Product
	err := c.db.QueryRowContext(ctx, query, productID).Scan(&product.ProductID, &product.Name, &product.UnitPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up price for product %s: %w", productID, err)
	}

	return &product, nil
}
