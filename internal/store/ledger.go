package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"settlement-service/internal/models"

	"github.com/shopspring/decimal"
)

const ledgerColumns = "seller_id, customer_id, total_orders, total_spent, last_purchase_date, status"

// GetSellerCustomer returns the ledger row for a pair, or nil if none exists
func (s *Store) GetSellerCustomer(ctx context.Context, sellerID, customerID string) (*models.SellerCustomer, error) {
	var row models.SellerCustomer
	err := s.db.GetContext(ctx, &row,
		"SELECT "+ledgerColumns+" FROM seller_customers WHERE seller_id = $1 AND customer_id = $2",
		sellerID, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertSellerCustomer creates the first ledger row for a pair
func (s *Store) InsertSellerCustomer(ctx context.Context, row *models.SellerCustomer) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO seller_customers (seller_id, customer_id, total_orders, total_spent, last_purchase_date, status)
		VALUES (:seller_id, :customer_id, :total_orders, :total_spent, :last_purchase_date, :status)`, row)
	return err
}

// UpdateSellerCustomer overwrites the counters of an existing ledger row
func (s *Store) UpdateSellerCustomer(ctx context.Context, row *models.SellerCustomer) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE seller_customers
		SET total_orders = :total_orders, total_spent = :total_spent,
			last_purchase_date = :last_purchase_date, status = :status
		WHERE seller_id = :seller_id AND customer_id = :customer_id`, row)
	return err
}

// IncrementSellerCustomer inserts or increments the ledger row in one statement,
// so concurrent orders for the same pair never lose an increment.
func (s *Store) IncrementSellerCustomer(ctx context.Context, sellerID, customerID string, amount decimal.Decimal, at time.Time) (*models.SellerCustomer, error) {
	var row models.SellerCustomer
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO seller_customers (seller_id, customer_id, total_orders, total_spent, last_purchase_date, status)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (seller_id, customer_id) DO UPDATE SET
			total_orders = seller_customers.total_orders + 1,
			total_spent = seller_customers.total_spent + EXCLUDED.total_spent,
			last_purchase_date = EXCLUDED.last_purchase_date,
			status = EXCLUDED.status
		RETURNING `+ledgerColumns,
		sellerID, customerID, amount, at, models.LedgerStatusActive)
	if err != nil {
		return nil, err
	}
	return &row, nil
}
