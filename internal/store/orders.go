package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-service/internal/models"

	"github.com/lib/pq"
)

const orderColumns = `id, buyer_id, seller_id, total_amount, shipping_fee, status, payment_status,
	payment_method, payment_intent_id, shipping_address, billing_address, idempotency_key, created_at, updated_at`

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (buyer_id, seller_id, total_amount, shipping_fee, status, payment_status,
			payment_method, shipping_address, billing_address, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.BuyerID, order.SellerID, order.TotalAmount, order.ShippingFee, order.Status,
		order.PaymentStatus, order.PaymentMethod, order.ShippingAddress, order.BillingAddress,
		order.IdempotencyKey,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves a buyer's order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE buyer_id = $1 AND idempotency_key = $2", buyerID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkOrderPaid records settlement in a single update. Returns false when the order
// was not in a payable state.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID, intentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, payment_intent_id = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = ANY($4)`,
		models.PaymentStatusPaid, intentID, orderID, pq.Array(models.PayableStatuses()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPaymentFailed moves a pending order to failed
func (s *Store) MarkPaymentFailed(ctx context.Context, orderID, intentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, payment_intent_id = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = $4`,
		models.PaymentStatusFailed, intentID, orderID, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPaymentRetrying reopens a failed payment so a later attempt can settle it
func (s *Store) MarkPaymentRetrying(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status = $3",
		models.PaymentStatusPending, orderID, models.PaymentStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateOrderStatus moves the fulfilment status if it still equals from
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.TotalPrice)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, quantity, unit_price, total_price FROM order_items WHERE order_id = $1",
		orderID)
	return items, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
