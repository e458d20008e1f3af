// Package service holds the settlement business logic: order intake, payment
// settlement, seller account provisioning, the seller/customer ledger and
// preference-gated notifications. Transports call these services with an
// explicit caller identity; nothing here reads request-scoped globals.
package service

import (
	"context"
	"errors"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStore is the slice of the relational store used by order intake
type OrderStore interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Order, error)
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID, from, to string) (bool, error)
}

// PaymentStore is the slice of the relational store used by payment settlement
type PaymentStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	MarkOrderPaid(ctx context.Context, orderID, intentID string) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID, intentID string) (bool, error)
	MarkPaymentRetrying(ctx context.Context, orderID string) (bool, error)
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) (bool, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// ConnectStore is the slice of the relational store used by account provisioning
type ConnectStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	SetStripeAccountID(ctx context.Context, userID, accountID string) (bool, error)
	ClearStripeAccountID(ctx context.Context, userID, accountID string) error
}

// LedgerStore covers both the single-statement increment and the row-level
// accessors the read-modify-write strategies need
type LedgerStore interface {
	GetSellerCustomer(ctx context.Context, sellerID, customerID string) (*models.SellerCustomer, error)
	InsertSellerCustomer(ctx context.Context, row *models.SellerCustomer) error
	UpdateSellerCustomer(ctx context.Context, row *models.SellerCustomer) error
	IncrementSellerCustomer(ctx context.Context, sellerID, customerID string, amount decimal.Decimal, at time.Time) (*models.SellerCustomer, error)
}

// NotificationStore is the slice of the relational store used by the dispatcher
type NotificationStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetNotificationPreferences(ctx context.Context, userID string, columns []string) (map[string]bool, error)
	UpsertNotificationPreferences(ctx context.Context, userID string, flags map[string]bool, columns []string, overwrite bool) error
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error)
}

// Locker provides advisory per-key locks
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IdempotencyCache remembers responses of requests carrying an idempotency key
type IdempotencyCache interface {
	GetIdempotencyKey(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// EventPublisher publishes domain events to the broker
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishSellerAccountProvisioned(ctx context.Context, event *models.SellerAccountProvisionedEvent) error
}

// Timeouts bounds every remote call a service makes
type Timeouts struct {
	Processor time.Duration
	Store     time.Duration
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
