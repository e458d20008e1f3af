package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Product is the catalog read-model used to price cart lines
type Product struct {
	ID       string          `db:"id" json:"id"`
	SellerID *string         `db:"seller_id" json:"seller_id,omitempty"`
	Name     string          `db:"name" json:"name"`
	Price    decimal.Decimal `db:"price" json:"price"`
}

// Profile is the user record owned by the identity side.
// StripeAccountID is nil until the seller has been provisioned.
type Profile struct {
	ID               string    `db:"id" json:"id"`
	Email            string    `db:"email" json:"email"`
	AccountType      string    `db:"account_type" json:"account_type"`
	BusinessName     *string   `db:"business_name" json:"business_name,omitempty"`
	StripeAccountID  *string   `db:"stripe_account_id" json:"stripe_account_id,omitempty"`
	StripeCustomerID *string   `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Address is stored as a JSON column
type Address struct {
	FullName   string `json:"fullName,omitempty"`
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode" binding:"required"`
	Country    string `json:"country" binding:"required"`
	Phone      string `json:"phone,omitempty"`
}

func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address column type %T", src)
	}
}

// Order represents a buyer's committed purchase
type Order struct {
	ID              string          `db:"id" json:"id"`
	BuyerID         string          `db:"buyer_id" json:"buyer_id"`
	SellerID        *string         `db:"seller_id" json:"seller_id,omitempty"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	ShippingFee     decimal.Decimal `db:"shipping_fee" json:"shipping_fee"`
	Status          string          `db:"status" json:"status"`
	PaymentStatus   string          `db:"payment_status" json:"payment_status"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	PaymentIntentID *string         `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	ShippingAddress Address         `db:"shipping_address" json:"shipping_address"`
	BillingAddress  Address         `db:"billing_address" json:"billing_address"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents one cart line of an order. UnitPrice is the price at purchase time.
type OrderItem struct {
	ID         string          `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"order_id"`
	ProductID  string          `db:"product_id" json:"product_id"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
}

// SellerCustomer accumulates relationship statistics between one seller and one customer
type SellerCustomer struct {
	SellerID         string          `db:"seller_id" json:"seller_id"`
	CustomerID       string          `db:"customer_id" json:"customer_id"`
	TotalOrders      int64           `db:"total_orders" json:"total_orders"`
	TotalSpent       decimal.Decimal `db:"total_spent" json:"total_spent"`
	LastPurchaseDate time.Time       `db:"last_purchase_date" json:"last_purchase_date"`
	Status           string          `db:"status" json:"status"`
}

// Notification is a user-facing in-app notification
type Notification struct {
	ID        string         `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	Type      string         `db:"type" json:"type"`
	Title     string         `db:"title" json:"title"`
	Message   string         `db:"message" json:"message"`
	Read      bool           `db:"read" json:"read"`
	Data      types.JSONText `db:"data" json:"data,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// Payment statuses
const (
	PaymentStatusAwaitingPayment = "awaiting_payment"
	PaymentStatusPending         = "pending"
	PaymentStatusPaid            = "paid"
	PaymentStatusRefunded        = "refunded"
	PaymentStatusFailed          = "failed"
)

// Payment methods
const (
	PaymentMethodProcessorCard  = "processor_card"
	PaymentMethodCashOnDelivery = "cash_on_delivery"
)

// Ledger statuses
const (
	LedgerStatusActive   = "active"
	LedgerStatusInactive = "inactive"
)

// Account types carried by the identity provider
const (
	AccountTypeSeller = "seller"
	AccountTypeBuyer  = "buyer"
	AccountTypeAdmin  = "admin"
)

// ValidPaymentMethod reports whether m is an accepted payment method
func ValidPaymentMethod(m string) bool {
	return m == PaymentMethodProcessorCard || m == PaymentMethodCashOnDelivery
}

// InitialPaymentStatus returns the payment status a new order starts in
func InitialPaymentStatus(method string) string {
	if method == PaymentMethodProcessorCard {
		return PaymentStatusPending
	}
	return PaymentStatusAwaitingPayment
}

var paymentTransitions = map[string][]string{
	PaymentStatusAwaitingPayment: {PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPending:         {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusFailed:          {PaymentStatusPending},
	PaymentStatusPaid:            {PaymentStatusRefunded},
}

// CanTransitionPayment reports whether payment_status may move from -> to.
// Statuses only move forward; failed may go back to pending for a retry.
func CanTransitionPayment(from, to string) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PayableStatuses lists the payment statuses from which an order may be marked paid
func PayableStatuses() []string {
	var out []string
	for from := range paymentTransitions {
		if CanTransitionPayment(from, PaymentStatusPaid) {
			out = append(out, from)
		}
	}
	return out
}

var orderTransitions = map[string][]string{
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionOrder reports whether the fulfilment status may move from -> to
func CanTransitionOrder(from, to string) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
