package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published by this service
const (
	EventTypeOrderCreated             = "ORDER_CREATED"
	EventTypeOrderPaid                = "ORDER_PAID"
	EventTypeOrderStatusChanged       = "ORDER_STATUS_CHANGED"
	EventTypePaymentFailed            = "PAYMENT_FAILED"
	EventTypeSellerAccountProvisioned = "SELLER_ACCOUNT_PROVISIONED"
)

// Event types consumed from other marketplace components
const (
	EventTypeStockLow      = "STOCK_LOW"
	EventTypeReviewCreated = "REVIEW_CREATED"
	EventTypeReviewReplied = "REVIEW_REPLIED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order and its items are persisted
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      *string         `json:"seller_id,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	Items         []OrderItemData `json:"items"`
}

// OrderPaidEvent published when settlement is recorded
type OrderPaidEvent struct {
	BaseEvent
	OrderID         string          `json:"order_id"`
	BuyerID         string          `json:"buyer_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	Amount          decimal.Decimal `json:"amount"`
}

// OrderStatusChangedEvent published on fulfilment transitions
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// PaymentFailedEvent published when the processor reports a failed intent
type PaymentFailedEvent struct {
	BaseEvent
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Reason          string `json:"reason"`
}

// SellerAccountProvisionedEvent published when a new sub-account is stored for a seller
type SellerAccountProvisionedEvent struct {
	BaseEvent
	SellerID  string `json:"seller_id"`
	AccountID string `json:"account_id"`
}

// StockLowEvent is emitted by the catalog when stock drops below the threshold
type StockLowEvent struct {
	BaseEvent
	SellerID    string `json:"seller_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Remaining   int    `json:"remaining"`
}

// ReviewCreatedEvent is emitted when a buyer reviews a product
type ReviewCreatedEvent struct {
	BaseEvent
	ReviewID    string `json:"review_id"`
	SellerID    string `json:"seller_id"`
	BuyerID     string `json:"buyer_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Rating      int    `json:"rating"`
}

// ReviewRepliedEvent is emitted when a seller replies to a review
type ReviewRepliedEvent struct {
	BaseEvent
	ReviewID    string `json:"review_id"`
	SellerID    string `json:"seller_id"`
	BuyerID     string `json:"buyer_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
