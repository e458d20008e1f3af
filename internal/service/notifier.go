package service

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Dispatcher creates preference-gated notifications
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, category, title, message string, data map[string]interface{}) (*models.Notification, error)
}

// Notifier turns lifecycle events into notifications. Failures are logged and
// counted, never returned: the triggering operation has already succeeded.
type Notifier struct {
	dispatcher        Dispatcher
	lowStockThreshold int
	logger            *zap.Logger
}

func NewNotifier(dispatcher Dispatcher, lowStockThreshold int) *Notifier {
	return &Notifier{
		dispatcher:        dispatcher,
		lowStockThreshold: lowStockThreshold,
		logger:            util.GetLogger(),
	}
}

// NewOrder tells the seller about a new order
func (n *Notifier) NewOrder(ctx context.Context, order *models.Order) {
	if order.SellerID == nil {
		return
	}
	n.send(ctx, *order.SellerID, models.CategoryNewOrder,
		"New order received",
		fmt.Sprintf("You have a new order totalling %s.", order.TotalAmount.StringFixed(2)),
		map[string]interface{}{"order_id": order.ID})
}

// PaymentApproved tells the buyer their payment went through
func (n *Notifier) PaymentApproved(ctx context.Context, order *models.Order) {
	n.send(ctx, order.BuyerID, models.CategoryPaymentApproved,
		"Payment approved",
		fmt.Sprintf("Your payment of %s was approved.", order.TotalAmount.StringFixed(2)),
		map[string]interface{}{"order_id": order.ID})
}

// StatusChanged tells the buyer about a fulfilment transition
func (n *Notifier) StatusChanged(ctx context.Context, order *models.Order) {
	var category, title, message string
	switch order.Status {
	case models.OrderStatusShipped:
		category, title, message = models.CategoryOrderShipped, "Order shipped", "Your order is on its way."
	case models.OrderStatusDelivered:
		category, title, message = models.CategoryOrderDelivered, "Order delivered", "Your order has been delivered."
	case models.OrderStatusCancelled:
		category, title, message = models.CategoryOrderCancelled, "Order cancelled", "Your order was cancelled by the seller."
	default:
		return
	}
	n.send(ctx, order.BuyerID, category, title, message,
		map[string]interface{}{"order_id": order.ID, "status": order.Status})
}

// LowStock tells the seller a product is running out. Events above the
// configured threshold are ignored.
func (n *Notifier) LowStock(ctx context.Context, event *models.StockLowEvent) error {
	if n.lowStockThreshold > 0 && event.Remaining > n.lowStockThreshold {
		return nil
	}
	n.send(ctx, event.SellerID, models.CategoryLowStock,
		"Low stock",
		fmt.Sprintf("%s has only %d left in stock.", event.ProductName, event.Remaining),
		map[string]interface{}{"product_id": event.ProductID, "remaining": event.Remaining})
	return nil
}

// NewReview tells the seller a product was reviewed
func (n *Notifier) NewReview(ctx context.Context, event *models.ReviewCreatedEvent) error {
	n.send(ctx, event.SellerID, models.CategoryNewReview,
		"New review",
		fmt.Sprintf("%s received a %d-star review.", event.ProductName, event.Rating),
		map[string]interface{}{"review_id": event.ReviewID, "product_id": event.ProductID})
	return nil
}

// ReviewReplied tells the buyer the seller answered their review
func (n *Notifier) ReviewReplied(ctx context.Context, event *models.ReviewRepliedEvent) error {
	n.send(ctx, event.BuyerID, models.CategoryReviewReply,
		"Seller replied to your review",
		fmt.Sprintf("The seller replied to your review of %s.", event.ProductName),
		map[string]interface{}{"review_id": event.ReviewID, "product_id": event.ProductID})
	return nil
}

func (n *Notifier) send(ctx context.Context, userID, category, title, message string, data map[string]interface{}) {
	if _, err := n.dispatcher.Dispatch(ctx, userID, category, title, message, data); err != nil {
		util.BestEffortFailuresTotal.WithLabelValues("notification").Inc()
		n.logger.Error("Failed to dispatch notification",
			zap.String("user_id", userID),
			zap.String("category", category),
			zap.Error(err))
	}
}
