package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is satisfied by Producer
type Publisher interface {
	PublishEvent(ctx context.Context, key, eventType string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishSellerAccountProvisioned publishes SellerAccountProvisioned event
func (ep *EventPublisher) PublishSellerAccountProvisioned(ctx context.Context, event *models.SellerAccountProvisionedEvent) error {
	return ep.producer.PublishEvent(ctx, "seller-"+event.SellerID, event.EventType, event)
}

// EventHandler routes inbound marketplace events
type EventHandler struct {
	onStockLow      func(context.Context, *models.StockLowEvent) error
	onReviewCreated func(context.Context, *models.ReviewCreatedEvent) error
	onReviewReplied func(context.Context, *models.ReviewRepliedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnStockLow registers a handler for StockLow events
func (eh *EventHandler) OnStockLow(handler func(context.Context, *models.StockLowEvent) error) {
	eh.onStockLow = handler
}

// OnReviewCreated registers a handler for ReviewCreated events
func (eh *EventHandler) OnReviewCreated(handler func(context.Context, *models.ReviewCreatedEvent) error) {
	eh.onReviewCreated = handler
}

// OnReviewReplied registers a handler for ReviewReplied events
func (eh *EventHandler) OnReviewReplied(handler func(context.Context, *models.ReviewRepliedEvent) error) {
	eh.onReviewReplied = handler
}

// DecodeBase reads the common event envelope
func DecodeBase(msg kafka.Message) (models.BaseEvent, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return base, fmt.Errorf("failed to unmarshal base event: %w", err)
	}
	return base, nil
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	baseEvent, err := DecodeBase(msg)
	if err != nil {
		return err
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeStockLow:
		if eh.onStockLow != nil {
			var event models.StockLowEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockLow event: %w", err)
			}
			return eh.onStockLow(ctx, &event)
		}

	case models.EventTypeReviewCreated:
		if eh.onReviewCreated != nil {
			var event models.ReviewCreatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ReviewCreated event: %w", err)
			}
			return eh.onReviewCreated(ctx, &event)
		}

	case models.EventTypeReviewReplied:
		if eh.onReviewReplied != nil {
			var event models.ReviewRepliedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ReviewReplied event: %w", err)
			}
			return eh.onReviewReplied(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
