package worker

import (
	"context"
	"fmt"

	"settlement-service/internal/broker"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventStore records which inbound events have been applied
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationWorker turns catalog and review events into notifications
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	events       EventStore
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, events EventStore, notifier *service.Notifier) *NotificationWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnStockLow(notifier.LowStock)
	eventHandler.OnReviewCreated(notifier.NewReview)
	eventHandler.OnReviewReplied(notifier.ReviewReplied)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		events:       events,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.Handle)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// Handle applies one message at most once. Malformed messages are logged and
// skipped so they do not block the partition.
func (w *NotificationWorker) Handle(ctx context.Context, msg kafka.Message) error {
	base, err := broker.DecodeBase(msg)
	if err != nil {
		w.logger.Warn("Skipping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if base.EventID == "" {
		w.logger.Warn("Skipping event without id", zap.String("event_type", base.EventType))
		return nil
	}

	processed, err := w.events.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", base.EventID, err)
	}
	if processed {
		w.logger.Debug("Event already processed", zap.String("event_id", base.EventID))
		return nil
	}

	if err := w.eventHandler.HandleMessage(ctx, msg); err != nil {
		return err
	}

	if err := w.events.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		return fmt.Errorf("mark event %s: %w", base.EventID, err)
	}
	return nil
}
