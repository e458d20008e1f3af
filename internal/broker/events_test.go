package broker

import (
	"context"
	"encoding/json"
	"testing"

	"settlement-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	key       string
	eventType string
	event     interface{}
}

type fakeProducer struct {
	published []capturedEvent
}

func (f *fakeProducer) PublishEvent(_ context.Context, key, eventType string, event interface{}) error {
	f.published = append(f.published, capturedEvent{key: key, eventType: eventType, event: event})
	return nil
}

func TestEventPublisher_KeysByAggregate(t *testing.T) {
	fp := &fakeProducer{}
	ep := NewEventPublisher(fp)
	ctx := context.Background()

	require.NoError(t, ep.PublishOrderPaid(ctx, &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderPaid},
		OrderID:   "o1",
	}))
	require.NoError(t, ep.PublishSellerAccountProvisioned(ctx, &models.SellerAccountProvisionedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSellerAccountProvisioned},
		SellerID:  "s1",
	}))

	require.Len(t, fp.published, 2)
	assert.Equal(t, "order-o1", fp.published[0].key)
	assert.Equal(t, models.EventTypeOrderPaid, fp.published[0].eventType)
	assert.Equal(t, "seller-s1", fp.published[1].key)
}

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: raw}
}

func TestEventHandler_Routes(t *testing.T) {
	eh := NewEventHandler()

	var stock *models.StockLowEvent
	var review *models.ReviewCreatedEvent
	eh.OnStockLow(func(_ context.Context, e *models.StockLowEvent) error { stock = e; return nil })
	eh.OnReviewCreated(func(_ context.Context, e *models.ReviewCreatedEvent) error { review = e; return nil })

	require.NoError(t, eh.HandleMessage(context.Background(), message(t, models.StockLowEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeStockLow},
		SellerID:  "s1",
		Remaining: 2,
	})))
	require.NotNil(t, stock)
	assert.Equal(t, 2, stock.Remaining)

	require.NoError(t, eh.HandleMessage(context.Background(), message(t, models.ReviewCreatedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeReviewCreated},
		Rating:    4,
	})))
	require.NotNil(t, review)
	assert.Equal(t, 4, review.Rating)

	// no handler registered
	assert.NoError(t, eh.HandleMessage(context.Background(), message(t, models.ReviewRepliedEvent{
		BaseEvent: models.BaseEvent{EventID: "e3", EventType: models.EventTypeReviewReplied},
	})))
	assert.NoError(t, eh.HandleMessage(context.Background(), message(t, models.BaseEvent{EventType: "SOMETHING_ELSE"})))
}

func TestEventHandler_MalformedMessage(t *testing.T) {
	eh := NewEventHandler()
	err := eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}
