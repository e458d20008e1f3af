package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LedgerUpserter accumulates seller/customer statistics
type LedgerUpserter interface {
	Upsert(ctx context.Context, sellerID, customerID string, amount decimal.Decimal) (*models.SellerCustomer, error)
}

// OrderService handles order business logic
type OrderService struct {
	store        OrderStore
	ledger       LedgerUpserter
	notifier     *Notifier
	publisher    EventPublisher
	shippingFee  decimal.Decimal
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	ledger LedgerUpserter,
	notifier *Notifier,
	publisher EventPublisher,
	shippingFee decimal.Decimal,
	storeTimeout time.Duration,
) *OrderService {
	return &OrderService{
		store:        store,
		ledger:       ledger,
		notifier:     notifier,
		publisher:    publisher,
		shippingFee:  shippingFee,
		storeTimeout: storeTimeout,
		logger:       util.GetLogger(),
	}
}

// CreateOrderRequest represents a checkout
type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	ShippingAddress models.Address     `json:"shippingAddress"`
	BillingAddress  models.Address     `json:"billingAddress"`
	PaymentMethod   string             `json:"paymentMethod" binding:"required"`
	IdempotencyKey  string             `json:"idempotencyKey,omitempty"`
}

// OrderItemRequest represents one cart line
type OrderItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// OrderDetails is an order with its items
type OrderDetails struct {
	Order *models.Order      `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// pricedLine is a cart line with its price snapshot
type pricedLine struct {
	productID string
	sellerID  *string
	quantity  int
	unitPrice decimal.Decimal
}

func (l pricedLine) total() decimal.Decimal {
	return l.unitPrice.Mul(decimal.NewFromInt(int64(l.quantity)))
}

// CreateOrder persists the order row and then one item per cart line. If an
// item write fails the order id is returned inside a PartialOrderFailure so
// the caller can complete it with CompleteOrderItems.
func (s *OrderService) CreateOrder(ctx context.Context, actor models.Identity, req *CreateOrderRequest) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if actor.UserID == "" {
		return nil, apperror.Forbidden("authentication required")
	}
	if err := validateCheckout(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.byIdempotencyKey(ctx, actor.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			// A replay finishes an order left partial by the first attempt.
			return s.completeItems(ctx, existing, req.Items)
		}
	}

	lines, err := s.priceCart(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.total())
	}

	order := &models.Order{
		BuyerID:         actor.UserID,
		SellerID:        singleSeller(lines),
		TotalAmount:     subtotal.Add(s.shippingFee),
		ShippingFee:     s.shippingFee,
		Status:          models.OrderStatusProcessing,
		PaymentStatus:   models.InitialPaymentStatus(req.PaymentMethod),
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	}
	if req.IdempotencyKey != "" {
		order.IdempotencyKey = &req.IdempotencyKey
	}

	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	err = s.store.CreateOrder(sctx, order)
	cancel()
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		return nil, apperror.Internal("failed to create order", err)
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	items, err := s.persistItems(ctx, order.ID, lines, 0, len(lines))
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("partial_items").Inc()
		util.RecordError(span, err)
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(order.PaymentMethod).Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("total", order.TotalAmount.String()),
		zap.Int("items", len(items)))

	s.afterPersist(ctx, order, items)
	return &OrderDetails{Order: order, Items: items}, nil
}

// CompleteOrderItems writes the cart lines missing from an order left behind by
// a PartialOrderFailure. Lines already stored are matched by product and
// quantity; the full cart must reproduce the order total.
func (s *OrderService) CompleteOrderItems(ctx context.Context, actor models.Identity, orderID string, cart []OrderItemRequest) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CompleteOrderItems",
		attribute.String("order.id", orderID))
	defer span.End()

	if len(cart) == 0 {
		return nil, apperror.Validation("cart must not be empty")
	}
	if err := validateLines(cart); err != nil {
		return nil, err
	}

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actor.UserID && !actor.IsAdmin() {
		return nil, apperror.Forbidden("order belongs to another buyer")
	}

	details, err := s.completeItems(ctx, order, cart)
	if err != nil {
		util.RecordError(span, err)
	}
	return details, err
}

// completeItems checks cart against the stored items and writes the lines
// still missing. A complete order is returned unchanged.
func (s *OrderService) completeItems(ctx context.Context, order *models.Order, cart []OrderItemRequest) (*OrderDetails, error) {
	orderID := order.ID
	existing, err := s.items(ctx, orderID)
	if err != nil {
		return nil, err
	}

	stored := make(map[string]int)
	for _, it := range existing {
		stored[lineKey(it.ProductID, it.Quantity)]++
	}

	var missing []OrderItemRequest
	total := order.ShippingFee
	for _, it := range existing {
		total = total.Add(it.TotalPrice)
	}
	for _, line := range cart {
		k := lineKey(line.ProductID, line.Quantity)
		if stored[k] > 0 {
			stored[k]--
			continue
		}
		missing = append(missing, line)
	}
	for _, n := range stored {
		if n > 0 {
			return nil, apperror.Conflict("cart does not match the stored order items")
		}
	}
	if len(missing) == 0 {
		return &OrderDetails{Order: order, Items: existing}, nil
	}

	lines, err := s.priceCart(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		total = total.Add(l.total())
	}
	if !total.Equal(order.TotalAmount) {
		return nil, apperror.Conflict("cart total %s does not match order total %s",
			total.StringFixed(2), order.TotalAmount.StringFixed(2))
	}

	added, err := s.persistItems(ctx, orderID, lines, len(existing), len(existing)+len(lines))
	if err != nil {
		return nil, err
	}
	items := append(existing, added...)

	s.logger.Info("Order items completed",
		zap.String("order_id", orderID),
		zap.Int("added", len(added)))

	s.afterPersist(ctx, order, items)
	return &OrderDetails{Order: order, Items: items}, nil
}

// persistItems writes lines in order. persisted is the number of items the
// order already has; expected is the final count.
func (s *OrderService) persistItems(ctx context.Context, orderID string, lines []pricedLine, persisted, expected int) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(lines))
	for _, l := range lines {
		item := models.OrderItem{
			OrderID:    orderID,
			ProductID:  l.productID,
			Quantity:   l.quantity,
			UnitPrice:  l.unitPrice,
			TotalPrice: l.total(),
		}

		sctx, cancel := withTimeout(ctx, s.storeTimeout)
		err := s.store.CreateOrderItem(sctx, &item)
		cancel()
		if err != nil {
			s.logger.Error("Order persisted without all items",
				zap.String("order_id", orderID),
				zap.Int("persisted", persisted),
				zap.Int("expected", expected),
				zap.Error(err))
			return nil, &apperror.PartialOrderFailure{
				OrderID:   orderID,
				Persisted: persisted,
				Expected:  expected,
				Err:       err,
			}
		}
		persisted++
		items = append(items, item)
	}
	return items, nil
}

// afterPersist runs the best-effort side effects of a complete order
func (s *OrderService) afterPersist(ctx context.Context, order *models.Order, items []models.OrderItem) {
	if order.SellerID != nil {
		if _, err := s.ledger.Upsert(ctx, *order.SellerID, order.BuyerID, order.TotalAmount); err != nil {
			util.BestEffortFailuresTotal.WithLabelValues("ledger").Inc()
			s.logger.Error("Failed to update seller customer ledger",
				zap.String("order_id", order.ID),
				zap.String("seller_id", *order.SellerID),
				zap.Error(err))
		}
		s.notifier.NewOrder(ctx, order)
	}

	data := make([]models.OrderItemData, 0, len(items))
	for _, it := range items {
		data = append(data, models.OrderItemData{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCreated),
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		SellerID:      order.SellerID,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		Items:         data,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		util.BestEffortFailuresTotal.WithLabelValues("event").Inc()
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

// priceCart loads the products of the cart and snapshots their prices
func (s *OrderService) priceCart(ctx context.Context, cart []OrderItemRequest) ([]pricedLine, error) {
	ids := make([]string, 0, len(cart))
	seen := make(map[string]bool)
	for _, it := range cart {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}

	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	products, err := s.store.GetProductsByIDs(sctx, ids)
	cancel()
	if err != nil {
		return nil, apperror.Internal("failed to load products", err)
	}

	byID := make(map[string]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	lines := make([]pricedLine, 0, len(cart))
	for _, it := range cart {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, apperror.Validation("product %s not found", it.ProductID)
		}
		if p.Price.IsNegative() {
			return nil, apperror.Validation("product %s has an invalid price", it.ProductID)
		}
		lines = append(lines, pricedLine{
			productID: p.ID,
			sellerID:  p.SellerID,
			quantity:  it.Quantity,
			unitPrice: p.Price,
		})
	}
	return lines, nil
}

// singleSeller returns the seller shared by every line when it is a valid id
func singleSeller(lines []pricedLine) *string {
	var seller string
	for _, l := range lines {
		if l.sellerID == nil || *l.sellerID == "" {
			return nil
		}
		if seller != "" && seller != *l.sellerID {
			return nil
		}
		seller = *l.sellerID
	}
	if _, err := uuid.Parse(seller); err != nil {
		return nil
	}
	return &seller
}

// GetOrder returns an order to its buyer, its seller or an admin
func (s *OrderService) GetOrder(ctx context.Context, actor models.Identity, orderID string) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, order) {
		return nil, apperror.Forbidden("you do not have access to this order")
	}
	return s.details(ctx, order)
}

// UpdateOrderStatus moves an order through fulfilment on behalf of its seller
func (s *OrderService) UpdateOrderStatus(ctx context.Context, actor models.Identity, orderID, status string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus",
		attribute.String("order.id", orderID),
		attribute.String("order.status", status))
	defer span.End()

	switch status {
	case models.OrderStatusShipped, models.OrderStatusDelivered, models.OrderStatusCancelled:
	default:
		return nil, apperror.Validation("unsupported order status %q", status)
	}

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	isSeller := order.SellerID != nil && *order.SellerID == actor.UserID
	if !isSeller && !actor.IsAdmin() {
		return nil, apperror.Forbidden("only the seller can update this order")
	}

	if order.Status == status {
		return order, nil
	}
	if !models.CanTransitionOrder(order.Status, status) {
		return nil, apperror.Validation("cannot move order from %s to %s", order.Status, status)
	}
	if status == models.OrderStatusCancelled && order.PaymentStatus == models.PaymentStatusPaid {
		return nil, apperror.Validation("paid orders must be refunded before cancelling")
	}

	from := order.Status
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	updated, err := s.store.UpdateOrderStatus(sctx, orderID, from, status)
	cancel()
	if err != nil {
		util.RecordError(span, err)
		return nil, apperror.Internal("failed to update order status", err)
	}
	if !updated {
		return nil, apperror.Conflict("order status changed concurrently, please reload")
	}

	order.Status = status
	util.OrderStatusTransitionsTotal.WithLabelValues(status).Inc()
	s.logger.Info("Order status updated",
		zap.String("order_id", orderID),
		zap.String("from", from),
		zap.String("to", status))

	s.notifier.StatusChanged(ctx, order)

	event := &models.OrderStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   orderID,
		From:      from,
		To:        status,
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		util.BestEffortFailuresTotal.WithLabelValues("event").Inc()
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	return order, nil
}

func (s *OrderService) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if orderID == "" {
		return nil, apperror.Validation("order id is required")
	}

	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	order, err := s.store.GetOrderByID(sctx, orderID)
	if isNotFound(err) {
		return nil, apperror.NotFound("order not found")
	}
	if err != nil {
		return nil, apperror.Internal("failed to load order", err)
	}
	return order, nil
}

func (s *OrderService) byIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Order, error) {
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	order, err := s.store.GetOrderByIdempotencyKey(sctx, buyerID, key)
	if err != nil {
		return nil, apperror.Internal("failed to check idempotency", err)
	}
	return order, nil
}

func (s *OrderService) items(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	items, err := s.store.GetOrderItemsByOrderID(sctx, orderID)
	if err != nil {
		return nil, apperror.Internal("failed to load order items", err)
	}
	if items == nil {
		items = []models.OrderItem{}
	}
	return items, nil
}

func (s *OrderService) details(ctx context.Context, order *models.Order) (*OrderDetails, error) {
	items, err := s.items(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetails{Order: order, Items: items}, nil
}

func canView(actor models.Identity, order *models.Order) bool {
	if actor.IsAdmin() || actor.UserID == order.BuyerID {
		return true
	}
	return order.SellerID != nil && *order.SellerID == actor.UserID
}

func validateCheckout(req *CreateOrderRequest) error {
	if req == nil || len(req.Items) == 0 {
		return apperror.Validation("cart must not be empty")
	}
	if err := validateLines(req.Items); err != nil {
		return err
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		return apperror.Validation("unsupported payment method %q", req.PaymentMethod)
	}
	if err := validateAddress("shipping", req.ShippingAddress); err != nil {
		return err
	}
	return validateAddress("billing", req.BillingAddress)
}

func validateLines(lines []OrderItemRequest) error {
	for i, it := range lines {
		if it.ProductID == "" {
			return apperror.Validation("item %d has no product", i)
		}
		if _, err := uuid.Parse(it.ProductID); err != nil {
			return apperror.Validation("item %d has an invalid product id", i)
		}
		if it.Quantity <= 0 {
			return apperror.Validation("item %d must have a positive quantity", i)
		}
	}
	return nil
}

func validateAddress(kind string, a models.Address) error {
	var missing []string
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return apperror.Validation("%s address is missing %s", kind, strings.Join(missing, ", "))
	}
	return nil
}

func lineKey(productID string, quantity int) string {
	return fmt.Sprintf("%s|%d", productID, quantity)
}
