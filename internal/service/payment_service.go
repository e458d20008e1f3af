package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// zeroDecimalCurrencies have no minor unit at the processor
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// CurrencyExponent returns the number of minor-unit digits of a currency
func CurrencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts a major-unit amount, rounding half up to a whole minor unit
func ToMinorUnits(amount decimal.Decimal, exponent int32) int64 {
	return amount.Shift(exponent).Round(0).IntPart()
}

// ApplicationFee is the platform's share of a split payment in minor units
func ApplicationFee(amountMinor int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountMinor).Mul(rate).Round(0).IntPart()
}

// StepSetDefault names the step that failed in a partial payment-method save
const StepSetDefault = "set_default_payment_method"

// PaymentConfig holds the settlement settings taken from configuration
type PaymentConfig struct {
	PlatformFeeRate decimal.Decimal
	Currency        string
	IdempotencyTTL  time.Duration
	Timeouts        Timeouts
}

// PaymentService reconciles orders with the payment processor
type PaymentService struct {
	store     PaymentStore
	processor payment.Processor
	cache     IdempotencyCache
	publisher EventPublisher
	notifier  *Notifier
	cfg       PaymentConfig
	exponent  int32

	markPaidAttempts int
	markPaidBackoff  time.Duration

	logger *zap.Logger
}

func NewPaymentService(
	store PaymentStore,
	processor payment.Processor,
	cache IdempotencyCache,
	publisher EventPublisher,
	notifier *Notifier,
	cfg PaymentConfig,
) *PaymentService {
	return &PaymentService{
		store:            store,
		processor:        processor,
		cache:            cache,
		publisher:        publisher,
		notifier:         notifier,
		cfg:              cfg,
		exponent:         CurrencyExponent(cfg.Currency),
		markPaidAttempts: 3,
		markPaidBackoff:  200 * time.Millisecond,
		logger:           util.GetLogger(),
	}
}

// CreatePaymentIntentRequest describes a checkout payment. Amount is in major units.
type CreatePaymentIntentRequest struct {
	Amount         decimal.Decimal   `json:"amount"`
	SellerID       string            `json:"sellerId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// PaymentIntentResult is returned to the client to confirm the payment
type PaymentIntentResult struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	ApplicationFee  int64  `json:"applicationFee,omitempty"`
	Destination     string `json:"-"`
}

// CreatePaymentIntent creates a processor intent. When the seller has a
// transfer-capable account the payment is split with the platform fee;
// otherwise the platform receives the full amount. No order is modified.
// An idempotency key is scoped to the actor and bound to the request it
// was first used with.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, actor models.Identity, req CreatePaymentIntentRequest) (*PaymentIntentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePaymentIntent")
	defer span.End()

	if actor.UserID == "" {
		return nil, apperror.Forbidden("authentication required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperror.Validation("amount must be greater than zero")
	}
	amountMinor := ToMinorUnits(req.Amount, s.exponent)
	if amountMinor <= 0 {
		return nil, apperror.Validation("amount is below the smallest currency unit")
	}

	var cacheKey, fingerprint, processorKey string
	if req.IdempotencyKey != "" {
		processorKey = actor.UserID + ":" + req.IdempotencyKey
		cacheKey = "payment_intent:" + processorKey
		fingerprint = intentFingerprint(amountMinor, s.cfg.Currency, req)
		cached, err := s.cachedIntent(ctx, cacheKey, fingerprint)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	params := payment.IntentParams{
		AmountMinor:    amountMinor,
		Currency:       s.cfg.Currency,
		Metadata:       req.Metadata,
		IdempotencyKey: processorKey,
	}
	if dest := s.splitDestination(ctx, req.SellerID); dest != "" {
		params.Destination = dest
		params.ApplicationFee = ApplicationFee(amountMinor, s.cfg.PlatformFeeRate)
	}

	pctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Processor)
	intent, err := s.processor.CreatePaymentIntent(pctx, params)
	cancel()
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	split := "false"
	if params.Destination != "" {
		split = "true"
	}
	util.PaymentIntentsCreatedTotal.WithLabelValues(split).Inc()
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID), attribute.String("payment.split", split))

	result := &PaymentIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		ApplicationFee:  params.ApplicationFee,
		Destination:     params.Destination,
	}

	if cacheKey != "" {
		s.cacheIntent(ctx, cacheKey, fingerprint, result)
	}
	return result, nil
}

// splitDestination returns the seller's account id when a fee split is
// possible. Every failure degrades to a non-split intent.
func (s *PaymentService) splitDestination(ctx context.Context, sellerID string) string {
	if sellerID == "" {
		return ""
	}

	sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
	profile, err := s.store.GetProfile(sctx, sellerID)
	cancel()
	if err != nil {
		s.logger.Warn("Seller lookup failed, creating non-split intent",
			zap.String("seller_id", sellerID), zap.Error(err))
		return ""
	}
	if profile.StripeAccountID == nil {
		return ""
	}

	pctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Processor)
	acct, err := s.processor.GetAccount(pctx, *profile.StripeAccountID)
	cancel()
	if err != nil {
		s.logger.Warn("Seller account fetch failed, creating non-split intent",
			zap.String("seller_id", sellerID), zap.Error(err))
		return ""
	}
	if !acct.TransfersActive {
		s.logger.Info("Seller account cannot receive transfers yet",
			zap.String("seller_id", sellerID),
			zap.String("account_id", acct.ID))
		return ""
	}
	return acct.ID
}

// intentRecord is the cached outcome of a keyed intent request
type intentRecord struct {
	Fingerprint string               `json:"fingerprint"`
	Result      *PaymentIntentResult `json:"result"`
}

// intentFingerprint identifies the parameters an idempotency key was used with
func intentFingerprint(amountMinor int64, currency string, req CreatePaymentIntentRequest) string {
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s", amountMinor, strings.ToLower(currency), req.SellerID)
	for _, k := range keys {
		fmt.Fprintf(h, "|%q=%q", k, req.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *PaymentService) cachedIntent(ctx context.Context, key, fingerprint string) (*PaymentIntentResult, error) {
	if s.cache == nil {
		return nil, nil
	}
	raw, ok, err := s.cache.GetIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency cache read failed", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	var rec intentRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Result == nil {
		s.logger.Warn("Discarding unreadable cached intent", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if rec.Fingerprint != fingerprint {
		return nil, apperror.Conflict("Idempotency-Key was already used with different parameters")
	}
	return rec.Result, nil
}

func (s *PaymentService) cacheIntent(ctx context.Context, key, fingerprint string, result *PaymentIntentResult) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(intentRecord{Fingerprint: fingerprint, Result: result})
	if err != nil {
		return
	}
	if err := s.cache.SetIdempotencyKey(ctx, key, raw, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("Idempotency cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// ConfirmPayment records a succeeded intent on the order. A nil actor is the
// processor webhook; otherwise the actor must be the buyer or an admin.
// Confirming an order already paid by the same intent is a no-op.
func (s *PaymentService) ConfirmPayment(ctx context.Context, actor *models.Identity, intentID, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmPayment",
		attribute.String("order.id", orderID),
		attribute.String("payment.intent_id", intentID))
	defer span.End()

	if intentID == "" || orderID == "" {
		return nil, apperror.Validation("paymentIntentId and orderId are required")
	}

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != nil && actor.UserID != order.BuyerID && !actor.IsAdmin() {
		return nil, apperror.Forbidden("order belongs to another buyer")
	}
	if paidWith(order, intentID) {
		util.PaymentsConfirmedTotal.WithLabelValues("repeat").Inc()
		return order, nil
	}

	pctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Processor)
	intent, err := s.processor.GetPaymentIntent(pctx, intentID)
	cancel()
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if intent.Status != payment.IntentStatusSucceeded {
		util.PaymentsConfirmedTotal.WithLabelValues("not_succeeded").Inc()
		return nil, &apperror.PaymentNotSucceeded{IntentID: intentID, Status: intent.Status}
	}
	if ref := intent.Metadata["order_id"]; ref != "" && ref != orderID {
		return nil, apperror.Validation("payment intent belongs to a different order")
	}
	if order.PaymentStatus == models.PaymentStatusPaid {
		return nil, s.duplicatePayment(order, intentID)
	}

	updated, err := s.settle(ctx, order, intentID)
	if err != nil {
		util.RecordError(span, err)
		return nil, s.unrecorded(orderID, intentID, err)
	}

	if !updated {
		// Someone else moved the order; accept it if they recorded this payment,
		// otherwise settle once more from the status they left.
		current, err := s.getOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if paidWith(current, intentID) {
			util.PaymentsConfirmedTotal.WithLabelValues("repeat").Inc()
			return current, nil
		}
		if current.PaymentStatus == models.PaymentStatusPaid {
			return nil, s.duplicatePayment(current, intentID)
		}
		updated, err = s.settle(ctx, current, intentID)
		if err != nil {
			util.RecordError(span, err)
			return nil, s.unrecorded(orderID, intentID, err)
		}
		if !updated {
			return nil, apperror.Conflict("order cannot be marked paid from payment status %s", current.PaymentStatus)
		}
		order = current
	}

	order.PaymentStatus = models.PaymentStatusPaid
	order.PaymentIntentID = &intentID
	util.PaymentsConfirmedTotal.WithLabelValues("paid").Inc()

	s.logger.Info("Payment confirmed",
		zap.String("order_id", orderID),
		zap.String("payment_intent_id", intentID))

	s.notifier.PaymentApproved(ctx, order)

	event := &models.OrderPaidEvent{
		BaseEvent:       newBaseEvent(models.EventTypeOrderPaid),
		OrderID:         order.ID,
		BuyerID:         order.BuyerID,
		PaymentIntentID: intentID,
		Amount:          order.TotalAmount,
	}
	if err := s.publisher.PublishOrderPaid(ctx, event); err != nil {
		util.BestEffortFailuresTotal.WithLabelValues("event").Inc()
		s.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
	}

	return order, nil
}

// paidWith reports whether order is already settled by intentID
func paidWith(order *models.Order, intentID string) bool {
	return order.PaymentStatus == models.PaymentStatusPaid &&
		order.PaymentIntentID != nil && *order.PaymentIntentID == intentID
}

// settle marks the order paid. A failed payment is reopened first, since the
// processor has reported a later attempt as succeeded.
func (s *PaymentService) settle(ctx context.Context, order *models.Order, intentID string) (bool, error) {
	if order.PaymentStatus == models.PaymentStatusFailed {
		sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
		reopened, err := s.store.MarkPaymentRetrying(sctx, order.ID)
		cancel()
		if err != nil {
			return false, err
		}
		if reopened {
			s.logger.Info("Reopened failed payment",
				zap.String("order_id", order.ID),
				zap.String("payment_intent_id", intentID))
		}
	}
	return s.markPaid(ctx, order.ID, intentID)
}

func (s *PaymentService) unrecorded(orderID, intentID string, err error) error {
	util.PaidButUnrecordedTotal.Inc()
	s.logger.Error("Payment succeeded but order was not updated",
		zap.String("order_id", orderID),
		zap.String("payment_intent_id", intentID),
		zap.Error(err))
	return &apperror.PaidButUnrecorded{OrderID: orderID, IntentID: intentID, Err: err}
}

// duplicatePayment reports a succeeded intent for an order settled by another
// intent. The order is left untouched; the extra charge needs a refund.
func (s *PaymentService) duplicatePayment(order *models.Order, intentID string) error {
	paidBy := ""
	if order.PaymentIntentID != nil {
		paidBy = *order.PaymentIntentID
	}
	util.DuplicatePaymentsTotal.Inc()
	util.PaymentsConfirmedTotal.WithLabelValues("duplicate").Inc()
	s.logger.Error("Duplicate payment for settled order",
		zap.String("order_id", order.ID),
		zap.String("payment_intent_id", intentID),
		zap.String("paid_intent_id", paidBy))
	return &apperror.DuplicatePayment{OrderID: order.ID, IntentID: intentID, PaidIntentID: paidBy}
}

// markPaid retries only the local write; the processor is never called again here.
func (s *PaymentService) markPaid(ctx context.Context, orderID, intentID string) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= s.markPaidAttempts; attempt++ {
		sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
		updated, err := s.store.MarkOrderPaid(sctx, orderID, intentID)
		cancel()
		if err == nil {
			return updated, nil
		}
		lastErr = err

		s.logger.Warn("Mark order paid failed",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == s.markPaidAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Duration(attempt) * s.markPaidBackoff):
		}
	}
	return false, lastErr
}

func (s *PaymentService) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
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

// SavedPaymentMethod is the outcome of a successful save
type SavedPaymentMethod struct {
	CustomerID      string `json:"customerId"`
	PaymentMethodID string `json:"paymentMethodId"`
}

// SavePaymentMethod attaches a payment method to the user's processor customer
// and makes it the default. If attaching succeeds but the default cannot be set
// a PartialPaymentMethodSave names the failed step.
func (s *PaymentService) SavePaymentMethod(ctx context.Context, userID, paymentMethodID string) (*SavedPaymentMethod, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.SavePaymentMethod")
	defer span.End()

	if userID == "" || paymentMethodID == "" {
		return nil, apperror.Validation("paymentMethodId and userId are required")
	}

	customerID, err := s.ensureCustomer(ctx, userID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	pctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Processor)
	err = s.processor.AttachPaymentMethod(pctx, paymentMethodID, customerID)
	cancel()
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	pctx, cancel = withTimeout(ctx, s.cfg.Timeouts.Processor)
	err = s.processor.SetDefaultPaymentMethod(pctx, customerID, paymentMethodID)
	cancel()
	if err != nil {
		s.logger.Error("Payment method attached but not set as default",
			zap.String("user_id", userID),
			zap.String("customer_id", customerID),
			zap.Error(err))
		util.RecordError(span, err)
		return nil, &apperror.PartialPaymentMethodSave{CustomerID: customerID, FailedStep: StepSetDefault, Err: err}
	}

	return &SavedPaymentMethod{CustomerID: customerID, PaymentMethodID: paymentMethodID}, nil
}

// ensureCustomer reuses the stored processor customer or creates and stores one
func (s *PaymentService) ensureCustomer(ctx context.Context, userID string) (string, error) {
	sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
	profile, err := s.store.GetProfile(sctx, userID)
	cancel()
	if isNotFound(err) {
		return "", apperror.NotFound("user not found")
	}
	if err != nil {
		return "", apperror.Internal("failed to load user", err)
	}
	if profile.StripeCustomerID != nil {
		return *profile.StripeCustomerID, nil
	}

	pctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Processor)
	customerID, err := s.processor.CreateCustomer(pctx, userID, profile.Email)
	cancel()
	if err != nil {
		return "", err
	}

	saga := NewSaga("create_processor_customer", s.logger)
	saga.OnFailure("delete_processor_customer", func(ctx context.Context) error {
		return s.processor.DeleteCustomer(ctx, customerID)
	})

	sctx, cancel = withTimeout(ctx, s.cfg.Timeouts.Store)
	stored, err := s.store.SetStripeCustomerID(sctx, userID, customerID)
	cancel()
	if err != nil {
		cause := apperror.Internal("failed to store processor customer", err)
		if cerr := saga.Compensate(ctx); cerr != nil {
			return "", &apperror.OrphanedResource{Resource: "processor customer", ExternalID: customerID, Err: errors.Join(cause, cerr)}
		}
		return "", cause
	}
	if stored {
		return customerID, nil
	}

	// Lost a race with a concurrent save; use the stored customer.
	if cerr := saga.Compensate(ctx); cerr != nil {
		s.logger.Error("Orphaned processor customer after losing race",
			zap.String("customer_id", customerID), zap.Error(cerr))
	}
	sctx, cancel = withTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()
	profile, err = s.store.GetProfile(sctx, userID)
	if err != nil {
		return "", apperror.Internal("failed to load user", err)
	}
	if profile.StripeCustomerID == nil {
		return "", apperror.Conflict("processor customer changed concurrently, please retry")
	}
	return *profile.StripeCustomerID, nil
}

// HandleWebhook applies a verified processor event. Events for unknown orders
// and duplicate payments are acknowledged so the processor stops redelivering
// them. Any other refusal is returned so the event is delivered again.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	event, err := s.processor.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}
	if event.Intent == nil {
		return nil
	}

	sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
	processed, err := s.store.IsEventProcessed(sctx, event.ID)
	cancel()
	if err != nil {
		return apperror.Internal("failed to check webhook event", err)
	}
	if processed {
		s.logger.Info("Webhook event already processed", zap.String("event_id", event.ID))
		return nil
	}

	orderID := event.Intent.Metadata["order_id"]
	if orderID == "" {
		s.logger.Info("Webhook intent has no order reference",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", event.Intent.ID))
		return nil
	}

	switch event.Type {
	case payment.EventIntentSucceeded:
		_, err = s.ConfirmPayment(ctx, nil, event.Intent.ID, orderID)
	case payment.EventIntentFailed:
		err = s.recordFailure(ctx, orderID, event.Intent)
	}

	// Only outcomes a redelivery cannot change are acknowledged.
	var dup *apperror.DuplicatePayment
	switch {
	case err == nil:
	case errors.As(err, &dup):
	case apperror.KindOf(err) == apperror.KindNotFound:
		s.logger.Warn("Ignoring webhook event",
			zap.String("event_id", event.ID),
			zap.String("order_id", orderID),
			zap.Error(err))
	default:
		util.RecordError(span, err)
		return err
	}

	sctx, cancel = withTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()
	if err := s.store.MarkEventProcessed(sctx, event.ID, event.Type); err != nil {
		s.logger.Error("Failed to mark webhook event processed", zap.String("event_id", event.ID), zap.Error(err))
	}
	return nil
}

func (s *PaymentService) recordFailure(ctx context.Context, orderID string, intent *payment.Intent) error {
	sctx, cancel := withTimeout(ctx, s.cfg.Timeouts.Store)
	updated, err := s.store.MarkPaymentFailed(sctx, orderID, intent.ID)
	cancel()
	if err != nil {
		return apperror.Internal("failed to record payment failure", err)
	}
	if !updated {
		return nil
	}

	s.logger.Warn("Payment failed",
		zap.String("order_id", orderID),
		zap.String("payment_intent_id", intent.ID),
		zap.String("reason", intent.FailureMessage))

	event := &models.PaymentFailedEvent{
		BaseEvent:       newBaseEvent(models.EventTypePaymentFailed),
		OrderID:         orderID,
		PaymentIntentID: intent.ID,
		Reason:          intent.FailureMessage,
	}
	if err := s.publisher.PublishPaymentFailed(ctx, event); err != nil {
		util.BestEffortFailuresTotal.WithLabelValues("event").Inc()
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return nil
}
