package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/util"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	RefreshURL    string
	ReturnURL     string
	HTTPTimeout   time.Duration
}

// StripeProcessor implements Processor on top of stripe-go
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	refreshURL    string
	returnURL     string
	logger        *zap.Logger
}

// NewStripeProcessor creates a processor with its own backend so that
// timeouts and logging do not depend on stripe-go globals
func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	logger := util.GetLogger()

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		LeveledLogger:     logger.Sugar(),
		MaxNetworkRetries: stripe.Int64(0),
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &StripeProcessor{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		refreshURL:    cfg.RefreshURL,
		returnURL:     cfg.ReturnURL,
		logger:        logger,
	}
}

func (p *StripeProcessor) CreateAccount(ctx context.Context, in CreateAccountParams) (*Account, error) {
	defer observe("create_account")()

	params := &stripe.AccountParams{
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		Country:      stripe.String(in.Country),
		Email:        stripe.String(in.Email),
		BusinessType: stripe.String(string(stripe.AccountBusinessTypeIndividual)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if in.BusinessName != "" {
		params.BusinessProfile = &stripe.AccountBusinessProfileParams{Name: stripe.String(in.BusinessName)}
	}
	params.AddMetadata("seller_id", in.SellerID)
	params.Context = ctx

	acct, err := p.api.Accounts.New(params)
	if err != nil {
		return nil, classify("create account", err)
	}
	return toAccount(acct), nil
}

func (p *StripeProcessor) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	defer observe("get_account")()

	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := p.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return nil, classify("get account", err)
	}
	return toAccount(acct), nil
}

func (p *StripeProcessor) DeleteAccount(ctx context.Context, accountID string) error {
	defer observe("delete_account")()

	params := &stripe.AccountParams{}
	params.Context = ctx

	if _, err := p.api.Accounts.Del(accountID, params); err != nil {
		return classify("delete account", err)
	}
	return nil
}

func (p *StripeProcessor) CreateAccountLink(ctx context.Context, accountID string) (string, error) {
	defer observe("create_account_link")()

	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(p.refreshURL),
		ReturnURL:  stripe.String(p.returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := p.api.AccountLinks.New(params)
	if err != nil {
		return "", classify("create account link", err)
	}
	return link.URL, nil
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, in IntentParams) (*Intent, error) {
	defer observe("create_payment_intent")()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.AmountMinor),
		Currency: stripe.String(in.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.Destination != "" {
		params.ApplicationFeeAmount = stripe.Int64(in.ApplicationFee)
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(in.Destination),
		}
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("create payment intent", err)
	}
	return toIntent(pi), nil
}

func (p *StripeProcessor) GetPaymentIntent(ctx context.Context, intentID string) (*Intent, error) {
	defer observe("get_payment_intent")()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, classify("get payment intent", err)
	}
	return toIntent(pi), nil
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	defer observe("create_customer")()

	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("user_id", userID)
	params.Context = ctx

	cus, err := p.api.Customers.New(params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return cus.ID, nil
}

func (p *StripeProcessor) DeleteCustomer(ctx context.Context, customerID string) error {
	defer observe("delete_customer")()

	params := &stripe.CustomerParams{}
	params.Context = ctx

	if _, err := p.api.Customers.Del(customerID, params); err != nil {
		return classify("delete customer", err)
	}
	return nil
}

func (p *StripeProcessor) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error {
	defer observe("attach_payment_method")()

	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	params.Context = ctx

	if _, err := p.api.PaymentMethods.Attach(paymentMethodID, params); err != nil {
		return classify("attach payment method", err)
	}
	return nil
}

func (p *StripeProcessor) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	defer observe("set_default_payment_method")()

	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx

	if _, err := p.api.Customers.Update(customerID, params); err != nil {
		return classify("set default payment method", err)
	}
	return nil
}

// ParseWebhook verifies the signature and decodes payment intent events.
// Events of other types are returned with a nil Intent.
func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("Webhook signature verification failed", zap.Error(err))
		return nil, apperror.Validation("invalid webhook signature")
	}

	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch out.Type {
	case EventIntentSucceeded, EventIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperror.Validation("malformed payment intent payload")
		}
		out.Intent = toIntent(&pi)
	}
	return out, nil
}

func toAccount(acct *stripe.Account) *Account {
	out := &Account{
		ID:               acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}
	if acct.Capabilities != nil {
		out.TransfersActive = acct.Capabilities.Transfers == stripe.AccountCapabilityStatusActive
	}
	return out
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	out := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		AmountMinor:  pi.Amount,
		Metadata:     pi.Metadata,
	}
	if pi.TransferData != nil && pi.TransferData.Destination != nil {
		out.Destination = pi.TransferData.Destination.ID
		out.ApplicationFee = pi.ApplicationFeeAmount
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}

// classify turns a stripe-go error into an ExternalService error, marking
// timeouts, rate limits and 5xx responses as retryable
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.External("payment processor timed out", true, fmt.Errorf("%s: %w", op, err))
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", op, ErrResourceMissing)
		}
		retryable := stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Type == stripe.ErrorTypeAPI
		return apperror.External("payment processor rejected the request", retryable, fmt.Errorf("%s: %w", op, err))
	}

	// Transport errors never reached the processor's response path.
	return apperror.External("payment processor unreachable", true, fmt.Errorf("%s: %w", op, err))
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		util.ProcessorCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
