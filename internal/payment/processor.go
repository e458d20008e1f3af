// Package payment adapts the external payment processor to the settlement services.
package payment

import (
	"context"
	"errors"
)

// ErrResourceMissing is returned when the processor has no object with the given id
var ErrResourceMissing = errors.New("processor resource missing")

// IntentStatusSucceeded is the processor status of a settled payment intent
const IntentStatusSucceeded = "succeeded"

// Webhook event types handled by the settlement service
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

// Account is a seller sub-account at the processor
type Account struct {
	ID               string
	TransfersActive  bool
	ChargesEnabled   bool
	DetailsSubmitted bool
}

type CreateAccountParams struct {
	SellerID     string
	Email        string
	BusinessName string
	Country      string
}

// IntentParams describes a payment intent. Destination and ApplicationFee are set
// together for a fee-split intent and left empty otherwise.
type IntentParams struct {
	AmountMinor    int64
	Currency       string
	Destination    string
	ApplicationFee int64
	Metadata       map[string]string
	IdempotencyKey string
}

type Intent struct {
	ID             string
	ClientSecret   string
	Status         string
	AmountMinor    int64
	Destination    string
	ApplicationFee int64
	Metadata       map[string]string
	FailureMessage string
}

// WebhookEvent is a verified processor event carrying a payment intent
type WebhookEvent struct {
	ID     string
	Type   string
	Intent *Intent
}

// Processor is the subset of the payment processor API the services use.
// Every call may block; callers bound them with a context deadline.
type Processor interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	DeleteAccount(ctx context.Context, accountID string) error
	CreateAccountLink(ctx context.Context, accountID string) (string, error)

	CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*Intent, error)

	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	DeleteCustomer(ctx context.Context, customerID string) error
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
