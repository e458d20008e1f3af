package service

import (
	"context"
	"errors"
	"strings"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ConnectService provisions seller sub-accounts at the payment processor
type ConnectService struct {
	store          ConnectStore
	processor      payment.Processor
	publisher      EventPublisher
	defaultCountry string
	timeouts       Timeouts
	logger         *zap.Logger
}

func NewConnectService(store ConnectStore, processor payment.Processor, publisher EventPublisher, defaultCountry string, timeouts Timeouts) *ConnectService {
	return &ConnectService{
		store:          store,
		processor:      processor,
		publisher:      publisher,
		defaultCountry: defaultCountry,
		timeouts:       timeouts,
		logger:         util.GetLogger(),
	}
}

// EnsureSellerAccountRequest identifies the seller to provision
type EnsureSellerAccountRequest struct {
	SellerID     string `json:"userId" form:"userId" binding:"required"`
	Email        string `json:"email" form:"email" binding:"required,email"`
	BusinessName string `json:"businessName,omitempty" form:"businessName"`
	Country      string `json:"country,omitempty" form:"country"`
}

// SellerAccount is the provisioned account and a freshly generated onboarding link
type SellerAccount struct {
	AccountID     string `json:"accountId"`
	OnboardingURL string `json:"accountLink"`
	Created       bool   `json:"created"`
}

// EnsureSellerAccount returns the seller's processor account, creating it on
// first use. Repeated calls never create a second account; the onboarding link
// is regenerated on every call.
func (s *ConnectService) EnsureSellerAccount(ctx context.Context, req EnsureSellerAccountRequest) (*SellerAccount, error) {
	ctx, span := util.StartSpan(ctx, "ConnectService.EnsureSellerAccount",
		attribute.String("seller.id", req.SellerID))
	defer span.End()

	if req.SellerID == "" || req.Email == "" {
		return nil, apperror.Validation("userId and email are required")
	}

	profile, err := s.getProfile(ctx, req.SellerID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if profile.StripeAccountID != nil {
		acct, err := s.existingAccount(ctx, req.SellerID, *profile.StripeAccountID)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if acct != nil {
			return s.withLink(ctx, acct.ID, false)
		}
	}

	accountID, err := s.provision(ctx, req, profile)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return s.withLink(ctx, accountID, true)
}

func (s *ConnectService) getProfile(ctx context.Context, sellerID string) (*models.Profile, error) {
	sctx, cancel := withTimeout(ctx, s.timeouts.Store)
	defer cancel()

	profile, err := s.store.GetProfile(sctx, sellerID)
	if isNotFound(err) {
		return nil, apperror.NotFound("seller not found")
	}
	if err != nil {
		return nil, apperror.Internal("failed to load seller", err)
	}
	return profile, nil
}

// existingAccount fetches the stored account. A reference the processor no
// longer knows is cleared and (nil, nil) is returned so a new one is provisioned.
func (s *ConnectService) existingAccount(ctx context.Context, sellerID, accountID string) (*payment.Account, error) {
	pctx, cancel := withTimeout(ctx, s.timeouts.Processor)
	acct, err := s.processor.GetAccount(pctx, accountID)
	cancel()
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, payment.ErrResourceMissing) {
		return nil, err
	}

	s.logger.Warn("Stored processor account no longer exists, re-provisioning",
		zap.String("seller_id", sellerID),
		zap.String("account_id", accountID))

	sctx, cancel := withTimeout(ctx, s.timeouts.Store)
	defer cancel()
	if err := s.store.ClearStripeAccountID(sctx, sellerID, accountID); err != nil {
		return nil, apperror.Internal("failed to clear stale seller account", err)
	}
	return nil, nil
}

func (s *ConnectService) provision(ctx context.Context, req EnsureSellerAccountRequest, profile *models.Profile) (string, error) {
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country == "" {
		country = s.defaultCountry
	}
	businessName := req.BusinessName
	if businessName == "" && profile.BusinessName != nil {
		businessName = *profile.BusinessName
	}

	pctx, cancel := withTimeout(ctx, s.timeouts.Processor)
	acct, err := s.processor.CreateAccount(pctx, payment.CreateAccountParams{
		SellerID:     req.SellerID,
		Email:        req.Email,
		BusinessName: businessName,
		Country:      country,
	})
	cancel()
	if err != nil {
		return "", err
	}
	util.ConnectAccountsCreatedTotal.Inc()

	saga := NewSaga("provision_seller_account", s.logger)
	saga.OnFailure("delete_processor_account", func(ctx context.Context) error {
		return s.processor.DeleteAccount(ctx, acct.ID)
	})

	sctx, cancel := withTimeout(ctx, s.timeouts.Store)
	stored, err := s.store.SetStripeAccountID(sctx, req.SellerID, acct.ID)
	cancel()
	if err != nil {
		return "", s.abort(ctx, saga, acct.ID, apperror.Internal("failed to store seller account", err))
	}

	if !stored {
		// A concurrent request stored its account first; keep theirs.
		if cerr := saga.Compensate(ctx); cerr != nil {
			s.logger.Error("Orphaned processor account after losing provisioning race",
				zap.String("seller_id", req.SellerID),
				zap.String("account_id", acct.ID),
				zap.Error(cerr))
		}
		winner, err := s.getProfile(ctx, req.SellerID)
		if err != nil {
			return "", err
		}
		if winner.StripeAccountID == nil {
			return "", apperror.Conflict("seller account changed concurrently, please retry")
		}
		return *winner.StripeAccountID, nil
	}

	s.logger.Info("Seller account provisioned",
		zap.String("seller_id", req.SellerID),
		zap.String("account_id", acct.ID))

	event := &models.SellerAccountProvisionedEvent{
		BaseEvent: newBaseEvent(models.EventTypeSellerAccountProvisioned),
		SellerID:  req.SellerID,
		AccountID: acct.ID,
	}
	if err := s.publisher.PublishSellerAccountProvisioned(ctx, event); err != nil {
		util.BestEffortFailuresTotal.WithLabelValues("event").Inc()
		s.logger.Error("Failed to publish SellerAccountProvisioned event", zap.Error(err))
	}

	return acct.ID, nil
}

// abort compensates a failed provisioning. If the processor account cannot be
// deleted the orphan is reported with its id.
func (s *ConnectService) abort(ctx context.Context, saga *Saga, accountID string, cause error) error {
	if err := saga.Compensate(ctx); err != nil {
		s.logger.Error("Orphaned processor account",
			zap.String("account_id", accountID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return &apperror.OrphanedResource{
			Resource:   "processor account",
			ExternalID: accountID,
			Err:        errors.Join(cause, err),
		}
	}
	return cause
}

func (s *ConnectService) withLink(ctx context.Context, accountID string, created bool) (*SellerAccount, error) {
	pctx, cancel := withTimeout(ctx, s.timeouts.Processor)
	defer cancel()

	url, err := s.processor.CreateAccountLink(pctx, accountID)
	if err != nil {
		return nil, err
	}
	return &SellerAccount{AccountID: accountID, OnboardingURL: url, Created: created}, nil
}
