package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Ledger update strategies
const (
	// LedgerStrategyAtomic increments in a single INSERT ... ON CONFLICT statement
	LedgerStrategyAtomic = "atomic"
	// LedgerStrategyLock serialises read-modify-write with a per-pair advisory lock
	LedgerStrategyLock = "lock"
	// LedgerStrategyReadModifyWrite reads then writes with no protection.
	// Concurrent upserts for one pair may lose increments.
	LedgerStrategyReadModifyWrite = "read_modify_write"
)

const lockRetryInterval = 20 * time.Millisecond

// LedgerService accumulates seller/customer relationship statistics
type LedgerService struct {
	store        LedgerStore
	locker       Locker
	strategy     string
	lockTTL      time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewLedgerService creates a ledger accumulator. locker is only required for LedgerStrategyLock.
func NewLedgerService(store LedgerStore, locker Locker, strategy string, lockTTL, storeTimeout time.Duration) (*LedgerService, error) {
	switch strategy {
	case LedgerStrategyAtomic, LedgerStrategyReadModifyWrite:
	case LedgerStrategyLock:
		if locker == nil {
			return nil, fmt.Errorf("ledger strategy %q requires a locker", strategy)
		}
	default:
		return nil, fmt.Errorf("unknown ledger strategy %q", strategy)
	}

	return &LedgerService{
		store:        store,
		locker:       locker,
		strategy:     strategy,
		lockTTL:      lockTTL,
		storeTimeout: storeTimeout,
		now:          time.Now,
		logger:       util.GetLogger(),
	}, nil
}

// Strategy reports how concurrent upserts are handled
func (s *LedgerService) Strategy() string {
	return s.strategy
}

// Upsert records one order of amount between seller and customer
func (s *LedgerService) Upsert(ctx context.Context, sellerID, customerID string, amount decimal.Decimal) (*models.SellerCustomer, error) {
	ctx, span := util.StartSpan(ctx, "LedgerService.Upsert",
		attribute.String("ledger.strategy", s.strategy))
	defer span.End()

	if sellerID == "" || customerID == "" {
		return nil, apperror.Validation("seller and customer are required")
	}
	if amount.IsNegative() {
		return nil, apperror.Validation("order amount must not be negative")
	}

	var (
		row *models.SellerCustomer
		err error
	)
	switch s.strategy {
	case LedgerStrategyAtomic:
		sctx, cancel := withTimeout(ctx, s.storeTimeout)
		row, err = s.store.IncrementSellerCustomer(sctx, sellerID, customerID, amount, s.now().UTC())
		cancel()
	case LedgerStrategyLock:
		row, err = s.upsertLocked(ctx, sellerID, customerID, amount)
	default:
		row, err = s.readModifyWrite(ctx, sellerID, customerID, amount)
	}

	if err != nil {
		util.LedgerUpsertsTotal.WithLabelValues(s.strategy, "error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("ledger upsert %s/%s: %w", sellerID, customerID, err)
	}

	util.LedgerUpsertsTotal.WithLabelValues(s.strategy, "ok").Inc()
	s.logger.Debug("Ledger updated",
		zap.String("seller_id", sellerID),
		zap.String("customer_id", customerID),
		zap.Int64("total_orders", row.TotalOrders))
	return row, nil
}

func (s *LedgerService) upsertLocked(ctx context.Context, sellerID, customerID string, amount decimal.Decimal) (*models.SellerCustomer, error) {
	key := fmt.Sprintf("ledger:%s:%s", sellerID, customerID)

	token, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		rctx, cancel := withTimeout(context.WithoutCancel(ctx), s.storeTimeout)
		defer cancel()
		if err := s.locker.ReleaseLock(rctx, key, token); err != nil {
			s.logger.Warn("Failed to release ledger lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return s.readModifyWrite(ctx, sellerID, customerID, amount)
}

// acquire polls for the lock until it is granted or the lock TTL elapses
func (s *LedgerService) acquire(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(s.lockTTL)
	for {
		token, ok, err := s.locker.AcquireLock(ctx, key, s.lockTTL)
		if err != nil {
			return "", fmt.Errorf("acquire ledger lock: %w", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("ledger lock %s busy", key)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *LedgerService) readModifyWrite(ctx context.Context, sellerID, customerID string, amount decimal.Decimal) (*models.SellerCustomer, error) {
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now().UTC()
	row, err := s.store.GetSellerCustomer(ctx, sellerID, customerID)
	if err != nil {
		return nil, err
	}

	if row == nil {
		row = &models.SellerCustomer{
			SellerID:         sellerID,
			CustomerID:       customerID,
			TotalOrders:      1,
			TotalSpent:       amount,
			LastPurchaseDate: now,
			Status:           models.LedgerStatusActive,
		}
		return row, s.store.InsertSellerCustomer(ctx, row)
	}

	row.TotalOrders++
	row.TotalSpent = row.TotalSpent.Add(amount)
	row.LastPurchaseDate = now
	row.Status = models.LedgerStatusActive
	return row, s.store.UpdateSellerCustomer(ctx, row)
}
