package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/util"

	"go.uber.org/zap"
)

const compensationTimeout = 10 * time.Second

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Saga records the compensating actions of a multi-step flow that spans the
// store and the payment processor. Compensations run in reverse order.
type Saga struct {
	name          string
	compensations []compensation
	logger        *zap.Logger
}

// NewSaga starts an empty saga
func NewSaga(name string, logger *zap.Logger) *Saga {
	return &Saga{name: name, logger: logger}
}

// OnFailure registers the action that undoes the step just completed
func (s *Saga) OnFailure(name string, fn func(ctx context.Context) error) {
	s.compensations = append(s.compensations, compensation{name: name, fn: fn})
}

// Compensate runs every registered compensation, newest first, and returns the
// joined errors of those that failed. It detaches from the caller's
// cancellation so an aborted request still cleans up.
func (s *Saga) Compensate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var errs []error
	for i := len(s.compensations) - 1; i >= 0; i-- {
		c := s.compensations[i]
		s.logger.Warn("Compensating saga step",
			zap.String("saga", s.name),
			zap.String("step", c.name))

		if err := c.fn(ctx); err != nil {
			util.SagaCompensationsTotal.WithLabelValues(c.name, "failed").Inc()
			s.logger.Error("Compensation failed",
				zap.String("saga", s.name),
				zap.String("step", c.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		util.SagaCompensationsTotal.WithLabelValues(c.name, "ok").Inc()
	}
	s.compensations = nil
	return errors.Join(errs...)
}
