package payment

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

// errSuperseded means the order left AWAITING_PAYMENT before the worker got
// to it, e.g. the sweeper already compensated it.
var errSuperseded = errors.New("payment superseded")

type AsyncStrategy struct {
	tx          port.Transactor
	orders      port.OrderRepository
	balance     Debitor
	executor    port.Executor
	compensator Compensator
	publisher   port.EventPublisher
	logger      *zap.Logger
}

func NewAsyncStrategy(
	tx port.Transactor,
	orders port.OrderRepository,
	balance Debitor,
	executor port.Executor,
	compensator Compensator,
	publisher port.EventPublisher,
	logger *zap.Logger,
) *AsyncStrategy {
	return &AsyncStrategy{
		tx:          tx,
		orders:      orders,
		balance:     balance,
		executor:    executor,
		compensator: compensator,
		publisher:   publisher,
		logger:      logger,
	}
}

func (s *AsyncStrategy) Mode() domain.PaymentMode { return domain.PaymentModeAsync }

func (s *AsyncStrategy) Settle(context.Context, domain.Order, []domain.Item) (bool, error) {
	return false, nil
}

// Dispatch hands the payment to the executor and returns without waiting.
// If the executor refuses the task the committed order is compensated here.
func (s *AsyncStrategy) Dispatch(ctx context.Context, order domain.Order, items []domain.Item) error {
	bg := detach(ctx)
	err := s.executor.Submit(func() {
		s.pay(bg, order, items)
	})
	if err == nil {
		return nil
	}

	cause := fmt.Errorf("dispatch payment for order %s: %w", order.ID, err)
	s.logger.Error("payment dispatch rejected", zap.String("order_id", order.ID), zap.Error(err))
	if cerr := s.compensator.Compensate(bg, order.ID, cause); cerr != nil {
		return errors.Join(cause, cerr)
	}
	return cause
}

func (s *AsyncStrategy) pay(ctx context.Context, order domain.Order, items []domain.Item) {
	ctx, span := tracer.Start(ctx, "payment.async", trace.WithAttributes(
		attribute.String("order.id", order.ID),
	))
	defer span.End()

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.orders.LockOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if current.Status != domain.OrderStatusAwaitingPayment {
			return errSuperseded
		}

		if err := charge(ctx, s.balance, order, items); err != nil {
			return err
		}

		if !current.CanTransition(domain.OrderStatusFinished) {
			return domain.ErrInvalidTransition
		}
		return s.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusFinished)
	})

	switch {
	case errors.Is(err, errSuperseded):
		s.logger.Info("payment skipped, order no longer awaiting payment", zap.String("order_id", order.ID))
		return
	case err != nil:
		span.RecordError(err)
		s.logger.Warn("async payment failed, compensating", zap.String("order_id", order.ID), zap.Error(err))
		// Failures are logged and alerted by the compensator itself.
		_ = s.compensator.Compensate(ctx, order.ID, err)
		return
	}

	order.Status = domain.OrderStatusFinished
	s.logger.Info("order paid", zap.String("order_id", order.ID))
	if err := s.publisher.Publish(ctx, domain.NewOrderEvent(domain.EventOrderFinished, order, domain.TotalOf(items), "")); err != nil {
		s.logger.Error("failed to publish order event", zap.String("order_id", order.ID), zap.Error(err))
	}
}
