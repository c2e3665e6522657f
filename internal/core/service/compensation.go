package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/core/ledger"
	"github.com/rl1809/order-saga/internal/port"
)

// CompensationHandler reverses an order whose asynchronous payment failed
// after the order and its items were committed. It is best effort: when it
// fails the order stays as it was and the failure goes to the alert path.
type CompensationHandler struct {
	tx        port.Transactor
	orders    port.OrderRepository
	inventory *ledger.InventoryLedger
	publisher port.EventPublisher
	logger    *zap.Logger
}

func NewCompensationHandler(
	tx port.Transactor,
	orders port.OrderRepository,
	inventory *ledger.InventoryLedger,
	publisher port.EventPublisher,
	logger *zap.Logger,
) *CompensationHandler {
	return &CompensationHandler{
		tx:        tx,
		orders:    orders,
		inventory: inventory,
		publisher: publisher,
		logger:    logger,
	}
}

// Compensate marks the order FAILED and restocks every reserved item in a
// fresh transaction. Orders already in a terminal status are left alone.
func (h *CompensationHandler) Compensate(ctx context.Context, orderID string, cause error) error {
	ctx = trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	ctx, span := tracer.Start(ctx, "order.compensate", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	var (
		order   domain.Order
		items   []domain.Item
		skipped bool
	)
	err := h.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := h.orders.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if !current.CanTransition(domain.OrderStatusFailed) {
			skipped = true
			order = *current
			return nil
		}

		items, err = h.orders.ListItems(ctx, orderID)
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		for _, it := range items {
			if _, err := h.inventory.Apply(ctx, it.ProductID, it.Count); err != nil {
				return fmt.Errorf("restock product %s: %w", it.ProductID, err)
			}
		}

		if err := h.orders.UpdateOrderStatus(ctx, orderID, domain.OrderStatusFailed); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		order = *current
		order.Status = domain.OrderStatusFailed
		return nil
	})

	if err != nil {
		cerr := &domain.CompensationError{OrderID: orderID, Cause: cause, Err: err}
		span.RecordError(cerr)
		h.logger.Error("CRITICAL compensation failed, order left inconsistent",
			zap.String("order_id", orderID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		h.alert(ctx, orderID, cerr)
		return cerr
	}

	if skipped {
		h.logger.Info("compensation skipped",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
		)
		return nil
	}

	h.logger.Info("order compensated",
		zap.String("order_id", orderID),
		zap.Int("items", len(items)),
		zap.NamedError("cause", cause),
	)
	event := domain.NewOrderEvent(domain.EventOrderFailed, order, domain.TotalOf(items), errString(cause))
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Error("failed to publish order event", zap.String("order_id", orderID), zap.Error(err))
	}
	return nil
}

func (h *CompensationHandler) alert(ctx context.Context, orderID string, cerr *domain.CompensationError) {
	order := domain.Order{ID: orderID}
	if current, err := h.orders.GetOrder(ctx, orderID); err == nil {
		order = *current
	}
	event := domain.NewOrderEvent(domain.EventOrderCompensationFailed, order, decimal.Zero, cerr.Error())
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Error("failed to publish compensation alert", zap.String("order_id", orderID), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
