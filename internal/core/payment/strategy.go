// Package payment charges an order's total to the buyer's balance, either
// inside the order transaction or later on a worker goroutine.
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/order-saga/internal/core/domain"
)

var tracer = otel.Tracer("github.com/rl1809/order-saga/internal/core/payment")

type Strategy interface {
	Mode() domain.PaymentMode

	// Settle runs inside the order transaction and reports whether the
	// order has been paid.
	Settle(ctx context.Context, order domain.Order, items []domain.Item) (bool, error)

	// Dispatch runs once the order transaction has committed.
	Dispatch(ctx context.Context, order domain.Order, items []domain.Item) error
}

// Debitor is satisfied by ledger.BalanceLedger.
type Debitor interface {
	Apply(ctx context.Context, userID string, delta decimal.Decimal) (*domain.User, error)
}

// Compensator reverses an order whose payment failed after commit.
type Compensator interface {
	Compensate(ctx context.Context, orderID string, cause error) error
}

type SyncStrategy struct {
	balance Debitor
}

func NewSyncStrategy(balance Debitor) *SyncStrategy {
	return &SyncStrategy{balance: balance}
}

func (s *SyncStrategy) Mode() domain.PaymentMode { return domain.PaymentModeSync }

func (s *SyncStrategy) Settle(ctx context.Context, order domain.Order, items []domain.Item) (bool, error) {
	if err := charge(ctx, s.balance, order, items); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SyncStrategy) Dispatch(context.Context, domain.Order, []domain.Item) error {
	return nil
}

func charge(ctx context.Context, balance Debitor, order domain.Order, items []domain.Item) error {
	total := domain.TotalOf(items)
	if _, err := balance.Apply(ctx, order.UserID, total.Neg()); err != nil {
		return fmt.Errorf("charge order %s: %w", order.ID, err)
	}
	return nil
}

// detach drops every value of ctx, including an open transaction, and keeps
// only the span so work started later still joins the trace.
func detach(ctx context.Context) context.Context {
	return trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
}
