package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

type BalanceLedger struct {
	tx    port.Transactor
	users port.UserRepository
}

func NewBalanceLedger(tx port.Transactor, users port.UserRepository) *BalanceLedger {
	return &BalanceLedger{tx: tx, users: users}
}

// Apply adds delta to the user's balance while holding the user row lock.
// It joins the caller's transaction if there is one, in which case the lock
// is held until that transaction ends.
func (l *BalanceLedger) Apply(ctx context.Context, userID string, delta decimal.Decimal) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "balance.apply", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("balance.delta", delta.String()),
	))
	defer span.End()

	var updated *domain.User
	err := l.tx.WithTx(ctx, func(ctx context.Context) error {
		u, err := l.users.LockUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("lock user %s: %w", userID, err)
		}

		next := u.Balance.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("user %s has %s, requested %s: %w", userID, u.Balance, delta.Neg(), domain.ErrInsufficientBalance)
		}

		if err := l.users.UpdateUserBalance(ctx, userID, next); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		u.Balance = next
		updated = u
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}
