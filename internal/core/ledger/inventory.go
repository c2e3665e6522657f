// Package ledger holds the only code paths allowed to change product
// inventory and user balance.
//
// Inventory is versioned and written with compare-and-swap, conflicting
// writers retry. Balance is written under an exclusive row lock, so
// same-user writers queue and different users never block each other.
package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/core/retry"
	"github.com/rl1809/order-saga/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/order-saga/internal/core/ledger")

type InventoryLedger struct {
	products port.ProductRepository
	mutator  *retry.Mutator
}

func NewInventoryLedger(products port.ProductRepository, mutator *retry.Mutator) *InventoryLedger {
	return &InventoryLedger{products: products, mutator: mutator}
}

// Apply adds delta to the product's stock, retrying lost version races.
// A positive delta restocks, a negative one discharges.
func (l *InventoryLedger) Apply(ctx context.Context, productID string, delta int64) (*domain.Product, error) {
	ctx, span := tracer.Start(ctx, "inventory.apply", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int64("inventory.delta", delta),
	))
	defer span.End()

	var updated *domain.Product
	err := l.mutator.Do(ctx, "inventory.apply", func(ctx context.Context) error {
		p, err := l.TryApply(ctx, productID, delta)
		if err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// TryApply makes a single attempt and returns ErrVersionConflict when a
// concurrent writer bumped the version first.
func (l *InventoryLedger) TryApply(ctx context.Context, productID string, delta int64) (*domain.Product, error) {
	p, err := l.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}

	next := p.Inventory + delta
	if next < 0 {
		return nil, fmt.Errorf("product %s has %d, requested %d: %w", productID, p.Inventory, -delta, domain.ErrInsufficientStock)
	}

	if err := l.products.CompareAndSwapInventory(ctx, productID, next, p.Version); err != nil {
		return nil, err
	}

	updated := *p
	updated.Inventory = next
	updated.Version = p.Version + 1
	return &updated, nil
}
