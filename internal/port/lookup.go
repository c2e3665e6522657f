package port

import (
	"context"

	"github.com/rl1809/order-saga/internal/core/domain"
)

// The lookups below are owned by the registration services. The saga only
// reads through them.

type StoreLookup interface {
	StoreExists(ctx context.Context, storeID string) (bool, error)
	FindStore(ctx context.Context, storeID string) (*domain.Store, error)
	UserBelongsToStore(ctx context.Context, storeID, userID string) (bool, error)
}

type ProductLookup interface {
	FindProduct(ctx context.Context, productID string) (*domain.Product, error)
	ProductBelongsToStore(ctx context.Context, productID, storeID string) (bool, error)
}

type UserLookup interface {
	FindUser(ctx context.Context, userID string) (*domain.User, error)
}
