package storage

import (
	"context"
	"errors"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

var (
	_ port.StoreLookup   = (*Lookup)(nil)
	_ port.ProductLookup = (*Lookup)(nil)
	_ port.UserLookup    = (*Lookup)(nil)
)

type lookupRepository interface {
	port.StoreRepository
	port.ProductRepository
	port.UserRepository
}

// Lookup answers the registration-side queries from the same database the
// ledgers write to.
type Lookup struct {
	repo lookupRepository
}

func NewLookup(repo lookupRepository) *Lookup {
	return &Lookup{repo: repo}
}

func (l *Lookup) StoreExists(ctx context.Context, storeID string) (bool, error) {
	_, err := l.repo.GetStore(ctx, storeID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lookup) FindStore(ctx context.Context, storeID string) (*domain.Store, error) {
	return l.repo.GetStore(ctx, storeID)
}

func (l *Lookup) UserBelongsToStore(ctx context.Context, storeID, userID string) (bool, error) {
	return l.repo.IsMember(ctx, storeID, userID)
}

func (l *Lookup) FindProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return l.repo.GetProduct(ctx, productID)
}

func (l *Lookup) ProductBelongsToStore(ctx context.Context, productID, storeID string) (bool, error) {
	p, err := l.repo.GetProduct(ctx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.StoreID == storeID, nil
}

func (l *Lookup) FindUser(ctx context.Context, userID string) (*domain.User, error) {
	return l.repo.GetUser(ctx, userID)
}
