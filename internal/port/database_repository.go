package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-saga/internal/core/domain"
)

// Transactor runs fn inside one local transaction carried by the context
// passed to fn. A WithTx call on a context that already carries a
// transaction joins it; only the outermost call commits. Any error from fn
// rolls the transaction back.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ProductRepository interface {
	// GetProduct returns the product and its current version
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// CompareAndSwapInventory writes inventory and increments version only if
	// the stored version still equals expectedVersion, else ErrVersionConflict
	CompareAndSwapInventory(ctx context.Context, productID string, inventory, expectedVersion int64) error

	CreateProduct(ctx context.Context, product domain.Product) error
}

type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// LockUser reads the user holding an exclusive row lock until the
	// surrounding transaction ends
	LockUser(ctx context.Context, userID string) (*domain.User, error)

	UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	CreateUser(ctx context.Context, user domain.User) error
}

type StoreRepository interface {
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
	IsMember(ctx context.Context, storeID, userID string) (bool, error)
	CreateStore(ctx context.Context, store domain.Store) error
	AddMember(ctx context.Context, storeID, userID string) error
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// LockOrder reads the order holding an exclusive row lock until the
	// surrounding transaction ends
	LockOrder(ctx context.Context, orderID string) (*domain.Order, error)

	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error

	// ListOrdersByStatus returns orders in status last updated before the cutoff
	ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error)

	CreateItem(ctx context.Context, item domain.Item) error
	ListItems(ctx context.Context, orderID string) ([]domain.Item, error)
}

// DatabaseRepository is implemented by every relational storage adapter.
type DatabaseRepository interface {
	Transactor
	ProductRepository
	UserRepository
	StoreRepository
	OrderRepository

	Ping(ctx context.Context) error
	Close() error
}
