package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

var _ port.DatabaseRepository = (*MemoryAdapter)(nil)

var ErrAlreadyExists = errors.New("storage: already exists")

type memberKey struct {
	storeID string
	userID  string
}

type itemKey struct {
	orderID   string
	productID string
}

// MemoryAdapter keeps every table in process memory. Transactions buffer
// their writes and publish them on commit. Writes and locking reads take a
// row lock that is held until the transaction ends, which gives the same
// conflict behaviour as InnoDB or Postgres under READ COMMITTED.
type MemoryAdapter struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	users    map[string]domain.User
	stores   map[string]domain.Store
	members  map[memberKey]struct{}
	orders   map[string]domain.Order
	items    map[itemKey]domain.Item

	locks *lockTable
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products: make(map[string]domain.Product),
		users:    make(map[string]domain.User),
		stores:   make(map[string]domain.Store),
		members:  make(map[memberKey]struct{}),
		orders:   make(map[string]domain.Order),
		items:    make(map[itemKey]domain.Item),
		locks:    newLockTable(),
	}
}

type memTx struct {
	owner    *MemoryAdapter
	products map[string]domain.Product
	users    map[string]domain.User
	stores   map[string]domain.Store
	members  map[memberKey]struct{}
	orders   map[string]domain.Order
	items    map[itemKey]domain.Item
	held     []string
}

type memTxKey struct{}

func (m *MemoryAdapter) begin() *memTx {
	return &memTx{
		owner:    m,
		products: make(map[string]domain.Product),
		users:    make(map[string]domain.User),
		stores:   make(map[string]domain.Store),
		members:  make(map[memberKey]struct{}),
		orders:   make(map[string]domain.Order),
		items:    make(map[itemKey]domain.Item),
	}
}

func (m *MemoryAdapter) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.owner != m {
		return nil
	}
	return tx
}

func (m *MemoryAdapter) commit(tx *memTx) {
	m.mu.Lock()
	for id, p := range tx.products {
		m.products[id] = p
	}
	for id, u := range tx.users {
		m.users[id] = u
	}
	for id, s := range tx.stores {
		m.stores[id] = s
	}
	for k := range tx.members {
		m.members[k] = struct{}{}
	}
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for k, it := range tx.items {
		m.items[k] = it
	}
	m.mu.Unlock()

	m.locks.releaseAll(tx)
}

func (m *MemoryAdapter) rollback(tx *memTx) {
	m.locks.releaseAll(tx)
}

func (m *MemoryAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := m.begin()
	committed := false
	defer func() {
		if !committed {
			m.rollback(tx)
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	m.commit(tx)
	committed = true
	return nil
}

// run executes fn inside the context's transaction, or in a transaction of
// its own that commits when fn succeeds.
func (m *MemoryAdapter) run(ctx context.Context, fn func(tx *memTx) error) error {
	if tx := m.txFrom(ctx); tx != nil {
		return fn(tx)
	}
	return m.WithTx(ctx, func(ctx context.Context) error {
		return fn(m.txFrom(ctx))
	})
}

func (m *MemoryAdapter) lock(ctx context.Context, tx *memTx, table, id string) error {
	return m.locks.acquire(ctx, tx, table+":"+id)
}

func (m *MemoryAdapter) Ping(ctx context.Context) error { return nil }

func (m *MemoryAdapter) Close() error { return nil }

// Products

func (m *MemoryAdapter) readProduct(tx *memTx, productID string) (domain.Product, bool) {
	if p, ok := tx.products[productID]; ok {
		return p, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[productID]
	return p, ok
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var out *domain.Product
	err := m.run(ctx, func(tx *memTx) error {
		p, ok := m.readProduct(tx, productID)
		if !ok {
			return fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
		}
		out = &p
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) CompareAndSwapInventory(ctx context.Context, productID string, inventory, expectedVersion int64) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "product", productID); err != nil {
			return err
		}
		p, ok := m.readProduct(tx, productID)
		if !ok {
			return fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
		}
		if p.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		p.Inventory = inventory
		p.Version++
		p.UpdatedAt = time.Now()
		tx.products[productID] = p
		return nil
	})
}

func (m *MemoryAdapter) CreateProduct(ctx context.Context, product domain.Product) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "product", product.ID); err != nil {
			return err
		}
		if _, ok := m.readProduct(tx, product.ID); ok {
			return fmt.Errorf("product %s: %w", product.ID, ErrAlreadyExists)
		}
		now := time.Now()
		product.CreatedAt, product.UpdatedAt = now, now
		tx.products[product.ID] = product
		return nil
	})
}

// Users

func (m *MemoryAdapter) readUser(tx *memTx, userID string) (domain.User, bool) {
	if u, ok := tx.users[userID]; ok {
		return u, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	return u, ok
}

func (m *MemoryAdapter) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := m.run(ctx, func(tx *memTx) error {
		u, ok := m.readUser(tx, userID)
		if !ok {
			return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		out = &u
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) LockUser(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "user", userID); err != nil {
			return err
		}
		u, ok := m.readUser(tx, userID)
		if !ok {
			return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		out = &u
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "user", userID); err != nil {
			return err
		}
		u, ok := m.readUser(tx, userID)
		if !ok {
			return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		u.Balance = balance
		u.UpdatedAt = time.Now()
		tx.users[userID] = u
		return nil
	})
}

func (m *MemoryAdapter) CreateUser(ctx context.Context, user domain.User) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "user", user.ID); err != nil {
			return err
		}
		if _, ok := m.readUser(tx, user.ID); ok {
			return fmt.Errorf("user %s: %w", user.ID, ErrAlreadyExists)
		}
		now := time.Now()
		user.CreatedAt, user.UpdatedAt = now, now
		tx.users[user.ID] = user
		return nil
	})
}

// Stores

func (m *MemoryAdapter) readStore(tx *memTx, storeID string) (domain.Store, bool) {
	if s, ok := tx.stores[storeID]; ok {
		return s, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[storeID]
	return s, ok
}

func (m *MemoryAdapter) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var out *domain.Store
	err := m.run(ctx, func(tx *memTx) error {
		s, ok := m.readStore(tx, storeID)
		if !ok {
			return fmt.Errorf("store %s: %w", storeID, domain.ErrNotFound)
		}
		out = &s
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) IsMember(ctx context.Context, storeID, userID string) (bool, error) {
	key := memberKey{storeID: storeID, userID: userID}
	var ok bool
	err := m.run(ctx, func(tx *memTx) error {
		if _, ok = tx.members[key]; ok {
			return nil
		}
		m.mu.RLock()
		_, ok = m.members[key]
		m.mu.RUnlock()
		return nil
	})
	return ok, err
}

func (m *MemoryAdapter) CreateStore(ctx context.Context, store domain.Store) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "store", store.ID); err != nil {
			return err
		}
		if _, ok := m.readStore(tx, store.ID); ok {
			return fmt.Errorf("store %s: %w", store.ID, ErrAlreadyExists)
		}
		store.CreatedAt = time.Now()
		tx.stores[store.ID] = store
		return nil
	})
}

func (m *MemoryAdapter) AddMember(ctx context.Context, storeID, userID string) error {
	return m.run(ctx, func(tx *memTx) error {
		tx.members[memberKey{storeID: storeID, userID: userID}] = struct{}{}
		return nil
	})
}

// Orders

func (m *MemoryAdapter) readOrder(tx *memTx, orderID string) (domain.Order, bool) {
	if o, ok := tx.orders[orderID]; ok {
		return o, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	return o, ok
}

func (m *MemoryAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "order", order.ID); err != nil {
			return err
		}
		if _, ok := m.readOrder(tx, order.ID); ok {
			return fmt.Errorf("order %s: %w", order.ID, ErrAlreadyExists)
		}
		tx.orders[order.ID] = order
		return nil
	})
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var out *domain.Order
	err := m.run(ctx, func(tx *memTx) error {
		o, ok := m.readOrder(tx, orderID)
		if !ok {
			return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
		}
		out = &o
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var out *domain.Order
	err := m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "order", orderID); err != nil {
			return err
		}
		o, ok := m.readOrder(tx, orderID)
		if !ok {
			return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
		}
		out = &o
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "order", orderID); err != nil {
			return err
		}
		o, ok := m.readOrder(tx, orderID)
		if !ok {
			return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
		}
		o.Status = status
		o.UpdatedAt = time.Now()
		tx.orders[orderID] = o
		return nil
	})
}

func (m *MemoryAdapter) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := m.run(ctx, func(tx *memTx) error {
		merged := make(map[string]domain.Order)
		m.mu.RLock()
		for id, o := range m.orders {
			merged[id] = o
		}
		m.mu.RUnlock()
		for id, o := range tx.orders {
			merged[id] = o
		}

		for _, o := range merged {
			if o.Status == status && o.UpdatedAt.Before(updatedBefore) {
				out = append(out, o)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item domain.Item) error {
	key := itemKey{orderID: item.OrderID, productID: item.ProductID}
	return m.run(ctx, func(tx *memTx) error {
		if err := m.lock(ctx, tx, "item", item.OrderID+"/"+item.ProductID); err != nil {
			return err
		}
		if _, ok := tx.items[key]; ok {
			return fmt.Errorf("item %s/%s: %w", item.OrderID, item.ProductID, ErrAlreadyExists)
		}
		m.mu.RLock()
		_, exists := m.items[key]
		m.mu.RUnlock()
		if exists {
			return fmt.Errorf("item %s/%s: %w", item.OrderID, item.ProductID, ErrAlreadyExists)
		}
		tx.items[key] = item
		return nil
	})
}

func (m *MemoryAdapter) ListItems(ctx context.Context, orderID string) ([]domain.Item, error) {
	var out []domain.Item
	err := m.run(ctx, func(tx *memTx) error {
		m.mu.RLock()
		for k, it := range m.items {
			if k.orderID == orderID {
				out = append(out, it)
			}
		}
		m.mu.RUnlock()
		for k, it := range tx.items {
			if k.orderID == orderID {
				out = append(out, it)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
		return nil
	})
	return out, err
}

// lockTable hands out exclusive row locks owned by a transaction.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*rowLock
}

type rowLock struct {
	owner    *memTx
	released chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*rowLock)}
}

func (t *lockTable) acquire(ctx context.Context, tx *memTx, key string) error {
	for {
		t.mu.Lock()
		l, ok := t.locks[key]
		if !ok {
			t.locks[key] = &rowLock{owner: tx, released: make(chan struct{})}
			tx.held = append(tx.held, key)
			t.mu.Unlock()
			return nil
		}
		if l.owner == tx {
			t.mu.Unlock()
			return nil
		}
		wait := l.released
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *lockTable) releaseAll(tx *memTx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range tx.held {
		if l, ok := t.locks[key]; ok && l.owner == tx {
			delete(t.locks, key)
			close(l.released)
		}
	}
	tx.held = nil
}
