package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

//go:embed schema/mysql.sql
var mysqlSchema string

const mysqlDuplicateEntry = 1062

var _ port.DatabaseRepository = (*MySQLAdapter)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type mysqlTxKey struct{}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return m.db
}

// WithTx runs fn in a READ COMMITTED transaction so that a retried
// optimistic write re-reads the latest committed version instead of the
// transaction's first snapshot.
func (m *MySQLAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, mysqlTxKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Migrate creates the tables if they do not exist yet.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(mysqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) Close() error {
	return m.db.Close()
}

func translateMySQL(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.conn(ctx).QueryRowContext(ctx, `
		SELECT id, store_id, name, inventory, price, version, created_at, updated_at
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.StoreID, &p.Name, &p.Inventory, &p.Price, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translateMySQL(err, "query product "+productID)
	}
	return &p, nil
}

func (m *MySQLAdapter) CompareAndSwapInventory(ctx context.Context, productID string, inventory, expectedVersion int64) error {
	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE products
		SET inventory = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		inventory, productID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}

	return nil
}

func (m *MySQLAdapter) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO products (id, store_id, name, inventory, price, version)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.StoreID, p.Name, p.Inventory, p.Price, p.Version,
	)
	if err != nil {
		return translateMySQL(err, "insert product")
	}
	return nil
}

func (m *MySQLAdapter) scanUser(ctx context.Context, query, userID string) (*domain.User, error) {
	var u domain.User
	err := m.conn(ctx).QueryRowContext(ctx, query, userID).
		Scan(&u.ID, &u.Name, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, translateMySQL(err, "query user "+userID)
	}
	return &u, nil
}

func (m *MySQLAdapter) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return m.scanUser(ctx, `
		SELECT id, name, balance, created_at, updated_at
		FROM users WHERE id = ?`, userID)
}

func (m *MySQLAdapter) LockUser(ctx context.Context, userID string) (*domain.User, error) {
	return m.scanUser(ctx, `
		SELECT id, name, balance, created_at, updated_at
		FROM users WHERE id = ? FOR UPDATE`, userID)
}

func (m *MySQLAdapter) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE users SET balance = ?, updated_at = NOW(6) WHERE id = ?`,
		balance, userID,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) CreateUser(ctx context.Context, u domain.User) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO users (id, name, balance) VALUES (?, ?, ?)`,
		u.ID, u.Name, u.Balance,
	)
	if err != nil {
		return translateMySQL(err, "insert user")
	}
	return nil
}

func (m *MySQLAdapter) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var s domain.Store
	err := m.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, created_at FROM stores WHERE id = ?`, storeID,
	).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		return nil, translateMySQL(err, "query store "+storeID)
	}
	return &s, nil
}

func (m *MySQLAdapter) IsMember(ctx context.Context, storeID, userID string) (bool, error) {
	var n int
	err := m.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM store_members WHERE store_id = ? AND user_id = ?`,
		storeID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return n > 0, nil
}

func (m *MySQLAdapter) CreateStore(ctx context.Context, s domain.Store) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO stores (id, name) VALUES (?, ?)`, s.ID, s.Name)
	if err != nil {
		return translateMySQL(err, "insert store")
	}
	return nil
}

func (m *MySQLAdapter) AddMember(ctx context.Context, storeID, userID string) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT IGNORE INTO store_members (store_id, user_id) VALUES (?, ?)`, storeID, userID)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, o domain.Order) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO orders (id, user_id, store_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.StoreID, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return translateMySQL(err, "insert order")
	}
	return nil
}

const mysqlOrderColumns = `id, user_id, store_id, status, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	if err := row.Scan(&o.ID, &o.UserID, &o.StoreID, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := scanOrder(m.conn(ctx).QueryRowContext(ctx,
		`SELECT `+mysqlOrderColumns+` FROM orders WHERE id = ?`, orderID))
	if err != nil {
		return nil, translateMySQL(err, "query order "+orderID)
	}
	return o, nil
}

func (m *MySQLAdapter) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := scanOrder(m.conn(ctx).QueryRowContext(ctx,
		`SELECT `+mysqlOrderColumns+` FROM orders WHERE id = ? FOR UPDATE`, orderID))
	if err != nil {
		return nil, translateMySQL(err, "lock order "+orderID)
	}
	return o, nil
}

func (m *MySQLAdapter) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	rows, err := m.conn(ctx).QueryContext(ctx, `
		SELECT `+mysqlOrderColumns+` FROM orders
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`, status, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) CreateItem(ctx context.Context, it domain.Item) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO order_items (order_id, product_id, count, present_inventory, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.OrderID, it.ProductID, it.Count, it.PresentInventory, it.Price, it.CreatedAt,
	)
	if err != nil {
		return translateMySQL(err, "insert item")
	}
	return nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context, orderID string) ([]domain.Item, error) {
	rows, err := m.conn(ctx).QueryContext(ctx, `
		SELECT order_id, product_id, count, present_inventory, price, created_at
		FROM order_items WHERE order_id = ?
		ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.Count, &it.PresentInventory, &it.Price, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
