package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

//go:embed schema/postgres.sql
var postgresSchema string

const pgUniqueViolation = "23505"

var _ port.DatabaseRepository = (*PostgresAdapter)(nil)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) conn(ctx context.Context) pgQuerier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.pool
}

func (p *PostgresAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresAdapter) Close() error {
	p.pool.Close()
	return nil
}

func translatePostgres(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Numeric columns travel as text so no precision is lost on either side.

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func (p *PostgresAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var (
		prod  domain.Product
		price string
	)
	err := p.conn(ctx).QueryRow(ctx, `
		SELECT id, store_id, name, inventory, price::text, version, created_at, updated_at
		FROM products WHERE id = $1`, productID,
	).Scan(&prod.ID, &prod.StoreID, &prod.Name, &prod.Inventory, &price, &prod.Version, &prod.CreatedAt, &prod.UpdatedAt)
	if err != nil {
		return nil, translatePostgres(err, "query product "+productID)
	}
	if prod.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	return &prod, nil
}

func (p *PostgresAdapter) CompareAndSwapInventory(ctx context.Context, productID string, inventory, expectedVersion int64) error {
	tag, err := p.conn(ctx).Exec(ctx, `
		UPDATE products
		SET inventory = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3`,
		inventory, productID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (p *PostgresAdapter) CreateProduct(ctx context.Context, prod domain.Product) error {
	_, err := p.conn(ctx).Exec(ctx, `
		INSERT INTO products (id, store_id, name, inventory, price, version)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
		prod.ID, prod.StoreID, prod.Name, prod.Inventory, prod.Price.String(), prod.Version,
	)
	if err != nil {
		return translatePostgres(err, "insert product")
	}
	return nil
}

func (p *PostgresAdapter) scanUser(ctx context.Context, query, userID string) (*domain.User, error) {
	var (
		u       domain.User
		balance string
	)
	err := p.conn(ctx).QueryRow(ctx, query, userID).
		Scan(&u.ID, &u.Name, &balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, translatePostgres(err, "query user "+userID)
	}
	if u.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresAdapter) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return p.scanUser(ctx, `
		SELECT id, name, balance::text, created_at, updated_at
		FROM users WHERE id = $1`, userID)
}

func (p *PostgresAdapter) LockUser(ctx context.Context, userID string) (*domain.User, error) {
	return p.scanUser(ctx, `
		SELECT id, name, balance::text, created_at, updated_at
		FROM users WHERE id = $1 FOR UPDATE`, userID)
}

func (p *PostgresAdapter) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := p.conn(ctx).Exec(ctx, `
		UPDATE users SET balance = $1::numeric, updated_at = now() WHERE id = $2`,
		balance.String(), userID,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (p *PostgresAdapter) CreateUser(ctx context.Context, u domain.User) error {
	_, err := p.conn(ctx).Exec(ctx, `
		INSERT INTO users (id, name, balance) VALUES ($1, $2, $3::numeric)`,
		u.ID, u.Name, u.Balance.String(),
	)
	if err != nil {
		return translatePostgres(err, "insert user")
	}
	return nil
}

func (p *PostgresAdapter) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var s domain.Store
	err := p.conn(ctx).QueryRow(ctx, `
		SELECT id, name, created_at FROM stores WHERE id = $1`, storeID,
	).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		return nil, translatePostgres(err, "query store "+storeID)
	}
	return &s, nil
}

func (p *PostgresAdapter) IsMember(ctx context.Context, storeID, userID string) (bool, error) {
	var ok bool
	err := p.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM store_members WHERE store_id = $1 AND user_id = $2)`,
		storeID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return ok, nil
}

func (p *PostgresAdapter) CreateStore(ctx context.Context, s domain.Store) error {
	_, err := p.conn(ctx).Exec(ctx, `INSERT INTO stores (id, name) VALUES ($1, $2)`, s.ID, s.Name)
	if err != nil {
		return translatePostgres(err, "insert store")
	}
	return nil
}

func (p *PostgresAdapter) AddMember(ctx context.Context, storeID, userID string) error {
	_, err := p.conn(ctx).Exec(ctx, `
		INSERT INTO store_members (store_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, storeID, userID)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) CreateOrder(ctx context.Context, o domain.Order) error {
	_, err := p.conn(ctx).Exec(ctx, `
		INSERT INTO orders (id, user_id, store_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.UserID, o.StoreID, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return translatePostgres(err, "insert order")
	}
	return nil
}

const pgOrderColumns = `id, user_id, store_id, status, created_at, updated_at`

func scanPgOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		status string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.StoreID, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func (p *PostgresAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := scanPgOrder(p.conn(ctx).QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return nil, translatePostgres(err, "query order "+orderID)
	}
	return o, nil
}

func (p *PostgresAdapter) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := scanPgOrder(p.conn(ctx).QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, translatePostgres(err, "lock order "+orderID)
	}
	return o, nil
}

func (p *PostgresAdapter) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	tag, err := p.conn(ctx).Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now() WHERE id = $2`, string(status), orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

func (p *PostgresAdapter) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT `+pgOrderColumns+` FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(status), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) CreateItem(ctx context.Context, it domain.Item) error {
	_, err := p.conn(ctx).Exec(ctx, `
		INSERT INTO order_items (order_id, product_id, count, present_inventory, price, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
		it.OrderID, it.ProductID, it.Count, it.PresentInventory, it.Price.String(), it.CreatedAt,
	)
	if err != nil {
		return translatePostgres(err, "insert item")
	}
	return nil
}

func (p *PostgresAdapter) ListItems(ctx context.Context, orderID string) ([]domain.Item, error) {
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT order_id, product_id, count, present_inventory, price::text, created_at
		FROM order_items WHERE order_id = $1
		ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		var (
			it    domain.Item
			price string
		)
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.Count, &it.PresentInventory, &price, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if it.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
