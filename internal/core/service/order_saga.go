package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/core/ledger"
	"github.com/rl1809/order-saga/internal/core/payment"
	"github.com/rl1809/order-saga/internal/port"
)

const idempotencyKeyPrefix = "order:request:"

var tracer = otel.Tracer("github.com/rl1809/order-saga/internal/core/service")

type Dependencies struct {
	Tx        port.Transactor
	Orders    port.OrderRepository
	Stores    port.StoreLookup
	Products  port.ProductLookup
	Users     port.UserLookup
	Inventory *ledger.InventoryLedger
	Payments  []payment.Strategy
	Guard     port.IdempotencyGuard // optional
	Publisher port.EventPublisher
	Logger    *zap.Logger
}

// OrderSaga places orders: membership and ownership checks, order row,
// stock reservation, payment and status, with one transaction around
// everything except an asynchronous payment.
type OrderSaga struct {
	tx         port.Transactor
	orders     port.OrderRepository
	stores     port.StoreLookup
	products   port.ProductLookup
	users      port.UserLookup
	inventory  *ledger.InventoryLedger
	strategies map[domain.PaymentMode]payment.Strategy
	guard      port.IdempotencyGuard
	publisher  port.EventPublisher
	logger     *zap.Logger
}

func NewOrderSaga(deps Dependencies) *OrderSaga {
	strategies := make(map[domain.PaymentMode]payment.Strategy, len(deps.Payments))
	for _, s := range deps.Payments {
		strategies[s.Mode()] = s
	}
	return &OrderSaga{
		tx:         deps.Tx,
		orders:     deps.Orders,
		stores:     deps.Stores,
		products:   deps.Products,
		users:      deps.Users,
		inventory:  deps.Inventory,
		strategies: strategies,
		guard:      deps.Guard,
		publisher:  deps.Publisher,
		logger:     deps.Logger,
	}
}

// PlaceOrder returns the id of the new order. When an asynchronous payment
// could not be dispatched the order id is returned together with the error,
// the order has then been compensated.
func (s *OrderSaga) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (orderID string, err error) {
	ctx, span := tracer.Start(ctx, "order.place", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("store.id", req.StoreID),
		attribute.String("payment.mode", string(req.Mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lines, err := normalizeRequest(req)
	if err != nil {
		return "", err
	}
	strategy, ok := s.strategies[req.Mode]
	if !ok {
		return "", domain.NewValidationError("mode", "payment mode %q is not configured", req.Mode)
	}

	if req.RequestID != "" && s.guard != nil {
		key := idempotencyKeyPrefix + req.RequestID
		reserved, gerr := s.guard.Reserve(ctx, key)
		if gerr != nil {
			return "", fmt.Errorf("idempotency check failed: %w", gerr)
		}
		if !reserved {
			return "", domain.ErrDuplicateRequest
		}
		defer func() {
			if err != nil && orderID == "" {
				if rerr := s.guard.Release(ctx, key); rerr != nil {
					s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(rerr))
				}
			}
		}()
	}

	if err := s.checkMembership(ctx, req.StoreID, req.UserID); err != nil {
		return "", err
	}
	if err := s.checkOwnership(ctx, req.StoreID, lines); err != nil {
		return "", err
	}

	now := time.Now()
	order := domain.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		StoreID:   req.StoreID,
		Status:    domain.OrderStatusInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	var items []domain.Item
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.orders.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		items = items[:0]
		for _, line := range lines {
			item, err := s.reserve(ctx, order.ID, line)
			if err != nil {
				return err
			}
			items = append(items, item)
		}

		paid, err := strategy.Settle(ctx, order, items)
		if err != nil {
			return err
		}

		next := domain.OrderStatusAwaitingPayment
		if paid {
			next = domain.OrderStatusFinished
		}
		return s.transition(ctx, &order, next)
	})
	if err != nil {
		s.logger.Info("order rejected",
			zap.String("order_id", order.ID),
			zap.String("user_id", req.UserID),
			zap.String("store_id", req.StoreID),
			zap.Error(err),
		)
		return "", err
	}

	if err := strategy.Dispatch(ctx, order, items); err != nil {
		return order.ID, err
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Int("items", len(items)),
	)

	if order.Status == domain.OrderStatusFinished {
		event := domain.NewOrderEvent(domain.EventOrderFinished, order, domain.TotalOf(items), "")
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error("failed to publish order event", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	return order.ID, nil
}

func (s *OrderSaga) FindOrder(ctx context.Context, orderID string) (*domain.OrderView, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.orders.ListItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return &domain.OrderView{
		Order: *order,
		Items: items,
		Total: domain.TotalOf(items),
	}, nil
}

func (s *OrderSaga) checkMembership(ctx context.Context, storeID, userID string) error {
	exists, err := s.stores.StoreExists(ctx, storeID)
	if err != nil {
		return fmt.Errorf("store lookup: %w", err)
	}
	if !exists {
		return domain.NewValidationError("store_id", "store %s does not exist", storeID)
	}

	if _, err := s.users.FindUser(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("user_id", "user %s does not exist", userID)
		}
		return fmt.Errorf("user lookup: %w", err)
	}

	member, err := s.stores.UserBelongsToStore(ctx, storeID, userID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !member {
		return domain.NewValidationError("user_id", "user %s is not a member of store %s", userID, storeID)
	}
	return nil
}

func (s *OrderSaga) checkOwnership(ctx context.Context, storeID string, lines []domain.ItemRequest) error {
	for _, line := range lines {
		owned, err := s.products.ProductBelongsToStore(ctx, line.ProductID, storeID)
		if err != nil {
			return fmt.Errorf("product lookup: %w", err)
		}
		if !owned {
			return domain.NewValidationError("items", "product %s does not belong to store %s", line.ProductID, storeID)
		}
	}
	return nil
}

// reserve discharges stock for one line and snapshots the product as it was
// right before the discharge.
func (s *OrderSaga) reserve(ctx context.Context, orderID string, line domain.ItemRequest) (domain.Item, error) {
	updated, err := s.inventory.Apply(ctx, line.ProductID, -line.Count)
	if err != nil {
		return domain.Item{}, fmt.Errorf("reserve product %s: %w", line.ProductID, err)
	}

	item := domain.Item{
		OrderID:          orderID,
		ProductID:        line.ProductID,
		Count:            line.Count,
		PresentInventory: updated.Inventory + line.Count,
		Price:            updated.Price,
		CreatedAt:        time.Now(),
	}
	if err := s.orders.CreateItem(ctx, item); err != nil {
		return domain.Item{}, fmt.Errorf("create item: %w", err)
	}
	return item, nil
}

func (s *OrderSaga) transition(ctx context.Context, order *domain.Order, to domain.OrderStatus) error {
	if !order.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", order.Status, to, domain.ErrInvalidTransition)
	}
	if err := s.orders.UpdateOrderStatus(ctx, order.ID, to); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	order.Status = to
	return nil
}

// normalizeRequest validates the request shape and merges repeated products
// into one line. Lines come back sorted by product id so concurrent orders
// take product row locks in the same order.
func normalizeRequest(req domain.PlaceOrderRequest) ([]domain.ItemRequest, error) {
	if req.UserID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	if req.StoreID == "" {
		return nil, domain.NewValidationError("store_id", "is required")
	}
	if !req.Mode.Valid() {
		return nil, domain.NewValidationError("mode", "unknown payment mode %q", req.Mode)
	}
	if len(req.Items) == 0 {
		return nil, domain.NewValidationError("items", "at least one item is required")
	}

	counts := make(map[string]int64, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" {
			return nil, domain.NewValidationError("items", "product id is required")
		}
		if it.Count <= 0 {
			return nil, domain.NewValidationError("items", "count for product %s must be positive", it.ProductID)
		}
		if it.Count > math.MaxInt64-counts[it.ProductID] {
			return nil, domain.NewValidationError("items", "total count for product %s is too large", it.ProductID)
		}
		counts[it.ProductID] += it.Count
	}

	lines := make([]domain.ItemRequest, 0, len(counts))
	for id, count := range counts {
		lines = append(lines, domain.ItemRequest{ProductID: id, Count: count})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}
