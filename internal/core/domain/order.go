package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusInitialized     OrderStatus = "INITIALIZED"
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusFinished        OrderStatus = "FINISHED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusInitialized: {
		OrderStatusAwaitingPayment,
		OrderStatusFinished,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
	OrderStatusAwaitingPayment: {
		OrderStatusFinished,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	_, ok := orderTransitions[s]
	return !ok
}

type PaymentMode string

const (
	PaymentModeSync  PaymentMode = "sync"
	PaymentModeAsync PaymentMode = "async"
)

func (m PaymentMode) Valid() bool {
	return m == PaymentModeSync || m == PaymentModeAsync
}

type Order struct {
	ID        string
	UserID    string
	StoreID   string
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanTransition reports whether the order may move to the given status.
func (o *Order) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[o.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is immutable once created. PresentInventory and Price are the
// product's values at reservation time, before the discharge.
type Item struct {
	OrderID          string
	ProductID        string
	Count            int64
	PresentInventory int64
	Price            decimal.Decimal
	CreatedAt        time.Time
}

// Subtotal is Count x Price.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(i.Count))
}

type ItemRequest struct {
	ProductID string
	Count     int64
}

type PlaceOrderRequest struct {
	RequestID string // optional idempotency key
	UserID    string
	StoreID   string
	Items     []ItemRequest
	Mode      PaymentMode
}

type OrderView struct {
	Order Order
	Items []Item
	Total decimal.Decimal
}

// TotalOf sums the subtotals of items.
func TotalOf(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}
