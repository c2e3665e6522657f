package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderFinished           EventType = "order.finished"
	EventOrderFailed             EventType = "order.failed"
	EventOrderCompensationFailed EventType = "order.compensation_failed"
)

type OrderEvent struct {
	Type       EventType       `json:"type"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	StoreID    string          `json:"store_id"`
	Status     OrderStatus     `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func NewOrderEvent(t EventType, order Order, total decimal.Decimal, reason string) OrderEvent {
	return OrderEvent{
		Type:       t,
		OrderID:    order.ID,
		UserID:     order.UserID,
		StoreID:    order.StoreID,
		Status:     order.Status,
		Total:      total,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}
