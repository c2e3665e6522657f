package handler

import (
	"context"
	"time"

	"github.com/rl1809/order-saga/internal/core/domain"
)

// OrderService is the part of the order saga the transports expose.
type OrderService interface {
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (string, error)
	FindOrder(ctx context.Context, orderID string) (*domain.OrderView, error)
}

type ItemPayload struct {
	ProductID string `json:"product_id"`
	Count     int64  `json:"count"`
}

type PlaceOrderRequest struct {
	RequestID string        `json:"request_id"`
	UserID    string        `json:"user_id"`
	StoreID   string        `json:"store_id"`
	Mode      string        `json:"mode"`
	Items     []ItemPayload `json:"items"`
}

type PlaceOrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
	Code    string `json:"code,omitempty"`
}

type FindOrderRequest struct {
	OrderID string `json:"order_id"`
}

type OrderItemPayload struct {
	ProductID        string `json:"product_id"`
	Count            int64  `json:"count"`
	PresentInventory int64  `json:"present_inventory"`
	Price            string `json:"price"`
	Subtotal         string `json:"subtotal"`
}

type OrderPayload struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	StoreID   string             `json:"store_id"`
	Status    string             `json:"status"`
	Total     string             `json:"total"`
	Items     []OrderItemPayload `json:"items"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (r PlaceOrderRequest) toDomain() domain.PlaceOrderRequest {
	mode := domain.PaymentMode(r.Mode)
	if mode == "" {
		mode = domain.PaymentModeSync
	}

	items := make([]domain.ItemRequest, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.ItemRequest{ProductID: it.ProductID, Count: it.Count})
	}

	return domain.PlaceOrderRequest{
		RequestID: r.RequestID,
		UserID:    r.UserID,
		StoreID:   r.StoreID,
		Items:     items,
		Mode:      mode,
	}
}

func orderPayload(v *domain.OrderView) OrderPayload {
	items := make([]OrderItemPayload, 0, len(v.Items))
	for _, it := range v.Items {
		items = append(items, OrderItemPayload{
			ProductID:        it.ProductID,
			Count:            it.Count,
			PresentInventory: it.PresentInventory,
			Price:            it.Price.String(),
			Subtotal:         it.Subtotal().String(),
		})
	}

	return OrderPayload{
		OrderID:   v.Order.ID,
		UserID:    v.Order.UserID,
		StoreID:   v.Order.StoreID,
		Status:    string(v.Order.Status),
		Total:     v.Total.String(),
		Items:     items,
		CreatedAt: v.Order.CreatedAt,
		UpdatedAt: v.Order.UpdatedAt,
	}
}
