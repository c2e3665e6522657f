package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	orders OrderService
	db     Pinger
	logger *zap.Logger
}

func NewHTTPHandler(orders OrderService, db Pinger, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{orders: orders, db: db, logger: logger}
}

func (h *HTTPHandler) Register(e *echo.Echo) {
	e.GET("/health", h.HealthCheck)
	e.POST("/api/orders", h.PlaceOrder)
	e.GET("/api/orders/:id", h.FindOrder)
}

func (h *HTTPHandler) PlaceOrder(c echo.Context) error {
	var req PlaceOrderRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, PlaceOrderResponse{
			Success: false,
			Message: "invalid request body",
			Code:    "INVALID_REQUEST",
		})
	}

	orderID, err := h.orders.PlaceOrder(c.Request().Context(), req.toDomain())
	if err != nil {
		f := classify(err)
		if f.status >= http.StatusInternalServerError {
			h.logger.Error("place order failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return c.JSON(f.status, PlaceOrderResponse{
			Success: false,
			Message: f.message,
			OrderID: orderID,
			Code:    f.reason,
		})
	}

	return c.JSON(http.StatusCreated, PlaceOrderResponse{
		Success: true,
		Message: "order placed successfully",
		OrderID: orderID,
	})
}

func (h *HTTPHandler) FindOrder(c echo.Context) error {
	view, err := h.orders.FindOrder(c.Request().Context(), c.Param("id"))
	if err != nil {
		f := classify(err)
		if f.status >= http.StatusInternalServerError {
			h.logger.Error("find order failed", zap.String("order_id", c.Param("id")), zap.Error(err))
		}
		return c.JSON(f.status, map[string]string{"code": f.reason, "message": f.message})
	}
	return c.JSON(http.StatusOK, orderPayload(view))
}

func (h *HTTPHandler) HealthCheck(c echo.Context) error {
	if h.db != nil {
		if err := h.db.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
