package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrder_CanTransition(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusInitialized, OrderStatusFinished, true},
		{OrderStatusInitialized, OrderStatusAwaitingPayment, true},
		{OrderStatusInitialized, OrderStatusFailed, true},
		{OrderStatusInitialized, OrderStatusCancelled, true},
		{OrderStatusAwaitingPayment, OrderStatusFinished, true},
		{OrderStatusAwaitingPayment, OrderStatusFailed, true},
		{OrderStatusAwaitingPayment, OrderStatusInitialized, false},
		{OrderStatusFinished, OrderStatusFailed, false},
		{OrderStatusFailed, OrderStatusFinished, false},
		{OrderStatusCancelled, OrderStatusFinished, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			o := &Order{Status: tt.from}
			if got := o.CanTransition(tt.to); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFinished, OrderStatusFailed, OrderStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusInitialized, OrderStatusAwaitingPayment} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestTotalOf(t *testing.T) {
	items := []Item{
		{Count: 3, Price: decimal.RequireFromString("0.1")},
		{Count: 1, Price: decimal.RequireFromString("0.2")},
	}
	if got := TotalOf(items); !got.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected 0.5, got %s", got)
	}
	if got := TotalOf(nil); !got.IsZero() {
		t.Errorf("expected 0 for no items, got %s", got)
	}
}

func TestErrors_Is(t *testing.T) {
	verr := fmt.Errorf("wrapped: %w", NewValidationError("items", "count must be positive"))
	if !errors.Is(verr, ErrValidation) {
		t.Error("expected ValidationError to match ErrValidation")
	}
	if !IsDomainRejection(verr) {
		t.Error("expected validation to be a domain rejection")
	}

	rerr := &RecoveryError{Op: "inventory.apply", Attempts: 5, Last: ErrVersionConflict}
	if !errors.Is(rerr, ErrRecoveryFailure) || !errors.Is(rerr, ErrVersionConflict) {
		t.Error("expected RecoveryError to match ErrRecoveryFailure and its last conflict")
	}
	if IsDomainRejection(rerr) {
		t.Error("a recovery failure is not a domain rejection")
	}

	cerr := &CompensationError{OrderID: "o1", Cause: ErrInsufficientBalance, Err: ErrNotFound}
	if !errors.Is(cerr, ErrCompensationFailure) || !errors.Is(cerr, ErrNotFound) {
		t.Error("expected CompensationError to match ErrCompensationFailure and its failure")
	}
}

func TestPaymentMode_Valid(t *testing.T) {
	if !PaymentModeSync.Valid() || !PaymentModeAsync.Valid() {
		t.Error("expected both modes to be valid")
	}
	if PaymentMode("later").Valid() {
		t.Error("expected unknown mode to be invalid")
	}
}
