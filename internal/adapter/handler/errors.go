package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/order-saga/internal/core/domain"
)

type failure struct {
	status  int
	code    codes.Code
	reason  string
	message string
}

// classify maps a saga error onto both transports. Anything unknown is an
// internal error and its text is not exposed.
func classify(err error) failure {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return failure{http.StatusBadRequest, codes.InvalidArgument, "INVALID_REQUEST", verr.Field + ": " + verr.Message}
	case errors.Is(err, domain.ErrValidation):
		return failure{http.StatusBadRequest, codes.InvalidArgument, "INVALID_REQUEST", "invalid request"}
	case errors.Is(err, domain.ErrNotFound):
		return failure{http.StatusNotFound, codes.NotFound, "NOT_FOUND", "order not found"}
	case errors.Is(err, domain.ErrInsufficientStock):
		return failure{http.StatusConflict, codes.FailedPrecondition, "INSUFFICIENT_STOCK", "insufficient stock"}
	case errors.Is(err, domain.ErrInsufficientBalance):
		return failure{http.StatusConflict, codes.FailedPrecondition, "INSUFFICIENT_BALANCE", "insufficient balance"}
	case errors.Is(err, domain.ErrDuplicateRequest):
		return failure{http.StatusConflict, codes.AlreadyExists, "DUPLICATE_REQUEST", "duplicate request"}
	case errors.Is(err, domain.ErrRecoveryFailure):
		return failure{http.StatusServiceUnavailable, codes.Aborted, "CONTENDED", "resource is busy, try again"}
	case errors.Is(err, context.DeadlineExceeded):
		return failure{http.StatusGatewayTimeout, codes.DeadlineExceeded, "TIMEOUT", "request timed out"}
	case errors.Is(err, context.Canceled):
		return failure{499, codes.Canceled, "CANCELLED", "request cancelled"}
	default:
		return failure{http.StatusInternalServerError, codes.Internal, "INTERNAL", "internal error"}
	}
}
