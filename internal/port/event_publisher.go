package port

import (
	"context"

	"github.com/rl1809/order-saga/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
	Close() error
}

// Executor runs tasks on goroutines the caller does not wait for.
type Executor interface {
	Submit(task func()) error
}
