package port

import "context"

type IdempotencyGuard interface {
	// Reserve sets a key for idempotency check, returns false if already exists
	Reserve(ctx context.Context, key string) (bool, error)

	// Release removes the key so a failed request can be retried
	Release(ctx context.Context, key string) error
}
