package worker

import (
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/port"
)

const releaseTimeout = 10 * time.Second

var _ port.Executor = (*Pool)(nil)

// Pool runs asynchronous payment tasks on a bounded goroutine pool. Submit
// fails fast with ants.ErrPoolOverload when every worker is busy.
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger
}

func NewPool(size int, logger *zap.Logger) (*Pool, error) {
	p := &Pool{logger: logger}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(p.recovered),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

func (p *Pool) recovered(v interface{}) {
	p.logger.Error("payment task panicked", zap.Any("panic", v))
}

func (p *Pool) Submit(task func()) error {
	return p.pool.Submit(task)
}

func (p *Pool) Running() int {
	return p.pool.Running()
}

// Close waits for in-flight tasks to finish.
func (p *Pool) Close() error {
	return p.pool.ReleaseTimeout(releaseTimeout)
}
