package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/port"
)

const (
	DefaultSweepSpec  = "@every 1m"
	DefaultStuckAfter = 5 * time.Minute
	sweepBatchSize    = 100
	sweepTimeout      = 30 * time.Second
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Compensator interface {
	Compensate(ctx context.Context, orderID string, cause error) error
}

// ErrPaymentTimedOut is the cause recorded for orders the sweeper fails.
var ErrPaymentTimedOut = errors.New("asynchronous payment did not complete in time")

// Sweeper fails orders that have waited for their asynchronous payment
// longer than StuckAfter, for example because the process restarted while
// the payment task was queued.
type Sweeper struct {
	orders      port.OrderRepository
	compensator Compensator
	logger      *zap.Logger
	stuckAfter  time.Duration
	now         func() time.Time

	sched *cron.Cron
}

func NewSweeper(orders port.OrderRepository, compensator Compensator, stuckAfter time.Duration, logger *zap.Logger) *Sweeper {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Sweeper{
		orders:      orders,
		compensator: compensator,
		logger:      logger,
		stuckAfter:  stuckAfter,
		now:         time.Now,
	}
}

// Start schedules Sweep on spec and starts the scheduler.
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	s.sched = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.sched.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}
	s.sched.Start()
	return nil
}

// Stop stops scheduling and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.sched == nil {
		return
	}
	<-s.sched.Stop().Done()
}

func (s *Sweeper) run() {
	defer func() {
		if err := recover(); err != nil {
			s.logger.Error("sweeper panicked", zap.Any("panic", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// Sweep compensates one batch of stuck orders and returns how many it
// handled. Orders whose payment lands concurrently are skipped by the
// compensator's status check.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.stuckAfter)
	stuck, err := s.orders.ListOrdersByStatus(ctx, domain.OrderStatusAwaitingPayment, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck orders: %w", err)
	}

	handled := 0
	for _, o := range stuck {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if err := s.compensator.Compensate(ctx, o.ID, ErrPaymentTimedOut); err != nil {
			s.logger.Error("failed to compensate stuck order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		handled++
	}

	if handled > 0 {
		s.logger.Info("swept stuck orders", zap.Int("count", handled))
	}
	return handled, nil
}
