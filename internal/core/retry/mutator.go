// Package retry re-runs optimistically versioned writes that lost a race
// and hands exhausted attempts to a recovery supervisor.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/core/domain"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = time.Second
)

type Policy struct {
	Attempts int
	Delay    time.Duration
	Jitter   time.Duration // upper bound of a random extra delay, 0 disables
}

func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

func (p Policy) backoff() time.Duration {
	if p.Jitter <= 0 {
		return p.Delay
	}
	return p.Delay + time.Duration(rand.Int63n(int64(p.Jitter)))
}

// Result classifies the outcome of one attempt.
type Result int

const (
	Succeeded Result = iota
	Conflict
	Terminal
)

func Classify(err error) Result {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(err, domain.ErrVersionConflict):
		return Conflict
	default:
		return Terminal
	}
}

// Supervisor decides what surfaces once the retry budget is spent.
type Supervisor interface {
	Recover(ctx context.Context, op string, attempts int, last error) error
}

type LoggingSupervisor struct {
	logger *zap.Logger
}

func NewLoggingSupervisor(logger *zap.Logger) *LoggingSupervisor {
	return &LoggingSupervisor{logger: logger}
}

func (s *LoggingSupervisor) Recover(_ context.Context, op string, attempts int, last error) error {
	s.logger.Warn("retry budget exhausted",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.Error(last),
	)
	return &domain.RecoveryError{Op: op, Attempts: attempts, Last: last}
}

type Mutator struct {
	policy     Policy
	supervisor Supervisor
}

func NewMutator(policy Policy, supervisor Supervisor) *Mutator {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Mutator{policy: policy, supervisor: supervisor}
}

// Do runs fn until it succeeds, fails terminally, or the attempt budget is
// spent on version conflicts. Each attempt must re-read its inputs.
func (m *Mutator) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= m.policy.Attempts; attempt++ {
		last = fn(ctx)
		switch Classify(last) {
		case Succeeded:
			return nil
		case Terminal:
			return last
		}

		if attempt == m.policy.Attempts {
			break
		}

		timer := time.NewTimer(m.policy.backoff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return m.supervisor.Recover(ctx, op, m.policy.Attempts, last)
}
