package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/core/domain"
)

func newTestMutator(attempts int) *Mutator {
	return NewMutator(Policy{Attempts: attempts, Delay: time.Millisecond}, NewLoggingSupervisor(zap.NewNop()))
}

func TestDo_SucceedsAfterConflicts(t *testing.T) {
	m := newTestMutator(5)

	calls := 0
	err := m.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustedBudgetRaisesRecoveryFailure(t *testing.T) {
	m := newTestMutator(5)

	calls := 0
	err := m.Do(context.Background(), "inventory.apply", func(ctx context.Context) error {
		calls++
		return domain.ErrVersionConflict
	})

	if !errors.Is(err, domain.ErrRecoveryFailure) {
		t.Fatalf("expected ErrRecoveryFailure, got: %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 calls, got %d", calls)
	}

	var recErr *domain.RecoveryError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected *RecoveryError, got %T", err)
	}
	if recErr.Attempts != 5 || recErr.Op != "inventory.apply" {
		t.Errorf("unexpected recovery error: %+v", recErr)
	}
}

func TestDo_TerminalErrorsAreNotRetried(t *testing.T) {
	m := newTestMutator(5)

	for _, want := range []error{domain.ErrInsufficientStock, domain.ErrInsufficientBalance, errors.New("boom")} {
		calls := 0
		err := m.Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
		if calls != 1 {
			t.Errorf("%v: expected 1 call, got %d", want, calls)
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	m := NewMutator(Policy{Attempts: 5, Delay: time.Hour}, NewLoggingSupervisor(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	err := m.Do(ctx, "test", func(ctx context.Context) error {
		cancel()
		return domain.ErrVersionConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{Attempts: 1, Delay: 10 * time.Millisecond, Jitter: 5 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := p.backoff()
		if d < p.Delay || d >= p.Delay+p.Jitter {
			t.Fatalf("backoff %v out of [%v, %v)", d, p.Delay, p.Delay+p.Jitter)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[error]Result{
		nil:                                    Succeeded,
		domain.ErrVersionConflict:              Conflict,
		domain.ErrInsufficientStock:            Terminal,
		&domain.RecoveryError{Op: "x"}:         Terminal,
		errors.Join(domain.ErrVersionConflict): Conflict,
	}
	for err, want := range cases {
		if got := Classify(err); got != want {
			t.Errorf("Classify(%v) = %v, want %v", err, got, want)
		}
	}
}
