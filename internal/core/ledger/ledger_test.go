package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/adapter/storage"
	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/core/retry"
)

// contended is a retry policy large enough that heavy test contention never
// exhausts it.
var contended = retry.Policy{Attempts: 10000, Delay: 100 * time.Microsecond, Jitter: time.Millisecond}

func newInventory(t *testing.T, policy retry.Policy, stock int64) (*InventoryLedger, *storage.MemoryAdapter) {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	err := repo.CreateProduct(context.Background(), domain.Product{
		ID: "p1", StoreID: "s1", Name: "widget", Inventory: stock, Price: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return NewInventoryLedger(repo, retry.NewMutator(policy, retry.NewLoggingSupervisor(zap.NewNop()))), repo
}

func runConcurrently(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestInventoryLedger_ConcurrentRestock(t *testing.T) {
	l, repo := newInventory(t, contended, 0)
	ctx := context.Background()

	runConcurrently(100, func(int) {
		if _, err := l.Apply(ctx, "p1", 10); err != nil {
			t.Errorf("Apply failed: %v", err)
		}
	})

	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != 1000 {
		t.Errorf("expected inventory 1000, got %d", p.Inventory)
	}
	if p.Version != 100 {
		t.Errorf("expected version 100, got %d", p.Version)
	}
}

func TestInventoryLedger_ConcurrentMixed(t *testing.T) {
	l, repo := newInventory(t, contended, 1000)
	ctx := context.Background()

	runConcurrently(100, func(i int) {
		delta := int64(10)
		if i%2 == 1 {
			delta = -5
		}
		if _, err := l.Apply(ctx, "p1", delta); err != nil {
			t.Errorf("Apply(%d) failed: %v", delta, err)
		}
	})

	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != 1250 {
		t.Errorf("expected inventory 1250, got %d", p.Inventory)
	}
}

func TestInventoryLedger_NoOversell(t *testing.T) {
	l, repo := newInventory(t, contended, 20)
	ctx := context.Background()

	var sold, rejected atomic.Int32
	runConcurrently(50, func(int) {
		_, err := l.Apply(ctx, "p1", -1)
		switch {
		case err == nil:
			sold.Add(1)
		case errors.Is(err, domain.ErrInsufficientStock):
			rejected.Add(1)
		default:
			t.Errorf("unexpected error: %v", err)
		}
	})

	if sold.Load() != 20 || rejected.Load() != 30 {
		t.Errorf("expected 20 sold and 30 rejected, got %d and %d", sold.Load(), rejected.Load())
	}
	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != 0 {
		t.Errorf("expected inventory 0, got %d", p.Inventory)
	}
}

// With the default attempt budget some writers may give up under heavy
// contention, but only the successful ones may be reflected in the stock.
func TestInventoryLedger_DefaultBudgetKeepsStockConsistent(t *testing.T) {
	policy := retry.DefaultPolicy()
	policy.Delay = time.Millisecond
	l, repo := newInventory(t, policy, 0)
	ctx := context.Background()

	var applied atomic.Int64
	runConcurrently(100, func(int) {
		_, err := l.Apply(ctx, "p1", 10)
		switch {
		case err == nil:
			applied.Add(10)
		case errors.Is(err, domain.ErrRecoveryFailure):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	})

	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != applied.Load() {
		t.Errorf("expected inventory %d, got %d", applied.Load(), p.Inventory)
	}
}

func TestInventoryLedger_InsufficientStockWritesNothing(t *testing.T) {
	l, repo := newInventory(t, contended, 3)
	ctx := context.Background()

	_, err := l.Apply(ctx, "p1", -4)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got: %v", err)
	}

	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != 3 || p.Version != 0 {
		t.Errorf("expected untouched product, got inventory %d version %d", p.Inventory, p.Version)
	}
}

func TestInventoryLedger_NotFound(t *testing.T) {
	l, _ := newInventory(t, contended, 3)
	_, err := l.Apply(context.Background(), "missing", 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

// alwaysConflicting loses every compare-and-swap.
type alwaysConflicting struct {
	*storage.MemoryAdapter
	swaps atomic.Int32
}

func (r *alwaysConflicting) CompareAndSwapInventory(context.Context, string, int64, int64) error {
	r.swaps.Add(1)
	return domain.ErrVersionConflict
}

func TestInventoryLedger_ExhaustedBudget(t *testing.T) {
	repo := &alwaysConflicting{MemoryAdapter: storage.NewMemoryAdapter()}
	ctx := context.Background()
	_ = repo.CreateProduct(ctx, domain.Product{ID: "p1", Inventory: 10})

	l := NewInventoryLedger(repo, retry.NewMutator(retry.Policy{Attempts: retry.DefaultAttempts}, retry.NewLoggingSupervisor(zap.NewNop())))

	_, err := l.Apply(ctx, "p1", -1)
	if !errors.Is(err, domain.ErrRecoveryFailure) {
		t.Fatalf("expected ErrRecoveryFailure, got: %v", err)
	}
	if repo.swaps.Load() != retry.DefaultAttempts {
		t.Errorf("expected %d attempts, got %d", retry.DefaultAttempts, repo.swaps.Load())
	}
	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != 10 {
		t.Errorf("expected inventory 10, got %d", p.Inventory)
	}
}

func TestInventoryLedger_RetriesInsideTransaction(t *testing.T) {
	l, repo := newInventory(t, contended, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithTx(ctx, func(ctx context.Context) error {
				_, err := l.Apply(ctx, "p1", -1)
				return err
			})
			if err != nil {
				t.Errorf("tx failed: %v", err)
			}
		}()
	}
	wg.Wait()

	p, _ := repo.GetProduct(ctx, "p1")
	if p.Inventory != 80 {
		t.Errorf("expected inventory 80, got %d", p.Inventory)
	}
}

func newBalance(t *testing.T, users map[string]int64) (*BalanceLedger, *storage.MemoryAdapter) {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	for id, amount := range users {
		if err := repo.CreateUser(context.Background(), domain.User{ID: id, Name: id, Balance: decimal.NewFromInt(amount)}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	return NewBalanceLedger(repo, repo), repo
}

func balanceOf(t *testing.T, repo *storage.MemoryAdapter, id string) decimal.Decimal {
	t.Helper()
	u, err := repo.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return u.Balance
}

func TestBalanceLedger_AllOverdraftsRejected(t *testing.T) {
	l, repo := newBalance(t, map[string]int64{"u1": 50})
	ctx := context.Background()

	var rejected atomic.Int32
	runConcurrently(20, func(int) {
		_, err := l.Apply(ctx, "u1", decimal.NewFromInt(-100))
		if errors.Is(err, domain.ErrInsufficientBalance) {
			rejected.Add(1)
		} else {
			t.Errorf("expected ErrInsufficientBalance, got: %v", err)
		}
	})

	if rejected.Load() != 20 {
		t.Errorf("expected 20 rejections, got %d", rejected.Load())
	}
	if got := balanceOf(t, repo, "u1"); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected balance 50, got %s", got)
	}
}

func TestBalanceLedger_ConcurrentDebits(t *testing.T) {
	l, repo := newBalance(t, map[string]int64{"u1": 100})
	ctx := context.Background()

	var ok atomic.Int32
	runConcurrently(150, func(int) {
		if _, err := l.Apply(ctx, "u1", decimal.NewFromInt(-1)); err == nil {
			ok.Add(1)
		} else if !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	if ok.Load() != 100 {
		t.Errorf("expected 100 successful debits, got %d", ok.Load())
	}
	if got := balanceOf(t, repo, "u1"); !got.IsZero() {
		t.Errorf("expected balance 0, got %s", got)
	}
}

func TestBalanceLedger_ConcurrentMixed(t *testing.T) {
	l, repo := newBalance(t, map[string]int64{"u1": 1000})
	ctx := context.Background()

	runConcurrently(100, func(i int) {
		delta := decimal.NewFromInt(10)
		if i%2 == 1 {
			delta = decimal.NewFromInt(-5)
		}
		if _, err := l.Apply(ctx, "u1", delta); err != nil {
			t.Errorf("Apply(%s) failed: %v", delta, err)
		}
	})

	if got := balanceOf(t, repo, "u1"); !got.Equal(decimal.NewFromInt(1250)) {
		t.Errorf("expected balance 1250, got %s", got)
	}
}

func TestBalanceLedger_FractionalAmounts(t *testing.T) {
	l, repo := newBalance(t, map[string]int64{"u1": 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.Apply(ctx, "u1", decimal.RequireFromString("-0.1")); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}
	if got := balanceOf(t, repo, "u1"); !got.IsZero() {
		t.Errorf("expected exactly 0, got %s", got)
	}
}

func TestBalanceLedger_DifferentUsersDoNotBlock(t *testing.T) {
	l, repo := newBalance(t, map[string]int64{"u1": 10, "u2": 10})
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = repo.WithTx(ctx, func(ctx context.Context) error {
			if _, err := l.Apply(ctx, "u1", decimal.NewFromInt(-1)); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := l.Apply(ctx, "u2", decimal.NewFromInt(-1))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Apply on u2 failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("u2 was blocked by a lock on u1")
	}
}

func TestBalanceLedger_JoinsCallerTransaction(t *testing.T) {
	l, repo := newBalance(t, map[string]int64{"u1": 10})
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(ctx context.Context) error {
		u, err := l.Apply(ctx, "u1", decimal.NewFromInt(-4))
		if err != nil {
			return err
		}
		if !u.Balance.Equal(decimal.NewFromInt(6)) {
			t.Errorf("expected 6 inside the tx, got %s", u.Balance)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got: %v", err)
	}

	if got := balanceOf(t, repo, "u1"); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected the debit to roll back with the caller, got %s", got)
	}
}
