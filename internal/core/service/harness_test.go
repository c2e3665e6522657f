package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/adapter/storage"
	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/core/ledger"
	"github.com/rl1809/order-saga/internal/core/payment"
	"github.com/rl1809/order-saga/internal/core/retry"
	"github.com/rl1809/order-saga/internal/port"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t domain.EventType) []domain.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OrderEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// manualExecutor queues tasks until the test drains them.
type manualExecutor struct {
	mu     sync.Mutex
	tasks  []func()
	reject error
}

func (e *manualExecutor) Submit(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reject != nil {
		return e.reject
	}
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *manualExecutor) drain() {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

var testPolicy = retry.Policy{Attempts: 10000, Delay: 100 * time.Microsecond, Jitter: time.Millisecond}

type harness struct {
	repo *storage.MemoryAdapter
	saga *OrderSaga
	comp *CompensationHandler
	pub  *recordingPublisher
	exec *manualExecutor
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	restock func(*storage.MemoryAdapter) port.ProductRepository
}

// withRestock makes compensation write stock through the repository wrap
// returns.
func withRestock(wrap func(*storage.MemoryAdapter) port.ProductRepository) harnessOption {
	return func(c *harnessConfig) { c.restock = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	repo := storage.NewMemoryAdapter()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	var restock port.ProductRepository = repo
	if cfg.restock != nil {
		restock = cfg.restock(repo)
	}

	logger := zap.NewNop()
	mutator := retry.NewMutator(testPolicy, retry.NewLoggingSupervisor(logger))
	inventory := ledger.NewInventoryLedger(repo, mutator)
	balance := ledger.NewBalanceLedger(repo, repo)
	pub := &recordingPublisher{}
	exec := &manualExecutor{}

	comp := NewCompensationHandler(repo, repo, ledger.NewInventoryLedger(restock, mutator), pub, logger)
	lookup := storage.NewLookup(repo)

	saga := NewOrderSaga(Dependencies{
		Tx:        repo,
		Orders:    repo,
		Stores:    lookup,
		Products:  lookup,
		Users:     lookup,
		Inventory: inventory,
		Payments: []payment.Strategy{
			payment.NewSyncStrategy(balance),
			payment.NewAsyncStrategy(repo, repo, balance, exec, comp, pub, logger),
		},
		Guard:     storage.NewMemoryGuard(),
		Publisher: pub,
		Logger:    logger,
	})

	h := &harness{repo: repo, saga: saga, comp: comp, pub: pub, exec: exec}
	h.seed(t)
	return h
}

// seed creates store s1 with members u1 (balance 100) and poor (balance 1),
// the non-member stranger, and products p1 (10 @ 10), p2 (5 @ 2.5) in s1
// and p3 in store s2.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(h.repo.CreateStore(ctx, domain.Store{ID: "s1", Name: "first"}))
	must(h.repo.CreateStore(ctx, domain.Store{ID: "s2", Name: "second"}))
	must(h.repo.CreateUser(ctx, domain.User{ID: "u1", Name: "buyer", Balance: decimal.NewFromInt(100)}))
	must(h.repo.CreateUser(ctx, domain.User{ID: "poor", Name: "poor", Balance: decimal.NewFromInt(1)}))
	must(h.repo.CreateUser(ctx, domain.User{ID: "stranger", Name: "stranger", Balance: decimal.NewFromInt(100)}))
	must(h.repo.AddMember(ctx, "s1", "u1"))
	must(h.repo.AddMember(ctx, "s1", "poor"))
	must(h.repo.CreateProduct(ctx, domain.Product{ID: "p1", StoreID: "s1", Name: "one", Inventory: 10, Price: decimal.NewFromInt(10)}))
	must(h.repo.CreateProduct(ctx, domain.Product{ID: "p2", StoreID: "s1", Name: "two", Inventory: 5, Price: decimal.RequireFromString("2.5")}))
	must(h.repo.CreateProduct(ctx, domain.Product{ID: "p3", StoreID: "s2", Name: "three", Inventory: 5, Price: decimal.NewFromInt(1)}))
}

func (h *harness) inventory(t *testing.T, productID string) int64 {
	t.Helper()
	p, err := h.repo.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	return p.Inventory
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	u, err := h.repo.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return u.Balance
}

func (h *harness) status(t *testing.T, orderID string) domain.OrderStatus {
	t.Helper()
	o, err := h.repo.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	return o.Status
}

// orderCount counts orders in any status.
func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	n := 0
	for _, s := range []domain.OrderStatus{
		domain.OrderStatusInitialized,
		domain.OrderStatusAwaitingPayment,
		domain.OrderStatusFinished,
		domain.OrderStatusFailed,
		domain.OrderStatusCancelled,
	} {
		orders, err := h.repo.ListOrdersByStatus(context.Background(), s, time.Now().Add(time.Hour), 0)
		if err != nil {
			t.Fatalf("ListOrdersByStatus failed: %v", err)
		}
		n += len(orders)
	}
	return n
}

func placeReq(user string, mode domain.PaymentMode, items ...domain.ItemRequest) domain.PlaceOrderRequest {
	return domain.PlaceOrderRequest{UserID: user, StoreID: "s1", Items: items, Mode: mode}
}

func ln(productID string, count int64) domain.ItemRequest {
	return domain.ItemRequest{ProductID: productID, Count: count}
}
