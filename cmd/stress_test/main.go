package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/order-saga/internal/adapter/messaging"
	"github.com/rl1809/order-saga/internal/adapter/storage"
	"github.com/rl1809/order-saga/internal/adapter/worker"
	"github.com/rl1809/order-saga/internal/core/domain"
	"github.com/rl1809/order-saga/internal/core/ledger"
	"github.com/rl1809/order-saga/internal/core/payment"
	"github.com/rl1809/order-saga/internal/core/retry"
	"github.com/rl1809/order-saga/internal/core/service"
)

const (
	storeID       = "stress-store"
	productID     = "stress-item"
	initialStock  = 20
	totalRequests = 50
	asyncEvery    = 2
)

func main() {
	ctx := context.Background()
	logger := zap.NewNop()

	db := storage.NewMemoryAdapter()
	seed(ctx, db)

	pool, err := worker.NewPool(16, logger)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	publisher := messaging.NewLogPublisher(logger)
	policy := retry.Policy{Attempts: 1000, Delay: time.Millisecond, Jitter: time.Millisecond}
	mutator := retry.NewMutator(policy, retry.NewLoggingSupervisor(logger))
	inventory := ledger.NewInventoryLedger(db, mutator)
	balance := ledger.NewBalanceLedger(db, db)
	compensation := service.NewCompensationHandler(db, db, inventory, publisher, logger)
	lookup := storage.NewLookup(db)

	saga := service.NewOrderSaga(service.Dependencies{
		Tx:        db,
		Orders:    db,
		Stores:    lookup,
		Products:  lookup,
		Users:     lookup,
		Inventory: inventory,
		Payments: []payment.Strategy{
			payment.NewSyncStrategy(balance),
			payment.NewAsyncStrategy(db, db, balance, pool, compensation, publisher, logger),
		},
		Publisher: publisher,
		Logger:    logger,
	})

	// Counters
	var successCount atomic.Int32
	var soldOutCount atomic.Int32
	var failCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			mode := domain.PaymentModeSync
			if n%asyncEvery == 1 {
				mode = domain.PaymentModeAsync
			}
			_, err := saga.PlaceOrder(ctx, domain.PlaceOrderRequest{
				UserID:  fmt.Sprintf("user-%d", n),
				StoreID: storeID,
				Items:   []domain.ItemRequest{{ProductID: productID, Count: 1}},
				Mode:    mode,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				failCount.Add(1)
				log.Printf("order for user-%d failed: %v", n, err)
			}
		}(i)
	}

	wg.Wait()
	if err := pool.Close(); err != nil {
		log.Printf("payment workers did not drain: %v", err)
	}
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Placed:           %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && soldOut == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d orders placed, %d sold out\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d placed/%d sold out, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, soldOut)
	}

	p, err := db.GetProduct(ctx, productID)
	if err != nil {
		log.Fatalf("failed to read product: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", p.Inventory)
	if p.Inventory == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", p.Inventory)
	}
}

func seed(ctx context.Context, db *storage.MemoryAdapter) {
	must := func(err error) {
		if err != nil {
			log.Fatalf("seed failed: %v", err)
		}
	}

	must(db.CreateStore(ctx, domain.Store{ID: storeID, Name: "stress"}))
	must(db.CreateProduct(ctx, domain.Product{
		ID:        productID,
		StoreID:   storeID,
		Name:      "stress item",
		Inventory: initialStock,
		Price:     decimal.NewFromInt(5),
	}))
	for i := 0; i < totalRequests; i++ {
		id := fmt.Sprintf("user-%d", i)
		must(db.CreateUser(ctx, domain.User{ID: id, Name: id, Balance: decimal.NewFromInt(100)}))
		must(db.AddMember(ctx, storeID, id))
	}
}
