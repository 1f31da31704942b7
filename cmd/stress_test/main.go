package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/bundle-ledger/internal/adapter/storage"
	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/core/service"
	"github.com/rl1809/bundle-ledger/internal/port"
)

const (
	initialSingles = 20
	totalRequests  = 50
	lockTTL        = 5 * time.Second
)

// Fires concurrent single-unit deductions at one item and checks that no more
// than the stocked units were sold. Uses Redis when REDIS_ADDR is set.
func main() {
	ctx := context.Background()
	itemID := "stress-item-" + uuid.NewString()

	var repo port.StockRepository = storage.NewMemoryAdapter()
	backend := "memory"
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logrus.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		repo = storage.NewRedisAdapter(rdb, lockTTL, time.Hour)
		backend = "redis"
	}

	ledger := service.NewLedgerService(repo)
	_, err := ledger.CreateItem(ctx, domain.StockItem{
		ID:             itemID,
		TrackInventory: true,
		Inventory:      domain.Inventory{1: initialSingles, 50: 0},
	})
	if err != nil {
		logrus.Fatalf("failed to create item: %v", err)
	}

	var successCount, soldOutCount, errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := ledger.DeductStock(ctx, itemID, 1, service.MovementMeta{OrderID: fmt.Sprintf("order-%d", n)})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
				logrus.Errorf("order-%d: %v", n, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Backend:          %s\n", backend)
	fmt.Printf("Initial Stock:    %d\n", initialSingles)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialSingles && soldOut == totalRequests-initialSingles {
		fmt.Printf("PASS: Exactly %d deductions succeeded, %d sold out\n", initialSingles, totalRequests-initialSingles)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			initialSingles, totalRequests-initialSingles, success, soldOut)
	}

	item, err := ledger.GetItem(ctx, itemID)
	if err != nil {
		logrus.Fatalf("failed to read item: %v", err)
	}
	fmt.Printf("Final Stock: %d\n", item.TotalUnits())
	if item.TotalUnits() == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", item.TotalUnits())
	}

	movements, err := ledger.ListMovements(ctx, itemID)
	if err != nil {
		logrus.Fatalf("failed to list movements: %v", err)
	}
	// The opening stock is the first movement, so the log replays from zero.
	replayed := 0
	for _, mv := range movements {
		replayed += mv.QuantityChange
	}
	if len(movements) == int(success)+1 && replayed == item.TotalUnits() {
		fmt.Printf("PASS: %d movements replay to the final stock\n", len(movements))
	} else {
		fmt.Printf("FAIL: %d movements replay to %d, stock is %d\n", len(movements), replayed, item.TotalUnits())
	}
}
