package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/port"
)

// testRepository runs the behaviour every StockRepository must share.
func testRepository(t *testing.T, repo port.StockRepository) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, repo) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, repo) })
	t.Run("CreateWithOpeningMovement", func(t *testing.T) { testCreateWithOpeningMovement(t, repo) })
	t.Run("UpdatePersistsMovement", func(t *testing.T) { testUpdatePersistsMovement(t, repo) })
	t.Run("UpdateErrorLeavesItem", func(t *testing.T) { testUpdateErrorLeavesItem(t, repo) })
	t.Run("UpdateMissingItem", func(t *testing.T) { testUpdateMissingItem(t, repo) })
	t.Run("ClearInventory", func(t *testing.T) { testClearInventory(t, repo) })
	t.Run("ThresholdItems", func(t *testing.T) { testThresholdItems(t, repo) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, repo) })
}

func newTestItem(inv domain.Inventory, threshold *int) domain.StockItem {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.StockItem{
		ID:                "item-" + uuid.NewString(),
		TrackInventory:    true,
		Inventory:         inv,
		LowStockThreshold: threshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func testCreateAndGet(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	threshold := 25
	item := newTestItem(domain.Inventory{1: 3, 50: 2}, &threshold)

	if err := repo.CreateItem(ctx, item, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TrackInventory || !got.Inventory.Equal(item.Inventory) {
		t.Errorf("expected %+v, got %+v", item, got)
	}
	if got.LowStockThreshold == nil || *got.LowStockThreshold != 25 {
		t.Errorf("expected threshold 25, got %v", got.LowStockThreshold)
	}

	if _, err := repo.GetItem(ctx, "missing-"+uuid.NewString()); !errors.Is(err, port.ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func testDuplicateCreate(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	item := newTestItem(nil, nil)

	if err := repo.CreateItem(ctx, item, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateItem(ctx, item, nil); !errors.Is(err, port.ErrItemExists) {
		t.Errorf("expected ErrItemExists, got %v", err)
	}
}

func testCreateWithOpeningMovement(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	// Above the 32-bit range so the movement columns must hold 64-bit totals.
	item := newTestItem(domain.Inventory{1000: 3_000_000}, nil)
	opening := &domain.MovementRecord{
		ID:                 uuid.NewString(),
		StockItemID:        item.ID,
		QuantityChange:     3_000_000_000,
		QuantityAfter:      3_000_000_000,
		Kind:               domain.MovementAddition,
		Reason:             "Opening stock",
		DenominationDeltas: map[domain.BundleSize]int{1000: 3_000_000},
		CreatedAt:          item.CreatedAt,
	}

	if err := repo.CreateItem(ctx, item, opening); err != nil {
		t.Fatalf("create: %v", err)
	}

	movements, err := repo.ListMovements(ctx, item.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	mv := movements[0]
	if mv.ID != opening.ID || mv.QuantityAfter != 3_000_000_000 || mv.Kind != domain.MovementAddition {
		t.Errorf("unexpected opening movement %+v", mv)
	}

	// A rejected duplicate must not append a second opening movement.
	dup := *opening
	dup.ID = uuid.NewString()
	if err := repo.CreateItem(ctx, item, &dup); !errors.Is(err, port.ErrItemExists) {
		t.Fatalf("expected ErrItemExists, got %v", err)
	}
	if movements, _ = repo.ListMovements(ctx, item.ID); len(movements) != 1 {
		t.Errorf("expected 1 movement after duplicate create, got %d", len(movements))
	}
}

func testUpdatePersistsMovement(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	item := newTestItem(domain.Inventory{1: 10, 50: 2}, nil)
	if err := repo.CreateItem(ctx, item, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	orderID := "order-1"
	updated, err := repo.UpdateItem(ctx, item.ID, func(it *domain.StockItem) (*domain.MovementRecord, error) {
		it.Inventory[50] = 1
		return &domain.MovementRecord{
			ID:                 uuid.NewString(),
			StockItemID:        it.ID,
			QuantityChange:     -50,
			QuantityAfter:      it.TotalUnits(),
			Kind:               domain.MovementDeduction,
			Reason:             "Order fulfillment",
			OrderID:            &orderID,
			DenominationDeltas: map[domain.BundleSize]int{50: -1},
			CreatedAt:          time.Now().UTC().Truncate(time.Microsecond),
		}, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TotalUnits() != 60 {
		t.Errorf("expected 60 units, got %d", updated.TotalUnits())
	}

	stored, err := repo.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Inventory[50] != 1 || stored.Inventory[1] != 10 {
		t.Errorf("unexpected stored inventory %v", stored.Inventory)
	}

	movements, err := repo.ListMovements(ctx, item.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	mv := movements[0]
	if mv.QuantityChange != -50 || mv.QuantityAfter != 60 || mv.Kind != domain.MovementDeduction {
		t.Errorf("unexpected movement %+v", mv)
	}
	if mv.OrderID == nil || *mv.OrderID != orderID || mv.ChangedBy != nil {
		t.Errorf("unexpected movement attribution %+v", mv)
	}
	if mv.DenominationDeltas[50] != -1 {
		t.Errorf("unexpected deltas %v", mv.DenominationDeltas)
	}
}

func testUpdateErrorLeavesItem(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	item := newTestItem(domain.Inventory{1: 5}, nil)
	if err := repo.CreateItem(ctx, item, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	_, err := repo.UpdateItem(ctx, item.ID, func(it *domain.StockItem) (*domain.MovementRecord, error) {
		it.Inventory[1] = 0
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	stored, _ := repo.GetItem(ctx, item.ID)
	if stored.Inventory[1] != 5 {
		t.Errorf("expected inventory untouched, got %v", stored.Inventory)
	}
	movements, _ := repo.ListMovements(ctx, item.ID)
	if len(movements) != 0 {
		t.Errorf("expected no movements, got %d", len(movements))
	}
}

func testUpdateMissingItem(t *testing.T, repo port.StockRepository) {
	_, err := repo.UpdateItem(context.Background(), "missing-"+uuid.NewString(),
		func(*domain.StockItem) (*domain.MovementRecord, error) { return nil, nil })
	if !errors.Is(err, port.ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func testClearInventory(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	threshold := 3
	item := newTestItem(domain.Inventory{1: 5}, &threshold)
	if err := repo.CreateItem(ctx, item, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := repo.UpdateItem(ctx, item.ID, func(it *domain.StockItem) (*domain.MovementRecord, error) {
		it.TrackInventory = false
		it.Inventory = nil
		it.LowStockThreshold = nil
		return nil, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, _ := repo.GetItem(ctx, item.ID)
	if stored.TrackInventory || stored.Inventory != nil || stored.LowStockThreshold != nil {
		t.Errorf("expected cleared item, got %+v", stored)
	}
}

func testThresholdItems(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	threshold := 10
	withThreshold := newTestItem(domain.Inventory{1: 4}, &threshold)
	untracked := newTestItem(domain.Inventory{1: 4}, &threshold)
	untracked.TrackInventory = false
	noThreshold := newTestItem(domain.Inventory{1: 4}, nil)

	for _, item := range []domain.StockItem{withThreshold, untracked, noThreshold} {
		if err := repo.CreateItem(ctx, item, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	items, err := repo.ListThresholdItems(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := map[string]bool{}
	for _, it := range items {
		found[it.ID] = true
	}
	if !found[withThreshold.ID] {
		t.Error("expected item with threshold to be listed")
	}
	if found[untracked.ID] || found[noThreshold.ID] {
		t.Error("expected untracked and unthresholded items to be skipped")
	}
}

func testConcurrentUpdates(t *testing.T, repo port.StockRepository) {
	ctx := context.Background()
	item := newTestItem(domain.Inventory{1: 0}, nil)
	if err := repo.CreateItem(ctx, item, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateItem(ctx, item.ID, func(it *domain.StockItem) (*domain.MovementRecord, error) {
				it.Inventory[1]++
				return nil, nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _ := repo.GetItem(ctx, item.ID)
	if stored.Inventory[1] != workers {
		t.Errorf("expected %d units, got %d", workers, stored.Inventory[1])
	}
}
