package port

import (
	"context"
	"errors"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
)

var (
	ErrItemNotFound = errors.New("stock item not found")
	ErrItemExists   = errors.New("stock item already exists")
)

// MutateFunc edits item in place and optionally returns a movement to append.
// Returning an error aborts the transaction without writing anything.
type MutateFunc func(item *domain.StockItem) (*domain.MovementRecord, error)

type StockRepository interface {
	// CreateItem registers a catalog item with the ledger. A non-nil opening
	// movement is stored in the same write.
	CreateItem(ctx context.Context, item domain.StockItem, opening *domain.MovementRecord) error

	// GetItem reads an item without locking
	GetItem(ctx context.Context, itemID string) (*domain.StockItem, error)

	// UpdateItem runs fn under an exclusive per-item lock and persists the item
	// state and the returned movement atomically. The item row is only written
	// when fn changed it.
	UpdateItem(ctx context.Context, itemID string, fn MutateFunc) (*domain.StockItem, error)

	// ListThresholdItems returns tracked, initialized items with a low stock threshold
	ListThresholdItems(ctx context.Context) ([]domain.StockItem, error)

	// ListMovements returns an item's movements in creation order
	ListMovements(ctx context.Context, itemID string) ([]domain.MovementRecord, error)
}
