package port

import (
	"context"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
)

type EventPublisher interface {
	// PublishMovement announces a committed ledger movement
	PublishMovement(ctx context.Context, movement domain.MovementRecord) error

	// PublishLowStock announces that an item dropped to or below its threshold
	PublishLowStock(ctx context.Context, alert domain.LowStockAlert) error
}
