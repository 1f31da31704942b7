package handler

import "github.com/rl1809/bundle-ledger/internal/core/domain"

// Identifiers are capped at 64 characters, the width of the ID columns in
// schema.sql.
type CreateItemRequest struct {
	ID                string           `json:"id" validate:"required,max=64"`
	TrackInventory    bool             `json:"track_inventory"`
	Inventory         domain.Inventory `json:"inventory" validate:"omitempty,dive,gte=0"`
	LowStockThreshold *int             `json:"low_stock_threshold" validate:"omitempty,gte=0"`
}

// MovementRequest is the body of both deduct and restore.
type MovementRequest struct {
	ItemID   string `json:"item_id" validate:"required,max=64"`
	Quantity int    `json:"quantity" validate:"gt=0"`
	OrderID  string `json:"order_id" validate:"max=64"`
	Reason   string `json:"reason" validate:"max=255"`
}

type SetStockRequest struct {
	ItemID     string            `json:"item_id" validate:"required,max=64"`
	BundleSize domain.BundleSize `json:"bundle_size" validate:"gt=0"`
	Quantity   int               `json:"quantity" validate:"gte=0"`
	ChangedBy  string            `json:"changed_by" validate:"required,max=64"`
	Reason     string            `json:"reason" validate:"max=255"`
}

type InitializeRequest struct {
	ItemID      string              `json:"item_id" validate:"required,max=64"`
	BundleSizes []domain.BundleSize `json:"bundle_sizes" validate:"omitempty,dive,gt=0"`
}

type TrackingRequest struct {
	ItemID      string              `json:"item_id" validate:"required,max=64"`
	Enabled     *bool               `json:"enabled" validate:"required"`
	BundleSizes []domain.BundleSize `json:"bundle_sizes" validate:"omitempty,dive,gt=0"`
}

// ThresholdRequest clears the threshold when Threshold is null or absent.
type ThresholdRequest struct {
	ItemID    string `json:"item_id" validate:"required,max=64"`
	Threshold *int   `json:"threshold" validate:"omitempty,gte=0"`
}

type CheckStockRequest struct {
	ItemID   string `json:"item_id" validate:"required,max=64"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

type ItemRequest struct {
	ItemID string `json:"item_id" validate:"required,max=64"`
}
