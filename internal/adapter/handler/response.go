package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/core/service"
	"github.com/rl1809/bundle-ledger/internal/port"
)

// Response is the envelope shared by the HTTP and gRPC transports.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ItemView struct {
	ID                string           `json:"id"`
	TrackInventory    bool             `json:"track_inventory"`
	Inventory         domain.Inventory `json:"inventory"`
	TotalUnits        int              `json:"total_units"`
	LowStockThreshold *int             `json:"low_stock_threshold"`
	IsLow             bool             `json:"is_low"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type MovementView struct {
	ID                 string                    `json:"id"`
	StockItemID        string                    `json:"stock_item_id"`
	QuantityChange     int                       `json:"quantity_change"`
	QuantityAfter      int                       `json:"quantity_after"`
	Kind               domain.MovementKind       `json:"kind"`
	Reason             string                    `json:"reason"`
	OrderID            *string                   `json:"order_id,omitempty"`
	ChangedBy          *string                   `json:"changed_by,omitempty"`
	DenominationDeltas map[domain.BundleSize]int `json:"denomination_deltas,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
}

func newItemView(item domain.StockItem) ItemView {
	return ItemView{
		ID:                item.ID,
		TrackInventory:    item.TrackInventory,
		Inventory:         item.Inventory,
		TotalUnits:        item.TotalUnits(),
		LowStockThreshold: item.LowStockThreshold,
		IsLow:             item.IsLow(),
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
	}
}

func newItemViews(items []domain.StockItem) []ItemView {
	views := make([]ItemView, 0, len(items))
	for _, item := range items {
		views = append(views, newItemView(item))
	}
	return views
}

func newMovementViews(movements []domain.MovementRecord) []MovementView {
	views := make([]MovementView, 0, len(movements))
	for _, mv := range movements {
		views = append(views, MovementView(mv))
	}
	return views
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{port.ErrItemNotFound, http.StatusNotFound, "not_found"},
	{port.ErrItemExists, http.StatusConflict, "already_exists"},
	{service.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
	{service.ErrInsufficientStock, http.StatusConflict, "insufficient_stock"},
	{service.ErrTrackingDisabled, http.StatusUnprocessableEntity, "tracking_disabled"},
	{service.ErrNotInitialized, http.StatusUnprocessableEntity, "not_initialized"},
	{service.ErrUndecomposableQuantity, http.StatusUnprocessableEntity, "undecomposable_quantity"},
	{service.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{service.ErrInvalidBundleSize, http.StatusBadRequest, "invalid_bundle_size"},
	{service.ErrInvalidThreshold, http.StatusBadRequest, "invalid_threshold"},
	{service.ErrChangedByRequired, http.StatusBadRequest, "changed_by_required"},
	{service.ErrItemIDRequired, http.StatusBadRequest, "item_id_required"},
}

// classify maps an engine error to an HTTP status and a stable code. Unknown
// errors are reported as internal without leaking their text.
func classify(err error) (int, Response) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, Response{Message: err.Error(), Code: m.code}
		}
	}
	return http.StatusInternalServerError, Response{Message: "internal error", Code: "internal"}
}
