package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/bundle-ledger/internal/config"
	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/port"
)

var (
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrTrackingDisabled       = errors.New("inventory tracking is disabled")
	ErrNotInitialized         = errors.New("inventory not initialized")
	ErrUndecomposableQuantity = errors.New("quantity does not fit configured bundle sizes")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInvalidBundleSize      = errors.New("invalid bundle size")
	ErrInvalidThreshold       = errors.New("low stock threshold cannot be negative")
	ErrChangedByRequired      = errors.New("changed by is required")
	ErrDuplicateRequest       = errors.New("duplicate request")
	ErrItemIDRequired         = errors.New("item id is required")
)

const (
	ReasonManualAdjustment = "Manual adjustment"
	ReasonInitialized      = "Inventory initialized"
	ReasonOpeningStock     = "Opening stock"

	moduleName = "LedgerService"
)

// MovementMeta carries the optional correlation data of an order-driven movement.
type MovementMeta struct {
	OrderID string
	Reason  string
}

type Option func(*LedgerService)

func WithIdempotency(repo port.IdempotencyRepository) Option {
	return func(s *LedgerService) { s.idempotency = repo }
}

func WithPublisher(p port.EventPublisher) Option {
	return func(s *LedgerService) { s.publisher = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *LedgerService) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

// WithDefaultBundleSizes overrides the sizes used when initialization is
// requested without an explicit set.
func WithDefaultBundleSizes(sizes []domain.BundleSize) Option {
	return func(s *LedgerService) { s.bundleSizes = sizes }
}

// LedgerService owns every write to StockItem inventory and every movement record.
type LedgerService struct {
	repo        port.StockRepository
	idempotency port.IdempotencyRepository
	publisher   port.EventPublisher
	logger      logrus.FieldLogger
	now         func() time.Time
	bundleSizes []domain.BundleSize
	tracer      trace.Tracer
}

func NewLedgerService(repo port.StockRepository, opts ...Option) *LedgerService {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	s := &LedgerService{
		repo:        repo,
		logger:      quiet,
		now:         time.Now,
		bundleSizes: domain.DefaultBundleSizes,
		tracer:      otel.Tracer("github.com/rl1809/bundle-ledger/internal/core/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateItem registers an item. Bundles it already holds are recorded as an
// opening addition in the same write, so the ledger replays from zero.
func (s *LedgerService) CreateItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "CreateItem", item.ID)
	defer span.End()

	if item.ID == "" {
		return nil, s.fail(span, ErrItemIDRequired)
	}
	if item.LowStockThreshold != nil && *item.LowStockThreshold < 0 {
		return nil, s.fail(span, ErrInvalidThreshold)
	}
	for size, count := range item.Inventory {
		if err := size.Validate(); err != nil {
			return nil, s.fail(span, fmt.Errorf("%w: %v", ErrInvalidBundleSize, err))
		}
		if count < 0 {
			return nil, s.fail(span, fmt.Errorf("%w: %d bundles of %d", ErrInvalidQuantity, count, int(size)))
		}
	}
	if !item.Inventory.WithinLimit() {
		return nil, s.fail(span, fmt.Errorf("%w: more than %d units", ErrInvalidQuantity, domain.MaxUnits))
	}

	now := s.now().UTC()
	item = item.Clone()
	item.CreatedAt = now
	item.UpdatedAt = now

	var opening *domain.MovementRecord
	if total := item.TotalUnits(); total > 0 {
		deltas := make(map[domain.BundleSize]int)
		for size, count := range item.Inventory {
			if count != 0 {
				deltas[size] = count
			}
		}
		opening = s.newMovement(item, total, deltas, ReasonOpeningStock, "", "")
	}
	if err := s.repo.CreateItem(ctx, item, opening); err != nil {
		return nil, s.fail(span, err)
	}

	if opening != nil {
		s.publishMovement(ctx, *opening)
	}
	return &item, nil
}

func (s *LedgerService) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	return s.repo.GetItem(ctx, itemID)
}

func (s *LedgerService) ListMovements(ctx context.Context, itemID string) ([]domain.MovementRecord, error) {
	return s.repo.ListMovements(ctx, itemID)
}

// DeductStock removes quantity units for a placed order. Untracked items are
// returned unchanged. Either the whole quantity is taken or nothing is.
func (s *LedgerService) DeductStock(ctx context.Context, itemID string, quantity int, meta MovementMeta) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "DeductStock", itemID, attribute.Int("quantity", quantity))
	defer span.End()

	if quantity <= 0 {
		return nil, s.fail(span, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity))
	}

	release, err := s.claim(ctx, "deduct", meta.OrderID, itemID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	var before domain.StockItem
	var movement *domain.MovementRecord
	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		before = item.Clone()
		if !item.Tracked() {
			return nil, nil
		}

		alloc, err := domain.PlanDeduction(ctx, item.Inventory, quantity)
		if err != nil {
			return nil, err
		}
		if !alloc.Exact() {
			return nil, fmt.Errorf("%w: requested %d, holding %d as %s",
				ErrInsufficientStock, quantity, item.TotalUnits(), domain.FormatBundles(item.Inventory))
		}

		item.Inventory = alloc.Apply(item.Inventory, -1)
		movement = s.newMovement(*item, -quantity, alloc.Deltas(-1),
			reasonOr(meta.Reason, "Deducted: "+domain.FormatBundles(alloc.Bundles)), meta.OrderID, "")
		return movement, nil
	})
	if err != nil {
		release(ctx)
		s.logFailure("DeductStock", itemID, quantity, err)
		return nil, s.fail(span, err)
	}

	s.afterCommit(ctx, before, *item, movement)
	return item, nil
}

// RestoreStock adds quantity units back, e.g. when an order is cancelled
// before shipment. Units are placed into configured sizes largest first, with
// the same exact-sum search deductions use, so anything DeductStock took can
// be put back. A quantity that cannot be placed exactly is rejected.
func (s *LedgerService) RestoreStock(ctx context.Context, itemID string, quantity int, meta MovementMeta) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "RestoreStock", itemID, attribute.Int("quantity", quantity))
	defer span.End()

	if quantity <= 0 {
		return nil, s.fail(span, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity))
	}

	release, err := s.claim(ctx, "restore", meta.OrderID, itemID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	var before domain.StockItem
	var movement *domain.MovementRecord
	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		before = item.Clone()
		if !item.Tracked() {
			return nil, nil
		}

		if quantity > domain.MaxUnits-item.TotalUnits() {
			return nil, fmt.Errorf("%w: restoring %d would exceed %d units", ErrInvalidQuantity, quantity, domain.MaxUnits)
		}

		alloc, err := domain.PlanRestoration(ctx, item.Inventory, quantity)
		if err != nil {
			return nil, err
		}
		if !alloc.Exact() {
			return nil, fmt.Errorf("%w: %d units left over after placing %d into %v",
				ErrUndecomposableQuantity, alloc.Remaining, quantity, item.Inventory.SizesDesc())
		}

		item.Inventory = alloc.Apply(item.Inventory, 1)
		movement = s.newMovement(*item, quantity, alloc.Deltas(1),
			reasonOr(meta.Reason, "Restored: "+domain.FormatBundles(alloc.Bundles)), meta.OrderID, "")
		return movement, nil
	})
	if err != nil {
		release(ctx)
		s.logFailure("RestoreStock", itemID, quantity, err)
		return nil, s.fail(span, err)
	}

	s.afterCommit(ctx, before, *item, movement)
	return item, nil
}

// SetStock overwrites the bundle count of one size. The size does not need to
// be configured yet.
func (s *LedgerService) SetStock(ctx context.Context, itemID string, size domain.BundleSize, newQuantity int, changedBy, reason string) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "SetStock", itemID,
		attribute.Int("bundle_size", int(size)), attribute.Int("quantity", newQuantity))
	defer span.End()

	if err := size.Validate(); err != nil {
		return nil, s.fail(span, fmt.Errorf("%w: %v", ErrInvalidBundleSize, err))
	}
	if newQuantity < 0 || newQuantity > domain.MaxUnits/int(size) {
		return nil, s.fail(span, fmt.Errorf("%w: %d", ErrInvalidQuantity, newQuantity))
	}
	if changedBy == "" {
		return nil, s.fail(span, ErrChangedByRequired)
	}

	var before domain.StockItem
	var movement *domain.MovementRecord
	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		before = item.Clone()
		if !item.TrackInventory {
			return nil, ErrTrackingDisabled
		}
		if item.Inventory == nil {
			return nil, ErrNotInitialized
		}

		delta := newQuantity - item.Inventory[size]
		item.Inventory[size] = newQuantity
		if !item.Inventory.WithinLimit() {
			return nil, fmt.Errorf("%w: %d bundles of %d would exceed %d units",
				ErrInvalidQuantity, newQuantity, int(size), domain.MaxUnits)
		}
		movement = s.newMovement(*item, delta*int(size), map[domain.BundleSize]int{size: delta},
			reasonOr(reason, ReasonManualAdjustment), "", changedBy)
		return movement, nil
	})
	if err != nil {
		s.logFailure("SetStock", itemID, newQuantity, err)
		return nil, s.fail(span, err)
	}

	s.afterCommit(ctx, before, *item, movement)
	return item, nil
}

// CheckStock reports whether required units are available. Untracked items
// have unlimited stock.
func (s *LedgerService) CheckStock(ctx context.Context, itemID string, required int) (bool, error) {
	ctx, span := s.start(ctx, "CheckStock", itemID, attribute.Int("quantity", required))
	defer span.End()

	if required < 0 {
		return false, s.fail(span, fmt.Errorf("%w: %d", ErrInvalidQuantity, required))
	}
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return false, s.fail(span, err)
	}
	if !item.TrackInventory {
		return true, nil
	}
	return item.TotalUnits() >= required, nil
}

func (s *LedgerService) IsLowStock(ctx context.Context, itemID string) (bool, error) {
	ctx, span := s.start(ctx, "IsLowStock", itemID)
	defer span.End()

	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return false, s.fail(span, err)
	}
	return item.IsLow(), nil
}

// GetLowStockItems loads every tracked item with a threshold and keeps those
// at or below it, ordered by ID.
func (s *LedgerService) GetLowStockItems(ctx context.Context) ([]domain.StockItem, error) {
	ctx, span := s.tracer.Start(ctx, moduleName+".GetLowStockItems")
	defer span.End()

	candidates, err := s.repo.ListThresholdItems(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}

	low := make([]domain.StockItem, 0, len(candidates))
	for _, item := range candidates {
		if item.IsLow() {
			low = append(low, item)
		}
	}
	sort.Slice(low, func(i, j int) bool { return low[i].ID < low[j].ID })
	span.SetAttributes(attribute.Int("low_stock.count", len(low)))
	return low, nil
}

// InitializeInventory replaces the whole inventory map with zero counts for
// sizes (the configured default set when empty). It leaves the tracking flag
// alone. Units held before are written off in the ledger so the latest
// movement still matches the item total.
func (s *LedgerService) InitializeInventory(ctx context.Context, itemID string, sizes []domain.BundleSize) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "InitializeInventory", itemID)
	defer span.End()

	inv, err := s.seed(sizes)
	if err != nil {
		return nil, s.fail(span, err)
	}

	var before domain.StockItem
	var movement *domain.MovementRecord
	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		before = item.Clone()
		prior := item.Inventory
		item.Inventory = inv.Clone()
		if prior.TotalUnits() == 0 {
			return nil, nil
		}

		deltas := make(map[domain.BundleSize]int)
		for size, count := range prior {
			if count != 0 {
				deltas[size] = -count
			}
		}
		movement = s.newMovement(*item, -prior.TotalUnits(), deltas, ReasonInitialized, "", "")
		return movement, nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	s.afterCommit(ctx, before, *item, movement)
	return item, nil
}

// EnableTracking turns tracking on and seeds the inventory map if the item
// has none yet. An existing map is kept as is.
func (s *LedgerService) EnableTracking(ctx context.Context, itemID string, sizes []domain.BundleSize) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "EnableTracking", itemID)
	defer span.End()

	inv, err := s.seed(sizes)
	if err != nil {
		return nil, s.fail(span, err)
	}

	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		item.TrackInventory = true
		if item.Inventory == nil {
			item.Inventory = inv
		}
		return nil, nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	return item, nil
}

// DisableTracking turns tracking off; the inventory map is retained.
func (s *LedgerService) DisableTracking(ctx context.Context, itemID string) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "DisableTracking", itemID)
	defer span.End()

	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		item.TrackInventory = false
		return nil, nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	return item, nil
}

// SetLowStockThreshold sets the threshold, or clears it when threshold is nil.
func (s *LedgerService) SetLowStockThreshold(ctx context.Context, itemID string, threshold *int) (*domain.StockItem, error) {
	ctx, span := s.start(ctx, "SetLowStockThreshold", itemID)
	defer span.End()

	if threshold != nil && *threshold < 0 {
		return nil, s.fail(span, ErrInvalidThreshold)
	}

	var before domain.StockItem
	item, err := s.repo.UpdateItem(ctx, itemID, func(item *domain.StockItem) (*domain.MovementRecord, error) {
		before = item.Clone()
		item.LowStockThreshold = nil
		if threshold != nil {
			t := *threshold
			item.LowStockThreshold = &t
		}
		return nil, nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	s.afterCommit(ctx, before, *item, nil)
	return item, nil
}

func (s *LedgerService) seed(sizes []domain.BundleSize) (domain.Inventory, error) {
	if len(sizes) == 0 {
		sizes = s.bundleSizes
	}
	inv, err := domain.NewInventory(sizes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundleSize, err)
	}
	return inv, nil
}

func (s *LedgerService) newMovement(item domain.StockItem, change int, deltas map[domain.BundleSize]int, reason, orderID, changedBy string) *domain.MovementRecord {
	return &domain.MovementRecord{
		ID:                 uuid.NewString(),
		StockItemID:        item.ID,
		QuantityChange:     change,
		QuantityAfter:      item.TotalUnits(),
		Kind:               domain.KindFor(change),
		Reason:             reason,
		OrderID:            optional(orderID),
		ChangedBy:          optional(changedBy),
		DenominationDeltas: deltas,
		CreatedAt:          s.now().UTC(),
	}
}

// claim reserves an order-scoped idempotency key. The returned func releases
// it again and is a no-op when nothing was claimed.
func (s *LedgerService) claim(ctx context.Context, op, orderID, itemID string) (func(context.Context), error) {
	noop := func(context.Context) {}
	if s.idempotency == nil || orderID == "" {
		return noop, nil
	}

	key := fmt.Sprintf("%s:%s:%s", op, orderID, itemID)
	ok, err := s.idempotency.SetIdempotency(ctx, key)
	if err != nil {
		return noop, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return noop, ErrDuplicateRequest
	}

	return func(ctx context.Context) {
		if err := s.idempotency.ReleaseIdempotency(ctx, key); err != nil {
			config.LogError(s.logger, moduleName, "claim", "release idempotency key", key, err)
		}
	}, nil
}

func (s *LedgerService) afterCommit(ctx context.Context, before, after domain.StockItem, movement *domain.MovementRecord) {
	if movement != nil {
		s.publishMovement(ctx, *movement)
	}
	if before.IsLow() || !after.IsLow() {
		return
	}

	alert := domain.LowStockAlert{
		StockItemID: after.ID,
		TotalUnits:  after.TotalUnits(),
		Threshold:   *after.LowStockThreshold,
		AlertedAt:   s.now().UTC(),
	}
	s.logger.WithFields(logrus.Fields{
		"stock_item_id": alert.StockItemID,
		"total_units":   alert.TotalUnits,
		"threshold":     alert.Threshold,
	}).Warn("stock item at or below low stock threshold")

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishLowStock(ctx, alert); err != nil {
		config.LogError(s.logger, moduleName, "afterCommit", "publish low stock alert", alert.StockItemID, err)
	}
}

func (s *LedgerService) publishMovement(ctx context.Context, movement domain.MovementRecord) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishMovement(ctx, movement); err != nil {
		config.LogError(s.logger, moduleName, "publishMovement", "publish movement", movement.ID, err)
	}
}

// logFailure keeps caller-correctable rejections at warn level.
func (s *LedgerService) logFailure(funcName, itemID string, quantity int, err error) {
	fields := logrus.Fields{"stock_item_id": itemID, "quantity": quantity}
	if IsRejection(err) || errors.Is(err, port.ErrItemNotFound) {
		s.logger.WithFields(fields).Warn(funcName + ": " + err.Error())
		return
	}
	config.LogError(s.logger, moduleName, funcName, "update stock item", fields, err)
}

func (s *LedgerService) start(ctx context.Context, op, itemID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("stock_item.id", itemID))
	return s.tracer.Start(ctx, moduleName+"."+op, trace.WithAttributes(attrs...))
}

func (s *LedgerService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// IsRejection reports whether err is a business-rule rejection the caller can
// act on, as opposed to an infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInsufficientStock, ErrTrackingDisabled, ErrNotInitialized, ErrUndecomposableQuantity,
		ErrInvalidQuantity, ErrInvalidBundleSize, ErrInvalidThreshold, ErrChangedByRequired,
		ErrDuplicateRequest, ErrItemIDRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
