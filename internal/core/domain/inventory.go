package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNonPositiveBundleSize = errors.New("bundle size must be positive")

// DefaultBundleSizes seeds inventory when tracking is enabled without an explicit set.
var DefaultBundleSizes = []BundleSize{1, 50, 100}

// MaxUnits caps the units one item may hold. Larger totals would not survive
// a round trip through a JSON number.
const MaxUnits = 1<<53 - 1

// BundleSize is a denomination: the number of individual units in one bundle.
type BundleSize int

func (b BundleSize) Validate() error {
	if b <= 0 {
		return fmt.Errorf("%w: %d", ErrNonPositiveBundleSize, int(b))
	}
	return nil
}

// Inventory maps a bundle size to the number of bundles held.
// A nil Inventory means the item was never initialized.
type Inventory map[BundleSize]int

// TotalUnits is the sum of size*count over all denominations.
func (inv Inventory) TotalUnits() int {
	total := 0
	for size, count := range inv {
		total += int(size) * count
	}
	return total
}

// WithinLimit reports whether the total stays at or below MaxUnits. It never
// overflows, so it is safe on counts that TotalUnits cannot sum.
func (inv Inventory) WithinLimit() bool {
	total := 0
	for size, count := range inv {
		if count <= 0 || size <= 0 {
			continue
		}
		if count > (MaxUnits-total)/int(size) {
			return false
		}
		total += count * int(size)
	}
	return true
}

// SizesDesc returns the configured sizes, largest first.
func (inv Inventory) SizesDesc() []BundleSize {
	sizes := make([]BundleSize, 0, len(inv))
	for size := range inv {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] > sizes[j] })
	return sizes
}

func (inv Inventory) Clone() Inventory {
	if inv == nil {
		return nil
	}
	out := make(Inventory, len(inv))
	for size, count := range inv {
		out[size] = count
	}
	return out
}

// Equal treats a missing key and a zero count differently, since a
// configured size with zero bundles is still part of the map.
func (inv Inventory) Equal(other Inventory) bool {
	if (inv == nil) != (other == nil) || len(inv) != len(other) {
		return false
	}
	for size, count := range inv {
		c, ok := other[size]
		if !ok || c != count {
			return false
		}
	}
	return true
}

// NewInventory seeds every given size with a zero count.
func NewInventory(sizes []BundleSize) (Inventory, error) {
	inv := make(Inventory, len(sizes))
	for _, size := range sizes {
		if err := size.Validate(); err != nil {
			return nil, err
		}
		inv[size] = 0
	}
	return inv, nil
}

// FormatBundles renders per-size counts as "{50:2, 20:1}", largest size first.
func FormatBundles(counts map[BundleSize]int) string {
	sizes := Inventory(counts).SizesDesc()
	parts := make([]string, 0, len(sizes))
	for _, size := range sizes {
		parts = append(parts, fmt.Sprintf("%d:%d", int(size), counts[size]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// StockItem is the inventory-tracked facet of a catalog item.
type StockItem struct {
	ID                string
	TrackInventory    bool
	Inventory         Inventory
	LowStockThreshold *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s StockItem) TotalUnits() int {
	return s.Inventory.TotalUnits()
}

// Tracked reports whether mutations apply to this item at all.
func (s StockItem) Tracked() bool {
	return s.TrackInventory && s.Inventory != nil
}

// IsLow is false for untracked, uninitialized or threshold-less items.
func (s StockItem) IsLow() bool {
	if !s.Tracked() || s.LowStockThreshold == nil {
		return false
	}
	return s.TotalUnits() <= *s.LowStockThreshold
}

func (s StockItem) Clone() StockItem {
	out := s
	out.Inventory = s.Inventory.Clone()
	if s.LowStockThreshold != nil {
		t := *s.LowStockThreshold
		out.LowStockThreshold = &t
	}
	return out
}

// SameState compares the mutable fields persisted by the ledger.
func (s StockItem) SameState(other StockItem) bool {
	if s.TrackInventory != other.TrackInventory || !s.Inventory.Equal(other.Inventory) {
		return false
	}
	if (s.LowStockThreshold == nil) != (other.LowStockThreshold == nil) {
		return false
	}
	return s.LowStockThreshold == nil || *s.LowStockThreshold == *other.LowStockThreshold
}
