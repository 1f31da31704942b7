package domain

import "time"

type MovementKind string

const (
	MovementDeduction MovementKind = "deduction"
	MovementAddition  MovementKind = "addition"
)

// KindFor classifies a signed unit change; zero counts as an addition.
func KindFor(change int) MovementKind {
	if change < 0 {
		return MovementDeduction
	}
	return MovementAddition
}

// MovementRecord is one append-only row of the stock ledger.
type MovementRecord struct {
	ID                 string
	StockItemID        string
	QuantityChange     int
	QuantityAfter      int
	Kind               MovementKind
	Reason             string
	OrderID            *string
	ChangedBy          *string
	DenominationDeltas map[BundleSize]int
	CreatedAt          time.Time
}

// LowStockAlert is raised when a mutation takes an item to or below its threshold.
type LowStockAlert struct {
	StockItemID string
	TotalUnits  int
	Threshold   int
	AlertedAt   time.Time
}
