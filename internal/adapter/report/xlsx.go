package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
)

const (
	LowStockSheet = "Low Stock"
	ContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var lowStockHeadings = []any{"Item ID", "Total Units", "Threshold", "Bundles", "Updated At"}

// WriteLowStockXLSX writes one row per item below a heading row.
func WriteLowStockXLSX(w io.Writer, items []domain.StockItem) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", LowStockSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(LowStockSheet, "A1", &lowStockHeadings); err != nil {
		return fmt.Errorf("write headings: %w", err)
	}

	for i, item := range items {
		threshold := 0
		if item.LowStockThreshold != nil {
			threshold = *item.LowStockThreshold
		}
		row := []any{
			item.ID,
			item.TotalUnits(),
			threshold,
			domain.FormatBundles(item.Inventory),
			item.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(LowStockSheet, "A"+fmt.Sprint(i+2), &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
