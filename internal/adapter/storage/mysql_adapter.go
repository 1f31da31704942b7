package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/port"
)

//go:embed schema.sql
var schema string

const mysqlDuplicateEntry = 1062

const selectItem = `
	SELECT id, track_inventory, inventory, low_stock_threshold, created_at, updated_at
	FROM stock_items`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateItem inserts the item row and its opening movement in one transaction.
func (m *MySQLAdapter) CreateItem(ctx context.Context, item domain.StockItem, opening *domain.MovementRecord) error {
	inv, err := marshalInventory(item.Inventory)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_items (id, track_inventory, inventory, low_stock_threshold, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		item.ID, item.TrackInventory, inv, nullableInt(item.LowStockThreshold),
		item.CreatedAt, item.UpdatedAt,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return port.ErrItemExists
	}
	if err != nil {
		return fmt.Errorf("insert stock item: %w", err)
	}

	if opening != nil {
		if err := insertMovement(ctx, tx, *opening); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	item, err := scanItem(m.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stock item: %w", err)
	}
	return item, nil
}

// UpdateItem holds a row lock on the item (SELECT ... FOR UPDATE) from the
// read until commit, so concurrent mutations of one item run one at a time.
func (m *MySQLAdapter) UpdateItem(ctx context.Context, itemID string, fn port.MutateFunc) (*domain.StockItem, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanItem(tx.QueryRowContext(ctx, selectItem+` WHERE id = ? FOR UPDATE`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock stock item: %w", err)
	}

	working := current.Clone()
	movement, err := fn(&working)
	if err != nil {
		return nil, err
	}

	if !working.SameState(*current) {
		working.UpdatedAt = time.Now().UTC()
		inv, err := marshalInventory(working.Inventory)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE stock_items
			SET track_inventory = ?, inventory = ?, low_stock_threshold = ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			working.TrackInventory, inv, nullableInt(working.LowStockThreshold), working.UpdatedAt, itemID,
		)
		if err != nil {
			return nil, fmt.Errorf("update stock item: %w", err)
		}
	}

	if movement != nil {
		if err := insertMovement(ctx, tx, *movement); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &working, nil
}

func (m *MySQLAdapter) ListThresholdItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := m.db.QueryContext(ctx, selectItem+`
		WHERE track_inventory = 1 AND inventory IS NOT NULL AND low_stock_threshold IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query threshold items: %w", err)
	}
	defer rows.Close()

	var items []domain.StockItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) ListMovements(ctx context.Context, itemID string) ([]domain.MovementRecord, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM stock_items WHERE id = ?`, itemID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stock item: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, stock_item_id, quantity_change, quantity_after, kind, reason,
		       order_id, changed_by, denomination_deltas, created_at
		FROM stock_movements WHERE stock_item_id = ? ORDER BY seq`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	movements := []domain.MovementRecord{}
	for rows.Next() {
		var mv domain.MovementRecord
		var kind string
		var orderID, changedBy sql.NullString
		var deltas []byte
		if err := rows.Scan(&mv.ID, &mv.StockItemID, &mv.QuantityChange, &mv.QuantityAfter, &kind,
			&mv.Reason, &orderID, &changedBy, &deltas, &mv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		mv.Kind = domain.MovementKind(kind)
		mv.OrderID = fromNullString(orderID)
		mv.ChangedBy = fromNullString(changedBy)
		if len(deltas) > 0 {
			if err := json.Unmarshal(deltas, &mv.DenominationDeltas); err != nil {
				return nil, fmt.Errorf("decode denomination deltas: %w", err)
			}
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func insertMovement(ctx context.Context, tx *sql.Tx, mv domain.MovementRecord) error {
	deltas, err := json.Marshal(mv.DenominationDeltas)
	if err != nil {
		return fmt.Errorf("encode denomination deltas: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, stock_item_id, quantity_change, quantity_after, kind, reason,
		                             order_id, changed_by, denomination_deltas, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.StockItemID, mv.QuantityChange, mv.QuantityAfter, string(mv.Kind), mv.Reason,
		nullableString(mv.OrderID), nullableString(mv.ChangedBy), string(deltas), mv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.StockItem, error) {
	var item domain.StockItem
	var inv []byte
	var threshold sql.NullInt64
	if err := row.Scan(&item.ID, &item.TrackInventory, &inv, &threshold, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if inv != nil {
		if err := json.Unmarshal(inv, &item.Inventory); err != nil {
			return nil, fmt.Errorf("decode inventory: %w", err)
		}
		if item.Inventory == nil {
			item.Inventory = domain.Inventory{}
		}
	}
	if threshold.Valid {
		t := int(threshold.Int64)
		item.LowStockThreshold = &t
	}
	return &item, nil
}

// marshalInventory stores an absent map as SQL NULL. JSON columns reject
// binary-charset parameters, hence the string conversion.
func marshalInventory(inv domain.Inventory) (any, error) {
	if inv == nil {
		return nil, nil
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode inventory: %w", err)
	}
	return string(raw), nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
