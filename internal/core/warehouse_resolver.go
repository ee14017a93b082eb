package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// WarehouseResolver resolves and validates the warehouse scope of a
// reservation line: the location's own warehouse, and where the demand type
// carries one, the demand's warehouse. A single-table resolver shape, one
// query per lookup.
type WarehouseResolver interface {
	// ResolveLocationWarehouse returns the location's warehouse and whether
	// the location is sellable. Fails if the location does not exist.
	ResolveLocationWarehouse(ctx context.Context, q Querier, locationID int) (warehouseID int, sellable bool, err error)
	// ResolveDemandWarehouse returns the warehouse implied by the demand
	// itself, if the demand type carries one (e.g. sales_order_line derives
	// it from the owning sales order). Returns nil when the demand type has
	// no independent warehouse of its own.
	ResolveDemandWarehouse(ctx context.Context, q Querier, demandType string, demandID int) (*int, error)
	// ResolveSalesOrderWarehouse returns the warehouse a sales order was
	// placed against, used by the shipment poster to check for cross-
	// warehouse leakage.
	ResolveSalesOrderWarehouse(ctx context.Context, q Querier, salesOrderID int) (int, error)
}

type warehouseResolver struct{}

// NewWarehouseResolver constructs the default WarehouseResolver.
func NewWarehouseResolver() WarehouseResolver {
	return warehouseResolver{}
}

func (warehouseResolver) ResolveLocationWarehouse(ctx context.Context, q Querier, locationID int) (int, bool, error) {
	var warehouseID int
	var sellable bool
	err := q.QueryRow(ctx, `
		SELECT warehouse_id, sellable FROM locations WHERE id = $1
	`, locationID).Scan(&warehouseID, &sellable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, NewError(CodeWarehouseScopeRequired, fmt.Sprintf("location %d not found", locationID))
		}
		return 0, false, fmt.Errorf("resolve location warehouse: %w", err)
	}
	return warehouseID, sellable, nil
}

func (warehouseResolver) ResolveDemandWarehouse(ctx context.Context, q Querier, demandType string, demandID int) (*int, error) {
	if demandType != "sales_order_line" {
		return nil, nil
	}
	var warehouseID int
	err := q.QueryRow(ctx, `
		SELECT so.warehouse_id
		FROM sales_order_lines sol
		JOIN sales_orders so ON so.id = sol.sales_order_id
		WHERE sol.id = $1
	`, demandID).Scan(&warehouseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewError(CodeWarehouseScopeRequired, fmt.Sprintf("sales order line %d not found", demandID))
		}
		return nil, fmt.Errorf("resolve demand warehouse: %w", err)
	}
	return &warehouseID, nil
}

func (warehouseResolver) ResolveSalesOrderWarehouse(ctx context.Context, q Querier, salesOrderID int) (int, error) {
	var warehouseID int
	err := q.QueryRow(ctx, `SELECT warehouse_id FROM sales_orders WHERE id = $1`, salesOrderID).Scan(&warehouseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, NewError(CodeWarehouseScopeRequired, fmt.Sprintf("sales order %d not found", salesOrderID))
		}
		return 0, fmt.Errorf("resolve sales order warehouse: %w", err)
	}
	return warehouseID, nil
}
