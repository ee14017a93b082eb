package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// BalanceService is the InventoryBalance store, built on a lock-then-update
// idiom (`SELECT ... FOR UPDATE` then `UPDATE ... SET qty = qty + $delta`)
// generalized from a single qty_reserved counter to a three-counter
// (on_hand, reserved, allocated) model.
type BalanceService interface {
	// EnsureRow idempotently inserts a zero-counter row for key.
	EnsureRow(ctx context.Context, q Querier, key BalanceKey) error
	// LockAndRead locks the row FOR UPDATE and returns it. Fails
	// CodeBalanceRowMissing if absent even after EnsureRow (should not
	// happen for a caller that always ensures first).
	LockAndRead(ctx context.Context, tx pgx.Tx, key BalanceKey) (InventoryBalance, error)
	// ApplyDelta reads with lock, computes next values, rejects if reserved
	// or allocated would go meaningfully negative, clamps to zero on write,
	// and stamps updated_at. A no-op when all deltas are within Epsilon.
	ApplyDelta(ctx context.Context, tx pgx.Tx, key BalanceKey, deltaOnHand, deltaReserved, deltaAllocated decimal.Decimal) (InventoryBalance, error)

	// GetBalance is a read-only, unlocked lookup for the HTTP/CLI stock-level
	// read path. Never used inside the write protocol.
	GetBalance(ctx context.Context, companyID, itemID, locationID int, uom string) (InventoryBalance, error)
	ListBalances(ctx context.Context, companyID int) ([]InventoryBalance, error)

	// SumAvailableForWarehouse is a read-only, unlocked sum of available
	// quantity (on_hand - reserved - allocated) across every location in
	// warehouseID, the backing load for ATPCache.Get. Never used inside the
	// write protocol.
	SumAvailableForWarehouse(ctx context.Context, companyID, warehouseID, itemID int, uom string) (decimal.Decimal, error)
}

type balanceService struct {
	pool *pgxpool.Pool
}

// NewBalanceService constructs the default BalanceService.
func NewBalanceService(pool *pgxpool.Pool) BalanceService {
	return &balanceService{pool: pool}
}

func (s *balanceService) EnsureRow(ctx context.Context, q Querier, key BalanceKey) error {
	_, err := q.Exec(ctx, `
		INSERT INTO inventory_balance (company_id, item_id, location_id, uom, on_hand, reserved, allocated, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, NOW())
		ON CONFLICT (company_id, item_id, location_id, uom) DO NOTHING
	`, key.CompanyID, key.ItemID, key.LocationID, key.Uom)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

func (s *balanceService) LockAndRead(ctx context.Context, tx pgx.Tx, key BalanceKey) (InventoryBalance, error) {
	var b InventoryBalance
	err := tx.QueryRow(ctx, `
		SELECT id, company_id, item_id, location_id, uom, on_hand, reserved, allocated, updated_at
		FROM inventory_balance
		WHERE company_id = $1 AND item_id = $2 AND location_id = $3 AND uom = $4
		FOR UPDATE
	`, key.CompanyID, key.ItemID, key.LocationID, key.Uom).Scan(
		&b.ID, &b.CompanyID, &b.ItemID, &b.LocationID, &b.Uom, &b.OnHand, &b.Reserved, &b.Allocated, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryBalance{}, NewError(CodeBalanceRowMissing, fmt.Sprintf("no balance row for item %d at location %d uom %s", key.ItemID, key.LocationID, key.Uom))
		}
		return InventoryBalance{}, fmt.Errorf("lock balance row: %w", err)
	}
	return b, nil
}

func (s *balanceService) ApplyDelta(ctx context.Context, tx pgx.Tx, key BalanceKey, deltaOnHand, deltaReserved, deltaAllocated decimal.Decimal) (InventoryBalance, error) {
	if isZeroish(deltaOnHand) && isZeroish(deltaReserved) && isZeroish(deltaAllocated) {
		return s.LockAndRead(ctx, tx, key)
	}

	current, err := s.LockAndRead(ctx, tx, key)
	if err != nil {
		return InventoryBalance{}, err
	}

	nextOnHand := roundQuantity(current.OnHand.Add(deltaOnHand))
	nextReserved := roundQuantity(current.Reserved.Add(deltaReserved))
	nextAllocated := roundQuantity(current.Allocated.Add(deltaAllocated))

	if nextReserved.LessThan(decimal.Zero) && !isZeroish(nextReserved) {
		return InventoryBalance{}, NewError(CodeReservationInvalidQty, fmt.Sprintf("delta would drive reserved negative: %s", nextReserved))
	}
	if nextAllocated.LessThan(decimal.Zero) && !isZeroish(nextAllocated) {
		return InventoryBalance{}, NewError(CodeReservationInvalidQty, fmt.Sprintf("delta would drive allocated negative: %s", nextAllocated))
	}

	nextOnHand = clampNonNegative(nextOnHand)
	nextReserved = clampNonNegative(nextReserved)
	nextAllocated = clampNonNegative(nextAllocated)

	_, err = tx.Exec(ctx, `
		UPDATE inventory_balance
		SET on_hand = $1, reserved = $2, allocated = $3, updated_at = NOW()
		WHERE id = $4
	`, nextOnHand, nextReserved, nextAllocated, current.ID)
	if err != nil {
		return InventoryBalance{}, fmt.Errorf("apply balance delta: %w", err)
	}

	current.OnHand, current.Reserved, current.Allocated = nextOnHand, nextReserved, nextAllocated
	return current, nil
}

func (s *balanceService) GetBalance(ctx context.Context, companyID, itemID, locationID int, uom string) (InventoryBalance, error) {
	var b InventoryBalance
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, item_id, location_id, uom, on_hand, reserved, allocated, updated_at
		FROM inventory_balance
		WHERE company_id = $1 AND item_id = $2 AND location_id = $3 AND uom = $4
	`, companyID, itemID, locationID, uom).Scan(
		&b.ID, &b.CompanyID, &b.ItemID, &b.LocationID, &b.Uom, &b.OnHand, &b.Reserved, &b.Allocated, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryBalance{}, NewError(CodeBalanceRowMissing, fmt.Sprintf("no balance row for item %d at location %d uom %s", itemID, locationID, uom))
		}
		return InventoryBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (s *balanceService) ListBalances(ctx context.Context, companyID int) ([]InventoryBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, item_id, location_id, uom, on_hand, reserved, allocated, updated_at
		FROM inventory_balance
		WHERE company_id = $1
		ORDER BY item_id, location_id, uom
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []InventoryBalance
	for rows.Next() {
		var b InventoryBalance
		if err := rows.Scan(&b.ID, &b.CompanyID, &b.ItemID, &b.LocationID, &b.Uom, &b.OnHand, &b.Reserved, &b.Allocated, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *balanceService) SumAvailableForWarehouse(ctx context.Context, companyID, warehouseID, itemID int, uom string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(b.on_hand - b.reserved - b.allocated), 0)
		FROM inventory_balance b
		JOIN locations l ON l.id = b.location_id
		WHERE b.company_id = $1 AND l.warehouse_id = $2 AND b.item_id = $3 AND b.uom = $4
	`, companyID, warehouseID, itemID, uom).Scan(&sum)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sum available for warehouse: %w", err)
	}
	return sum, nil
}
