package core_test

import (
	"context"
	"testing"

	"atp-engine/internal/core"

	"github.com/shopspring/decimal"
)

func TestBalance_EnsureLockApplyDelta(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewBalanceService(pool)
	key := core.BalanceKey{CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea"}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := svc.EnsureRow(ctx, tx, key); err != nil {
		t.Fatalf("EnsureRow: %v", err)
	}
	// Second EnsureRow must be a no-op (ON CONFLICT DO NOTHING).
	if err := svc.EnsureRow(ctx, tx, key); err != nil {
		t.Fatalf("EnsureRow (second): %v", err)
	}

	b, err := svc.ApplyDelta(ctx, tx, key, decimal.NewFromInt(100), decimal.NewFromInt(30), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !b.Available().Equal(decimal.NewFromInt(60)) {
		t.Errorf("available = %s, want 60", b.Available())
	}

	locked, err := svc.LockAndRead(ctx, tx, key)
	if err != nil {
		t.Fatalf("LockAndRead: %v", err)
	}
	if !locked.OnHand.Equal(decimal.NewFromInt(100)) {
		t.Errorf("onHand = %s, want 100", locked.OnHand)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestBalance_ApplyDelta_RejectsNegativeReserved(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewBalanceService(pool)
	key := core.BalanceKey{CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea"}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := svc.EnsureRow(ctx, tx, key); err != nil {
		t.Fatalf("EnsureRow: %v", err)
	}
	if _, err := svc.ApplyDelta(ctx, tx, key, decimal.Zero, decimal.NewFromInt(5), decimal.Zero); err != nil {
		t.Fatalf("ApplyDelta (seed reserved): %v", err)
	}

	_, err = svc.ApplyDelta(ctx, tx, key, decimal.Zero, decimal.NewFromInt(-10), decimal.Zero)
	if !core.IsCode(err, core.CodeReservationInvalidQty) {
		t.Fatalf("err = %v, want %s", err, core.CodeReservationInvalidQty)
	}
}

func TestBalance_GetBalance_MissingRow(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewBalanceService(pool)

	_, err := svc.GetBalance(ctx, 1, 501, 1, "ea")
	if !core.IsCode(err, core.CodeBalanceRowMissing) {
		t.Fatalf("err = %v, want %s", err, core.CodeBalanceRowMissing)
	}
}

func TestBalance_ListBalances(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewBalanceService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	keyA := core.BalanceKey{CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea"}
	keyB := core.BalanceKey{CompanyID: 1, ItemID: 502, LocationID: 1, Uom: "ea"}
	for _, key := range []core.BalanceKey{keyA, keyB} {
		if err := svc.EnsureRow(ctx, tx, key); err != nil {
			t.Fatalf("EnsureRow: %v", err)
		}
		if _, err := svc.ApplyDelta(ctx, tx, key, decimal.NewFromInt(5), decimal.Zero, decimal.Zero); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balances, err := svc.ListBalances(ctx, 1)
	if err != nil {
		t.Fatalf("ListBalances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("len(balances) = %d, want 2", len(balances))
	}
}
