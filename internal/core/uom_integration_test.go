package core_test

import (
	"context"
	"testing"

	"atp-engine/internal/core"

	"github.com/shopspring/decimal"
)

func TestUom_ConvertToCanonical(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	conv := core.NewUomConverter()

	t.Run("already canonical is a no-op conversion", func(t *testing.T) {
		q, err := conv.ConvertToCanonical(ctx, pool, 1, 501, decimal.NewFromInt(10), "ea")
		if err != nil {
			t.Fatalf("ConvertToCanonical: %v", err)
		}
		if !q.Qty.Equal(decimal.NewFromInt(10)) {
			t.Errorf("qty = %s, want 10", q.Qty)
		}
		if q.CanonicalUom != "ea" {
			t.Errorf("canonicalUom = %q, want ea", q.CanonicalUom)
		}
	})

	t.Run("case converts to the item's canonical each", func(t *testing.T) {
		q, err := conv.ConvertToCanonical(ctx, pool, 1, 501, decimal.NewFromInt(2), "case")
		if err != nil {
			t.Fatalf("ConvertToCanonical: %v", err)
		}
		if !q.Qty.Equal(decimal.NewFromInt(48)) {
			t.Errorf("qty = %s, want 48", q.Qty)
		}
	})

	t.Run("g converts to item 503's canonical kg", func(t *testing.T) {
		q, err := conv.ConvertToCanonical(ctx, pool, 1, 503, decimal.NewFromInt(5), "g")
		if err != nil {
			t.Fatalf("ConvertToCanonical: %v", err)
		}
		want := decimal.NewFromFloat(0.005)
		if !q.Qty.Equal(want) {
			t.Errorf("qty = %s, want %s", q.Qty, want)
		}
	})

	t.Run("unknown item has no canonical uom configured", func(t *testing.T) {
		_, err := conv.ConvertToCanonical(ctx, pool, 1, 999999, decimal.NewFromInt(1), "ea")
		if !core.IsCode(err, core.CodeItemCanonicalUomMissing) {
			t.Fatalf("err = %v, want %s", err, core.CodeItemCanonicalUomMissing)
		}
	})

	t.Run("mass uom is not convertible to a count-dimension item", func(t *testing.T) {
		_, err := conv.ConvertToCanonical(ctx, pool, 1, 501, decimal.NewFromInt(1), "kg")
		if !core.IsCode(err, core.CodeUomDimensionMismatch) {
			t.Fatalf("err = %v, want %s", err, core.CodeUomDimensionMismatch)
		}
	})
}

func TestUom_MovementFields(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	conv := core.NewUomConverter()

	fields, err := conv.MovementFields(ctx, pool, 1, 501, decimal.NewFromInt(1), "case")
	if err != nil {
		t.Fatalf("MovementFields: %v", err)
	}
	if !fields.QtyEntered.Equal(decimal.NewFromInt(1)) || fields.UomEntered != "case" {
		t.Errorf("entered fields = (%s, %s), want (1, case)", fields.QtyEntered, fields.UomEntered)
	}
	if !fields.QtyCanonical.Equal(decimal.NewFromInt(24)) || fields.CanonicalUom != "ea" {
		t.Errorf("canonical fields = (%s, %s), want (24, ea)", fields.QtyCanonical, fields.CanonicalUom)
	}
}
