package core_test

import (
	"context"
	"testing"
	"time"

	"atp-engine/internal/core"

	"github.com/shopspring/decimal"
)

func TestCostLayer_CreateAndConsumeFIFO(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewCostLayerService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := svc.CreateCostLayer(ctx, tx, core.CreateCostLayerParams{
		CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea",
		LayerDate: day, OriginalQty: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(2),
		SourceType: core.SourceTypeReceipt, SourceDocumentID: "receipt:1",
	})
	if err != nil {
		t.Fatalf("CreateCostLayer (first): %v", err)
	}
	if first.LayerSequence != 1 {
		t.Errorf("first.LayerSequence = %d, want 1", first.LayerSequence)
	}

	second, err := svc.CreateCostLayer(ctx, tx, core.CreateCostLayerParams{
		CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea",
		LayerDate: day, OriginalQty: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(5),
		SourceType: core.SourceTypeReceipt, SourceDocumentID: "receipt:2",
	})
	if err != nil {
		t.Fatalf("CreateCostLayer (second): %v", err)
	}
	if second.LayerSequence != 2 {
		t.Errorf("second.LayerSequence = %d, want 2", second.LayerSequence)
	}

	// Consume 15: drains the first layer entirely (10 @ 2) and 5 from the
	// second (5 @ 5) — weighted average should be (20+25)/15.
	result, err := svc.ConsumeCostLayers(ctx, tx, 1, 501, 1, decimal.NewFromInt(15), core.MovementTypeIssue, "shipment:1", 1)
	if err != nil {
		t.Fatalf("ConsumeCostLayers: %v", err)
	}
	if len(result.Consumptions) != 2 {
		t.Fatalf("len(Consumptions) = %d, want 2", len(result.Consumptions))
	}
	wantTotal := decimal.NewFromInt(45)
	if !result.TotalCost.Equal(wantTotal) {
		t.Errorf("TotalCost = %s, want %s", result.TotalCost, wantTotal)
	}
	wantAvg := decimal.NewFromInt(45).Div(decimal.NewFromInt(15))
	if !result.WeightedAverageUnitCost.Equal(wantAvg) {
		t.Errorf("WeightedAverageUnitCost = %s, want %s", result.WeightedAverageUnitCost, wantAvg)
	}

	layers, err := svc.GetAvailableLayers(ctx, tx, 1, 501, 1, nil)
	if err != nil {
		t.Fatalf("GetAvailableLayers: %v", err)
	}
	if len(layers) != 1 {
		t.Fatalf("len(layers) = %d, want 1 (first layer fully drained)", len(layers))
	}
	if !layers[0].RemainingQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("remaining layer qty = %s, want 5", layers[0].RemainingQty)
	}
}

func TestCostLayer_CreateReceiptOnce_Idempotent(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewCostLayerService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	params := core.CreateCostLayerParams{
		CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea",
		LayerDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		OriginalQty: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(3),
		SourceType: core.SourceTypeReceipt, SourceDocumentID: "receipt:dup",
	}

	first, err := svc.CreateReceiptCostLayerOnce(ctx, tx, params)
	if err != nil {
		t.Fatalf("CreateReceiptCostLayerOnce (first): %v", err)
	}
	second, err := svc.CreateReceiptCostLayerOnce(ctx, tx, params)
	if err != nil {
		t.Fatalf("CreateReceiptCostLayerOnce (second): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second call created a new layer: first.ID=%d second.ID=%d", first.ID, second.ID)
	}
}

func TestCostLayer_Consume_InsufficientQty(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewCostLayerService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := svc.CreateCostLayer(ctx, tx, core.CreateCostLayerParams{
		CompanyID: 1, ItemID: 501, LocationID: 1, Uom: "ea",
		LayerDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		OriginalQty: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(1),
		SourceType: core.SourceTypeReceipt, SourceDocumentID: "receipt:short",
	}); err != nil {
		t.Fatalf("CreateCostLayer: %v", err)
	}

	_, err = svc.ConsumeCostLayers(ctx, tx, 1, 501, 1, decimal.NewFromInt(10), core.MovementTypeIssue, "shipment:short", 1)
	if !core.IsCode(err, core.CodeInsufficientLayerQty) {
		t.Fatalf("err = %v, want %s", err, core.CodeInsufficientLayerQty)
	}
}

func TestCostLayer_Consume_NoLayers(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewCostLayerService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	_, err = svc.ConsumeCostLayers(ctx, tx, 1, 501, 1, decimal.NewFromInt(1), core.MovementTypeIssue, "shipment:none", 1)
	if !core.IsCode(err, core.CodeNoLayers) {
		t.Fatalf("err = %v, want %s", err, core.CodeNoLayers)
	}
}
