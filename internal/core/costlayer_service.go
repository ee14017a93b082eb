package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CostLayerService is the FIFO cost-layer engine.
type CostLayerService interface {
	// CreateCostLayer computes the next layerSequence for (item, location, day)
	// and inserts a layer with remainingQty = originalQty. Sequence generation
	// is a gapless-counter idiom (ON CONFLICT ... DO UPDATE ... RETURNING)
	// applied to per-day layer numbering.
	CreateCostLayer(ctx context.Context, tx pgx.Tx, params CreateCostLayerParams) (CostLayer, error)
	// CreateReceiptCostLayerOnce guarantees exactly one receipt layer per
	// receipt document line via ON CONFLICT DO NOTHING; on conflict it
	// returns the existing layer, an idempotency-by-unique-key pattern.
	CreateReceiptCostLayerOnce(ctx context.Context, tx pgx.Tx, params CreateCostLayerParams) (CostLayer, error)
	// GetAvailableLayers returns non-voided, non-exhausted layers for
	// (item, location[, lot]) in FIFO order.
	GetAvailableLayers(ctx context.Context, q Querier, companyID, itemID, locationID int, lotID *string) ([]CostLayer, error)
	// ConsumeCostLayers drains layers FIFO for qty inside the caller's
	// transaction. Fails CodeNoLayers if none exist, CodeInsufficientLayerQty
	// if the sum of available layers is short.
	ConsumeCostLayers(ctx context.Context, tx pgx.Tx, companyID, itemID, locationID int, qty decimal.Decimal, consumptionType, docID string, movementID int) (ConsumptionResult, error)
	// DeleteCostLayer removes a layer, only when it has never been consumed.
	DeleteCostLayer(ctx context.Context, tx pgx.Tx, layerID int) error
}

// CreateCostLayerParams is the input to CreateCostLayer/CreateReceiptCostLayerOnce.
type CreateCostLayerParams struct {
	CompanyID        int
	ItemID           int
	LocationID       int
	Uom              string
	LayerDate        time.Time
	OriginalQty      decimal.Decimal
	UnitCost         decimal.Decimal
	SourceType       string
	SourceDocumentID string
	MovementID       *int
	LotID            *string
}

type costLayerService struct {
	pool *pgxpool.Pool
}

// NewCostLayerService constructs the default CostLayerService.
func NewCostLayerService(pool *pgxpool.Pool) CostLayerService {
	return &costLayerService{pool: pool}
}

func (s *costLayerService) nextLayerSequence(ctx context.Context, tx pgx.Tx, itemID, locationID int, day time.Time) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO cost_layer_sequences (item_id, location_id, layer_date, last_sequence)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (item_id, location_id, layer_date)
		DO UPDATE SET last_sequence = cost_layer_sequences.last_sequence + 1
		RETURNING last_sequence
	`, itemID, locationID, day.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("generate layer sequence: %w", err)
	}
	return seq, nil
}

func (s *costLayerService) CreateCostLayer(ctx context.Context, tx pgx.Tx, p CreateCostLayerParams) (CostLayer, error) {
	seq, err := s.nextLayerSequence(ctx, tx, p.ItemID, p.LocationID, p.LayerDate)
	if err != nil {
		return CostLayer{}, err
	}

	originalQty := roundQuantity(p.OriginalQty)
	extendedCost := roundQuantity(originalQty.Mul(p.UnitCost))

	var layer CostLayer
	err = tx.QueryRow(ctx, `
		INSERT INTO inventory_cost_layers
			(company_id, item_id, location_id, uom, layer_date, layer_sequence,
			 original_qty, remaining_qty, unit_cost, extended_cost,
			 source_type, source_document_id, movement_id, lot_id, voided)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9, $10, $11, $12, $13, false)
		RETURNING id, company_id, item_id, location_id, uom, layer_date, layer_sequence,
		          original_qty, remaining_qty, unit_cost, extended_cost,
		          source_type, source_document_id, movement_id, lot_id, voided
	`, p.CompanyID, p.ItemID, p.LocationID, p.Uom, p.LayerDate.Format("2006-01-02"), seq,
		originalQty, p.UnitCost, extendedCost, p.SourceType, p.SourceDocumentID, p.MovementID, p.LotID,
	).Scan(&layer.ID, &layer.CompanyID, &layer.ItemID, &layer.LocationID, &layer.Uom, &layer.LayerDate, &layer.LayerSequence,
		&layer.OriginalQty, &layer.RemainingQty, &layer.UnitCost, &layer.ExtendedCost,
		&layer.SourceType, &layer.SourceDocumentID, &layer.MovementID, &layer.LotID, &layer.Voided)
	if err != nil {
		return CostLayer{}, fmt.Errorf("insert cost layer: %w", err)
	}
	return layer, nil
}

func (s *costLayerService) CreateReceiptCostLayerOnce(ctx context.Context, tx pgx.Tx, p CreateCostLayerParams) (CostLayer, error) {
	if p.SourceType != SourceTypeReceipt {
		return CostLayer{}, fmt.Errorf("CreateReceiptCostLayerOnce requires sourceType=%s, got %s", SourceTypeReceipt, p.SourceType)
	}

	seq, err := s.nextLayerSequence(ctx, tx, p.ItemID, p.LocationID, p.LayerDate)
	if err != nil {
		return CostLayer{}, err
	}

	originalQty := roundQuantity(p.OriginalQty)
	extendedCost := roundQuantity(originalQty.Mul(p.UnitCost))

	var layer CostLayer
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO inventory_cost_layers
			(company_id, item_id, location_id, uom, layer_date, layer_sequence,
			 original_qty, remaining_qty, unit_cost, extended_cost,
			 source_type, source_document_id, movement_id, lot_id, voided)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9, $10, $11, $12, $13, false)
		ON CONFLICT (company_id, source_type, source_document_id) WHERE source_type = 'receipt' AND NOT voided
		DO NOTHING
		RETURNING id, company_id, item_id, location_id, uom, layer_date, layer_sequence,
		          original_qty, remaining_qty, unit_cost, extended_cost,
		          source_type, source_document_id, movement_id, lot_id, voided
	`, p.CompanyID, p.ItemID, p.LocationID, p.Uom, p.LayerDate.Format("2006-01-02"), seq,
		originalQty, p.UnitCost, extendedCost, p.SourceType, p.SourceDocumentID, p.MovementID, p.LotID,
	).Scan(&layer.ID, &layer.CompanyID, &layer.ItemID, &layer.LocationID, &layer.Uom, &layer.LayerDate, &layer.LayerSequence,
		&layer.OriginalQty, &layer.RemainingQty, &layer.UnitCost, &layer.ExtendedCost,
		&layer.SourceType, &layer.SourceDocumentID, &layer.MovementID, &layer.LotID, &layer.Voided)
	if err == nil {
		return layer, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CostLayer{}, fmt.Errorf("insert receipt cost layer: %w", err)
	}
	inserted = false
	_ = inserted

	// Conflict: a layer for this (company, receipt, sourceDocumentId) already
	// exists. Return it rather than raising.
	err = tx.QueryRow(ctx, `
		SELECT id, company_id, item_id, location_id, uom, layer_date, layer_sequence,
		       original_qty, remaining_qty, unit_cost, extended_cost,
		       source_type, source_document_id, movement_id, lot_id, voided
		FROM inventory_cost_layers
		WHERE company_id = $1 AND source_type = 'receipt' AND source_document_id = $2 AND NOT voided
	`, p.CompanyID, p.SourceDocumentID).Scan(&layer.ID, &layer.CompanyID, &layer.ItemID, &layer.LocationID, &layer.Uom, &layer.LayerDate, &layer.LayerSequence,
		&layer.OriginalQty, &layer.RemainingQty, &layer.UnitCost, &layer.ExtendedCost,
		&layer.SourceType, &layer.SourceDocumentID, &layer.MovementID, &layer.LotID, &layer.Voided)
	if err != nil {
		return CostLayer{}, fmt.Errorf("fetch existing receipt cost layer: %w", err)
	}
	return layer, nil
}

func (s *costLayerService) GetAvailableLayers(ctx context.Context, q Querier, companyID, itemID, locationID int, lotID *string) ([]CostLayer, error) {
	rows, err := q.Query(ctx, `
		SELECT id, company_id, item_id, location_id, uom, layer_date, layer_sequence,
		       original_qty, remaining_qty, unit_cost, extended_cost,
		       source_type, source_document_id, movement_id, lot_id, voided
		FROM inventory_cost_layers
		WHERE company_id = $1 AND item_id = $2 AND location_id = $3
		  AND NOT voided AND remaining_qty > 0
		  AND ($4::text IS NULL OR lot_id = $4)
		ORDER BY layer_date ASC, layer_sequence ASC
	`, companyID, itemID, locationID, lotID)
	if err != nil {
		return nil, fmt.Errorf("query available cost layers: %w", err)
	}
	defer rows.Close()

	var layers []CostLayer
	for rows.Next() {
		var l CostLayer
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.ItemID, &l.LocationID, &l.Uom, &l.LayerDate, &l.LayerSequence,
			&l.OriginalQty, &l.RemainingQty, &l.UnitCost, &l.ExtendedCost,
			&l.SourceType, &l.SourceDocumentID, &l.MovementID, &l.LotID, &l.Voided); err != nil {
			return nil, fmt.Errorf("scan cost layer: %w", err)
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (s *costLayerService) ConsumeCostLayers(ctx context.Context, tx pgx.Tx, companyID, itemID, locationID int, qty decimal.Decimal, consumptionType, docID string, movementID int) (ConsumptionResult, error) {
	qty = roundQuantity(qty)

	layers, err := s.GetAvailableLayers(ctx, tx, companyID, itemID, locationID, nil)
	if err != nil {
		return ConsumptionResult{}, err
	}
	if len(layers) == 0 {
		return ConsumptionResult{}, NewError(CodeNoLayers, fmt.Sprintf("no available cost layers for item %d at location %d", itemID, locationID))
	}

	var available decimal.Decimal
	for _, l := range layers {
		available = available.Add(l.RemainingQty)
	}
	if lessThanEps(available, qty) {
		return ConsumptionResult{}, NewError(CodeInsufficientLayerQty,
			fmt.Sprintf("available layer qty %s < requested %s", available.StringFixed(6), qty.StringFixed(6)))
	}

	remaining := qty
	var totalCost decimal.Decimal
	var consumptions []CostLayerConsumption
	now := time.Now()

	for _, layer := range layers {
		if isZeroish(remaining) {
			break
		}
		drain := minDecimal(layer.RemainingQty, remaining)
		drain = roundQuantity(drain)
		if isZeroish(drain) {
			continue
		}
		extendedCost := roundQuantity(drain.Mul(layer.UnitCost))

		newRemaining := roundQuantity(layer.RemainingQty.Sub(drain))
		if _, err := tx.Exec(ctx, `
			UPDATE inventory_cost_layers SET remaining_qty = $1 WHERE id = $2
		`, newRemaining, layer.ID); err != nil {
			return ConsumptionResult{}, fmt.Errorf("update cost layer remaining qty: %w", err)
		}

		var consumption CostLayerConsumption
		err := tx.QueryRow(ctx, `
			INSERT INTO cost_layer_consumptions (layer_id, consumed_qty, unit_cost, extended_cost, consumption_type, doc_id, movement_id, consumed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, layer_id, consumed_qty, unit_cost, extended_cost, consumption_type, doc_id, movement_id, consumed_at
		`, layer.ID, drain, layer.UnitCost, extendedCost, consumptionType, docID, movementID, now).Scan(
			&consumption.ID, &consumption.LayerID, &consumption.ConsumedQty, &consumption.UnitCost, &consumption.ExtendedCost,
			&consumption.ConsumptionType, &consumption.DocID, &consumption.MovementID, &consumption.ConsumedAt,
		)
		if err != nil {
			return ConsumptionResult{}, fmt.Errorf("insert cost layer consumption: %w", err)
		}

		consumptions = append(consumptions, consumption)
		totalCost = totalCost.Add(extendedCost)
		remaining = remaining.Sub(drain)
	}

	totalCost = roundQuantity(totalCost)
	var weightedAvg decimal.Decimal
	if isPositive(qty) {
		weightedAvg = totalCost.Div(qty)
	}

	return ConsumptionResult{
		TotalCost:               totalCost,
		WeightedAverageUnitCost: weightedAvg,
		Consumptions:            consumptions,
	}, nil
}

func (s *costLayerService) DeleteCostLayer(ctx context.Context, tx pgx.Tx, layerID int) error {
	var originalQty, remainingQty decimal.Decimal
	var consumedCount int
	err := tx.QueryRow(ctx, `
		SELECT original_qty, remaining_qty
		FROM inventory_cost_layers
		WHERE id = $1
		FOR UPDATE
	`, layerID).Scan(&originalQty, &remainingQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("cost layer %d not found", layerID)
		}
		return fmt.Errorf("lock cost layer for delete: %w", err)
	}
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM cost_layer_consumptions WHERE layer_id = $1
	`, layerID).Scan(&consumedCount); err != nil {
		return fmt.Errorf("count cost layer consumptions: %w", err)
	}
	if consumedCount > 0 || !remainingQty.Equal(originalQty) {
		return fmt.Errorf("cost layer %d has been consumed; cannot delete", layerID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM inventory_cost_layers WHERE id = $1`, layerID); err != nil {
		return fmt.Errorf("delete cost layer: %w", err)
	}
	return nil
}
