package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ShipmentPoster implements the shipment-posting algorithm: a single
// SERIALIZABLE transaction that consumes reservations where present, falls
// through to the stock validator for the remainder, drains FIFO cost
// layers, and posts an inventory movement. Generalized from a single-counter
// decrement to a full reservation-aware, multi-line posting protocol.
type ShipmentPoster interface {
	Post(ctx context.Context, req PostShipmentRequest) (PostShipmentResult, error)
}

type shipmentPoster struct {
	pool       *pgxpool.Pool
	cfg        Config
	uom        UomConverter
	balances   BalanceService
	costLayers CostLayerService
	validator  StockValidator
	warehouses WarehouseResolver
	outbox     OutboxService
	audit      AuditLogger
	cache      *ATPCache
}

// NewShipmentPoster constructs the default ShipmentPoster.
func NewShipmentPoster(pool *pgxpool.Pool, cfg Config, uom UomConverter, balances BalanceService, costLayers CostLayerService, validator StockValidator, warehouses WarehouseResolver, outbox OutboxService, audit AuditLogger, cache *ATPCache) ShipmentPoster {
	return &shipmentPoster{
		pool: pool, cfg: cfg, uom: uom, balances: balances, costLayers: costLayers,
		validator: validator, warehouses: warehouses, outbox: outbox, audit: audit, cache: cache,
	}
}

type preparedShipmentLine struct {
	line           ShipmentLine
	canonical      CanonicalQuantity
	fields         MovementFields
	reservation    *Reservation
	issueQty       decimal.Decimal
	reserveConsume decimal.Decimal
	consumeQty     decimal.Decimal
}

func (p *shipmentPoster) Post(ctx context.Context, req PostShipmentRequest) (PostShipmentResult, error) {
	var result PostShipmentResult

	err := runSerializable(ctx, p.pool, p.cfg.ATPSerializableRetries, func(ctx context.Context, tx pgx.Tx) error {
		result = PostShipmentResult{}

		shipment, err := p.lockShipment(ctx, tx, req.ShipmentID)
		if err != nil {
			return err
		}
		if shipment.Status == ShipmentStatusCanceled {
			return NewError(CodeShipmentAlreadyCanceled, fmt.Sprintf("shipment %d is canceled", shipment.ID))
		}
		if shipment.Status == ShipmentStatusPosted {
			result = PostShipmentResult{
				ShipmentID: shipment.ID,
				Status:     shipment.Status,
			}
			if shipment.MovementID != nil {
				result.MovementID = *shipment.MovementID
			}
			return nil
		}

		lines, err := p.lockShipmentLines(ctx, tx, shipment.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return NewError(CodeShipmentNotFound, fmt.Sprintf("shipment %d has no lines", shipment.ID))
		}
		for _, l := range lines {
			if !isPositive(l.QuantityShipped) {
				return NewError(CodeReservationInvalidQty, fmt.Sprintf("shipment line %d has non-positive quantity", l.ID))
			}
		}

		shipFromWarehouseID, _, err := p.warehouses.ResolveLocationWarehouse(ctx, tx, shipment.ShipFromLocationID)
		if err != nil {
			return err
		}
		salesOrderWarehouseID, err := p.warehouses.ResolveSalesOrderWarehouse(ctx, tx, shipment.SalesOrderID)
		if err != nil {
			return err
		}
		if shipFromWarehouseID != salesOrderWarehouseID {
			return NewError(CodeCrossWarehouseLeakage,
				fmt.Sprintf("ship-from warehouse %d does not match sales order warehouse %d", shipFromWarehouseID, salesOrderWarehouseID))
		}

		prepared := make([]preparedShipmentLine, 0, len(lines))
		for _, l := range lines {
			fields, err := p.uom.MovementFields(ctx, tx, req.CompanyID, l.ItemID, l.QuantityShipped.Neg(), l.Uom)
			if err != nil {
				return err
			}
			canonical := CanonicalQuantity{Qty: fields.QtyCanonical, CanonicalUom: fields.CanonicalUom, Dimension: fields.Dimension}
			prepared = append(prepared, preparedShipmentLine{line: l, canonical: canonical, fields: fields, issueQty: l.QuantityShipped})
		}

		sort.Slice(prepared, func(i, j int) bool {
			a, b := prepared[i], prepared[j]
			if a.line.ItemID != b.line.ItemID {
				return a.line.ItemID < b.line.ItemID
			}
			if a.canonical.CanonicalUom != b.canonical.CanonicalUom {
				return a.canonical.CanonicalUom < b.canonical.CanonicalUom
			}
			return a.line.ID < b.line.ID
		})

		keys := make([]AdvisoryKey, 0, len(prepared))
		for _, pl := range prepared {
			keys = append(keys, AdvisoryKey{CompanyID: req.CompanyID, WarehouseID: shipFromWarehouseID, ItemID: pl.line.ItemID})
		}
		if err := acquireAdvisoryLocks(ctx, tx, keys); err != nil {
			return err
		}

		// Step 4: find candidate reservations (unlocked read) and collect ids.
		candidateIDs := make([]int64, 0, len(prepared))
		candidateByLine := make(map[int]int64, len(prepared))
		for i := range prepared {
			pl := &prepared[i]
			reservation, found, err := p.findMatchingReservation(ctx, tx, req.CompanyID, shipFromWarehouseID, pl.line.SalesOrderLineID, pl.line.ItemID, pl.line.LocationIDOrDefault(shipment.ShipFromLocationID), pl.canonical.CanonicalUom)
			if err != nil {
				return err
			}
			if found {
				candidateIDs = append(candidateIDs, reservation.ID)
				candidateByLine[pl.line.ID] = reservation.ID
			}
		}

		// Step 5: lock reservations by id ASC, after advisory locks, per the
		// invariant lock order.
		sort.Slice(candidateIDs, func(i, j int) bool { return candidateIDs[i] < candidateIDs[j] })
		lockedByID := make(map[int64]Reservation, len(candidateIDs))
		seen := make(map[int64]struct{}, len(candidateIDs))
		for _, id := range candidateIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			locked, err := p.lockReservationByID(ctx, tx, id)
			if err != nil {
				return err
			}
			lockedByID[id] = locked
		}

		// Step 6: compute reserveConsume/consumeQty per line from locked state.
		for i := range prepared {
			pl := &prepared[i]
			if id, ok := candidateByLine[pl.line.ID]; ok {
				locked := lockedByID[id]
				pl.reservation = &locked
				reservedRemaining := locked.OpenRemaining()
				pl.reserveConsume = roundQuantity(minDecimal(pl.issueQty, reservedRemaining))
			}
			pl.consumeQty = clampNonNegative(roundQuantity(pl.issueQty.Sub(pl.reserveConsume)))
		}

		var validationLines []StockConsumptionLine
		for _, pl := range prepared {
			if isPositive(pl.consumeQty) {
				validationLines = append(validationLines, StockConsumptionLine{
					ItemID: pl.line.ItemID, LocationID: pl.line.LocationIDOrDefault(shipment.ShipFromLocationID),
					Uom: pl.canonical.CanonicalUom, QuantityToConsume: pl.consumeQty,
				})
			}
		}
		override, err := p.validator.Validate(ctx, tx, req.CompanyID, validationLines, req.Actor, req.OverrideRequested, req.OverrideReason, req.OverrideReference)
		if err != nil {
			return err
		}

		movement, alreadyExisted, err := p.createMovementOnce(ctx, tx, req, shipment, override)
		if err != nil {
			return err
		}
		if alreadyExisted {
			if err := p.finishLinkingExistingMovement(ctx, tx, &shipment, movement); err != nil {
				return err
			}
			result = PostShipmentResult{ShipmentID: shipment.ID, MovementID: movement.ID, Status: shipment.Status}
			return nil
		}

		for _, pl := range prepared {
			locationID := pl.line.LocationIDOrDefault(shipment.ShipFromLocationID)
			key := BalanceKey{CompanyID: req.CompanyID, ItemID: pl.line.ItemID, LocationID: locationID, Uom: pl.canonical.CanonicalUom}
			if err := p.balances.EnsureRow(ctx, tx, key); err != nil {
				return err
			}
			balance, err := p.balances.LockAndRead(ctx, tx, key)
			if err != nil {
				return err
			}

			available := balance.Available()
			if !gteEps(available.Add(pl.reserveConsume).Add(Epsilon), pl.issueQty) && override == nil {
				return NewError(CodeInsufficientWithAllow,
					fmt.Sprintf("available %s + reserved %s < issue %s for item %d", available.StringFixed(6), pl.reserveConsume.StringFixed(6), pl.issueQty.StringFixed(6), pl.line.ItemID))
			}

			consumption, err := p.costLayers.ConsumeCostLayers(ctx, tx, req.CompanyID, pl.line.ItemID, locationID, pl.issueQty, MovementTypeIssue, fmt.Sprintf("shipment:%d", shipment.ID), movement.ID)
			if err != nil {
				return err
			}
			unitCost := consumption.WeightedAverageUnitCost
			extendedCost := consumption.TotalCost.Neg()

			if err := p.insertMovementLine(ctx, tx, movement.ID, pl.line.ItemID, locationID, pl.fields, unitCost, extendedCost); err != nil {
				return err
			}

			if pl.reservation != nil && isPositive(pl.reserveConsume) {
				r := *pl.reservation
				if r.State == ReservationReserved {
					if _, err := p.balances.ApplyDelta(ctx, tx, key, decimal.Zero, pl.reserveConsume.Neg(), pl.reserveConsume); err != nil {
						return err
					}
					if _, err := tx.Exec(ctx, `UPDATE inventory_reservations SET state = $1, allocated_at = NOW() WHERE id = $2`, ReservationAllocated, r.ID); err != nil {
						return fmt.Errorf("transition reservation to allocated: %w", err)
					}
					if err := p.insertReservationEvent(ctx, tx, r.ID, ReservationEventAllocated, pl.reserveConsume.Neg(), pl.reserveConsume); err != nil {
						return err
					}
					r.State = ReservationAllocated
				}
			}

			if _, err := p.balances.ApplyDelta(ctx, tx, key, pl.issueQty.Neg(), decimal.Zero, pl.reserveConsume.Neg()); err != nil {
				return err
			}

			if pl.reservation != nil && isPositive(pl.reserveConsume) {
				r := *pl.reservation
				newFulfilled := roundQuantity(r.QuantityFulfilled.Add(pl.reserveConsume))
				remainder := roundQuantity(r.QuantityReserved.Sub(newFulfilled))
				newState := ReservationAllocated
				eventType := ReservationEventAllocated
				var fulfilledAt *time.Time
				if isZeroish(remainder) || remainder.LessThan(decimal.Zero) {
					newState = ReservationFulfilled
					now := time.Now()
					fulfilledAt = &now
					eventType = ReservationEventFulfilled
				}
				if _, err := tx.Exec(ctx, `
					UPDATE inventory_reservations SET state = $1, quantity_fulfilled = $2, fulfilled_at = $3 WHERE id = $4
				`, newState, newFulfilled, fulfilledAt, r.ID); err != nil {
					return fmt.Errorf("advance reservation fulfillment: %w", err)
				}
				r.State = newState
				r.QuantityFulfilled = newFulfilled
				r.FulfilledAt = fulfilledAt

				if err := p.insertReservationEvent(ctx, tx, r.ID, eventType, decimal.Zero, pl.reserveConsume.Neg()); err != nil {
					return err
				}
				if err := p.outbox.Enqueue(ctx, tx, req.CompanyID, AggregateTypeReservation, fmt.Sprint(r.ID), EventTypeReservationChanged, reservationChangedPayload(r)); err != nil {
					return err
				}
			}

			if p.cache != nil {
				p.cache.InvalidateWarehouse(req.CompanyID, shipFromWarehouseID)
			}
		}

		now := time.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE shipments SET status = $1, posted_at = $2, posted_idempotency = $3, movement_id = $4 WHERE id = $5
		`, ShipmentStatusPosted, now, req.IdempotencyKey, movement.ID, shipment.ID); err != nil {
			return fmt.Errorf("post shipment: %w", err)
		}

		if err := p.outbox.Enqueue(ctx, tx, req.CompanyID, AggregateTypeMovement, fmt.Sprint(movement.ID), EventTypeMovementPosted, map[string]any{"movementId": movement.ID}); err != nil {
			return err
		}

		if err := p.audit.Record(ctx, tx, req.CompanyID, "post", "shipment", fmt.Sprint(shipment.ID), req.Actor, map[string]any{"movementId": movement.ID}); err != nil {
			return err
		}
		if override != nil {
			if err := p.audit.Record(ctx, tx, req.CompanyID, "negative_override", "movement", fmt.Sprint(movement.ID), req.Actor, map[string]any{
				"overrideReason":    override.OverrideReason,
				"overrideReference": override.OverrideReference,
			}); err != nil {
				return err
			}
		}

		applied := override != nil
		var reasonOut string
		if override != nil {
			reasonOut = override.OverrideReason
		}
		result = PostShipmentResult{
			ShipmentID:      shipment.ID,
			MovementID:      movement.ID,
			Status:          ShipmentStatusPosted,
			OverrideApplied: applied,
			OverrideReason:  reasonOut,
		}
		return nil
	})

	return result, err
}

func (p *shipmentPoster) lockShipment(ctx context.Context, tx pgx.Tx, shipmentID int) (Shipment, error) {
	var s Shipment
	err := tx.QueryRow(ctx, `
		SELECT id, company_id, sales_order_id, ship_from_location_id, status, movement_id, posted_at, posted_idempotency
		FROM shipments WHERE id = $1 FOR UPDATE
	`, shipmentID).Scan(&s.ID, &s.CompanyID, &s.SalesOrderID, &s.ShipFromLocationID, &s.Status, &s.MovementID, &s.PostedAt, &s.PostedIdempotency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, NewError(CodeShipmentNotFound, fmt.Sprintf("shipment %d not found", shipmentID))
		}
		return Shipment{}, fmt.Errorf("lock shipment: %w", err)
	}
	return s, nil
}

func (p *shipmentPoster) lockShipmentLines(ctx context.Context, tx pgx.Tx, shipmentID int) ([]ShipmentLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, shipment_id, sales_order_line_id, item_id, quantity_shipped, uom, location_id
		FROM shipment_lines WHERE shipment_id = $1 ORDER BY id FOR UPDATE
	`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("lock shipment lines: %w", err)
	}
	defer rows.Close()

	var lines []ShipmentLine
	for rows.Next() {
		var l ShipmentLine
		var locationID *int
		if err := rows.Scan(&l.ID, &l.ShipmentID, &l.SalesOrderLineID, &l.ItemID, &l.QuantityShipped, &l.Uom, &locationID); err != nil {
			return nil, fmt.Errorf("scan shipment line: %w", err)
		}
		l.locationID = locationID
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (p *shipmentPoster) findMatchingReservation(ctx context.Context, tx pgx.Tx, companyID, warehouseID, salesOrderLineID, itemID, locationID int, canonicalUom string) (Reservation, bool, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM inventory_reservations
		WHERE company_id = $1 AND warehouse_id = $2 AND demand_type = 'sales_order_line' AND demand_id = $3
		  AND item_id = $4 AND location_id = $5 AND canonical_uom = $6
		  AND state IN ('RESERVED', 'ALLOCATED')
	`, companyID, warehouseID, salesOrderLineID, itemID, locationID, canonicalUom).Scan(scanReservationTargets(&r)...)
	if err == nil {
		return r, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	return Reservation{}, false, fmt.Errorf("find matching reservation: %w", err)
}

func (p *shipmentPoster) lockReservationByID(ctx context.Context, tx pgx.Tx, reservationID int64) (Reservation, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM inventory_reservations WHERE id = $1 FOR UPDATE`, reservationID).
		Scan(scanReservationTargets(&r)...)
	if err != nil {
		return Reservation{}, fmt.Errorf("lock matched reservation: %w", err)
	}
	return r, nil
}

func (p *shipmentPoster) insertReservationEvent(ctx context.Context, tx pgx.Tx, reservationID int64, eventType string, deltaReserved, deltaAllocated decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_events (reservation_id, event_type, delta_reserved, delta_allocated, occurred_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, reservationID, eventType, deltaReserved, deltaAllocated)
	if err != nil {
		return fmt.Errorf("insert reservation event: %w", err)
	}
	return nil
}

func (p *shipmentPoster) createMovementOnce(ctx context.Context, tx pgx.Tx, req PostShipmentRequest, shipment Shipment, override *OverrideMetadata) (InventoryMovement, bool, error) {
	var m InventoryMovement
	externalRef := fmt.Sprintf("shipment:%d", shipment.ID)
	sourceType := "shipment_post"
	sourceID := fmt.Sprint(shipment.ID)

	var metadata map[string]any
	if override != nil {
		metadata = map[string]any{
			"override_reason":    override.OverrideReason,
			"override_reference": override.OverrideReference,
			"override_actor":     override.Actor,
		}
	}
	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return InventoryMovement{}, false, fmt.Errorf("marshal movement metadata: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO inventory_movements (company_id, movement_type, status, external_ref, source_type, source_id, idempotency_key, occurred_at, posted_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), $8)
		ON CONFLICT (company_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id, company_id, movement_type, status, external_ref, source_type, source_id, idempotency_key, occurred_at, posted_at, metadata
	`, req.CompanyID, MovementTypeIssue, MovementStatusPosted, externalRef, sourceType, sourceID, req.IdempotencyKey, metadataRaw,
	).Scan(&m.ID, &m.CompanyID, &m.MovementType, &m.Status, &m.ExternalRef, &m.SourceType, &m.SourceID, &m.IdempotencyKey, &m.OccurredAt, &m.PostedAt, &m.Metadata)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return InventoryMovement{}, false, fmt.Errorf("insert movement: %w", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT id, company_id, movement_type, status, external_ref, source_type, source_id, idempotency_key, occurred_at, posted_at, metadata
		FROM inventory_movements WHERE company_id = $1 AND idempotency_key = $2
	`, req.CompanyID, req.IdempotencyKey).Scan(&m.ID, &m.CompanyID, &m.MovementType, &m.Status, &m.ExternalRef, &m.SourceType, &m.SourceID, &m.IdempotencyKey, &m.OccurredAt, &m.PostedAt, &m.Metadata)
	if err != nil {
		return InventoryMovement{}, false, fmt.Errorf("find existing movement: %w", err)
	}
	return m, true, nil
}

func (p *shipmentPoster) finishLinkingExistingMovement(ctx context.Context, tx pgx.Tx, shipment *Shipment, movement InventoryMovement) error {
	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE shipments SET status = $1, posted_at = $2, movement_id = $3 WHERE id = $4
	`, ShipmentStatusPosted, now, movement.ID, shipment.ID); err != nil {
		return fmt.Errorf("link shipment to existing movement: %w", err)
	}
	shipment.Status = ShipmentStatusPosted
	shipment.MovementID = &movement.ID
	return nil
}

func (p *shipmentPoster) insertMovementLine(ctx context.Context, tx pgx.Tx, movementID, itemID, locationID int, fields MovementFields, unitCost, extendedCost decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO inventory_movement_lines
			(movement_id, item_id, location_id, quantity_delta, uom,
			 quantity_delta_entered, uom_entered, quantity_delta_canonical, canonical_uom, uom_dimension,
			 unit_cost, extended_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, movementID, itemID, locationID, fields.QtyCanonical, fields.CanonicalUom,
		fields.QtyEntered, fields.UomEntered, fields.QtyCanonical, fields.CanonicalUom, string(fields.Dimension),
		unitCost, extendedCost)
	if err != nil {
		return fmt.Errorf("insert movement line: %w", err)
	}
	return nil
}
