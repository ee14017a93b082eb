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

// ReservationService is the reservation engine: the five-state lifecycle
// (RESERVED → ALLOCATED → FULFILLED, with CANCELLED and EXPIRED side exits),
// enforced in application logic (lock, validate state, compute deltas,
// update) rather than by the type system.
type ReservationService interface {
	// Create converts, scopes, sorts and locks a batch of demand lines, then
	// reserves or backorders each one. Runs with the wider retry budget since
	// it contends across a whole sorted batch of advisory keys.
	Create(ctx context.Context, req CreateReservationsRequest) (CreateReservationsResult, error)
	// Allocate transitions RESERVED → ALLOCATED for the whole open remainder.
	Allocate(ctx context.Context, companyID, warehouseID int, reservationID int64, idempotencyKey string) (Reservation, error)
	// Cancel transitions RESERVED or ALLOCATED → CANCELLED, releasing
	// whichever counter the state currently occupies.
	Cancel(ctx context.Context, companyID, warehouseID int, reservationID int64, idempotencyKey, reason string) (Reservation, error)
	// Fulfill consumes qty now (never the new cumulative total) from an
	// ALLOCATED reservation's open remainder, transitioning to FULFILLED once
	// the remainder reaches zero within Epsilon.
	Fulfill(ctx context.Context, companyID, warehouseID int, reservationID int64, qty decimal.Decimal, idempotencyKey string) (Reservation, error)
	// ExpireEligible runs the background expiry sweep, selecting eligible
	// rows FOR UPDATE SKIP LOCKED.
	ExpireEligible(ctx context.Context, limit int) (int, error)
	// CheckAvailability answers "how much of (item, uom) is available to
	// promise in warehouseID" without taking any row lock, consulting the
	// ATP cache before falling back to a live sum across the warehouse's
	// locations.
	CheckAvailability(ctx context.Context, companyID, warehouseID, itemID int, uom string) (decimal.Decimal, error)
}

type reservationService struct {
	pool        *pgxpool.Pool
	cfg         Config
	uom         UomConverter
	balances    BalanceService
	warehouses  WarehouseResolver
	outbox      OutboxService
	idempotency IdempotencyService
	cache       *ATPCache
}

// NewReservationService constructs the default ReservationService.
func NewReservationService(pool *pgxpool.Pool, cfg Config, uom UomConverter, balances BalanceService, warehouses WarehouseResolver, outbox OutboxService, idempotency IdempotencyService, cache *ATPCache) ReservationService {
	return &reservationService{pool: pool, cfg: cfg, uom: uom, balances: balances, warehouses: warehouses, outbox: outbox, idempotency: idempotency, cache: cache}
}

// reservationLifecycleScope namespaces the single-reservation lifecycle
// calls (allocate/cancel/fulfill) in idempotency_records, distinct from each
// reservation row's own per-line idempotency_key column.
const reservationLifecycleScope = "reservation:lifecycle"

// beginLifecycleIdempotency guards an allocate/cancel/fulfill call. An empty
// idempotencyKey disables the guard entirely: callers that never supply one
// get the pre-existing at-least-once behavior.
func (s *reservationService) beginLifecycleIdempotency(ctx context.Context, tx pgx.Tx, companyID int, reservationID int64, op, idempotencyKey string, requestBody any) (IdempotencyRecord, bool, error) {
	if idempotencyKey == "" {
		return IdempotencyRecord{}, true, nil
	}
	return s.idempotency.Begin(ctx, tx, companyID, reservationLifecycleScope+":"+op, idempotencyKey, requestBody)
}

func decodeStoredReservation(rec IdempotencyRecord) (Reservation, error) {
	var r Reservation
	if err := json.Unmarshal(rec.Result, &r); err != nil {
		return Reservation{}, fmt.Errorf("decode stored reservation result: %w", err)
	}
	return r, nil
}

// preparedReservationLine is one input line after canonicalization and
// warehouse resolution, carrying everything the sort and lock-acquisition
// steps need.
type preparedReservationLine struct {
	input        ReservationLineInput
	warehouseID  int
	sellable     bool
	canonical    CanonicalQuantity
	idempotencyKey string
}

func (s *reservationService) resolveWarehouse(locWarehouse int, demandWarehouse, explicit *int) (int, error) {
	warehouseID := locWarehouse
	if demandWarehouse != nil && *demandWarehouse != warehouseID {
		return 0, NewError(CodeWarehouseScopeMismatch, fmt.Sprintf("location warehouse %d disagrees with demand warehouse %d", warehouseID, *demandWarehouse))
	}
	if explicit != nil && *explicit != warehouseID {
		return 0, NewError(CodeWarehouseScopeMismatch, fmt.Sprintf("explicit warehouse %d disagrees with resolved warehouse %d", *explicit, warehouseID))
	}
	return warehouseID, nil
}

func (s *reservationService) Create(ctx context.Context, req CreateReservationsRequest) (CreateReservationsResult, error) {
	var result CreateReservationsResult

	err := runSerializable(ctx, s.pool, s.cfg.ATPReservationCreateRetries, func(ctx context.Context, tx pgx.Tx) error {
		result = CreateReservationsResult{}

		prepared := make([]preparedReservationLine, 0, len(req.Lines))
		for _, line := range req.Lines {
			canonical, err := s.uom.ConvertToCanonical(ctx, tx, req.CompanyID, line.ItemID, line.Quantity, line.Uom)
			if err != nil {
				return err
			}
			locWarehouse, sellable, err := s.warehouses.ResolveLocationWarehouse(ctx, tx, line.LocationID)
			if err != nil {
				return err
			}
			demandWarehouse, err := s.warehouses.ResolveDemandWarehouse(ctx, tx, line.DemandType, line.DemandID)
			if err != nil {
				return err
			}
			warehouseID, err := s.resolveWarehouse(locWarehouse, demandWarehouse, line.WarehouseID)
			if err != nil {
				return err
			}

			lineKey := fmt.Sprintf("%d:%s:%s:%d:%d:%d:%d:%s",
				req.CompanyID, req.IdempotencyKey, line.DemandType, line.DemandID, line.ItemID, line.LocationID, warehouseID, canonical.CanonicalUom)

			prepared = append(prepared, preparedReservationLine{
				input:          line,
				warehouseID:    warehouseID,
				sellable:       sellable,
				canonical:      canonical,
				idempotencyKey: lineKey,
			})
		}

		// Deterministic lock order across the batch.
		sort.Slice(prepared, func(i, j int) bool {
			a, b := prepared[i], prepared[j]
			if a.warehouseID != b.warehouseID {
				return a.warehouseID < b.warehouseID
			}
			if a.input.ItemID != b.input.ItemID {
				return a.input.ItemID < b.input.ItemID
			}
			if a.input.LocationID != b.input.LocationID {
				return a.input.LocationID < b.input.LocationID
			}
			if a.canonical.CanonicalUom != b.canonical.CanonicalUom {
				return a.canonical.CanonicalUom < b.canonical.CanonicalUom
			}
			if a.input.DemandID != b.input.DemandID {
				return a.input.DemandID < b.input.DemandID
			}
			return a.input.DemandType < b.input.DemandType
		})

		keys := make([]AdvisoryKey, 0, len(prepared))
		for _, p := range prepared {
			keys = append(keys, AdvisoryKey{CompanyID: req.CompanyID, WarehouseID: p.warehouseID, ItemID: p.input.ItemID})
		}
		if err := acquireAdvisoryLocks(ctx, tx, keys); err != nil {
			return err
		}

		for _, p := range prepared {
			if !p.sellable {
				return NewError(CodeLocationNotSellable, fmt.Sprintf("location %d is not sellable", p.input.LocationID))
			}

			if existing, found, err := s.findReservationByIdempotencyKey(ctx, tx, req.CompanyID, p.idempotencyKey); err != nil {
				return err
			} else if found {
				result.Reservations = append(result.Reservations, existing)
				continue
			}

			key := BalanceKey{CompanyID: req.CompanyID, ItemID: p.input.ItemID, LocationID: p.input.LocationID, Uom: p.canonical.CanonicalUom}
			if err := s.balances.EnsureRow(ctx, tx, key); err != nil {
				return err
			}
			balance, err := s.balances.LockAndRead(ctx, tx, key)
			if err != nil {
				return err
			}

			allowBackorder := s.cfg.BackordersEnabled
			if p.input.AllowBackorder != nil {
				allowBackorder = *p.input.AllowBackorder
			}

			available := balance.Available()
			reserveQty := p.canonical.Qty
			var backorderQty decimal.Decimal

			if !gteEps(available.Add(Epsilon), p.canonical.Qty) {
				if !allowBackorder {
					return NewError(CodeATPInsufficientAvailable,
						fmt.Sprintf("available %s < requested %s for item %d at location %d", available.StringFixed(6), p.canonical.Qty.StringFixed(6), p.input.ItemID, p.input.LocationID))
				}
				reserveQty = clampNonNegative(roundQuantity(minDecimal(available, p.canonical.Qty)))
				backorderQty = roundQuantity(p.canonical.Qty.Sub(reserveQty))
			}

			reservation, inserted, err := s.insertReservationOnConflict(ctx, tx, req.CompanyID, p.warehouseID, p.input, p.canonical.CanonicalUom, reserveQty, p.idempotencyKey)
			if err != nil {
				return err
			}
			if !inserted {
				result.Reservations = append(result.Reservations, reservation)
				continue
			}

			if isPositive(reserveQty) {
				if _, err := s.balances.ApplyDelta(ctx, tx, key, decimal.Zero, reserveQty, decimal.Zero); err != nil {
					return err
				}
			}

			if err := s.insertReservationEvent(ctx, tx, reservation.ID, ReservationEventReserved, reserveQty, decimal.Zero); err != nil {
				return err
			}
			if err := s.outbox.Enqueue(ctx, tx, req.CompanyID, AggregateTypeReservation, fmt.Sprint(reservation.ID), EventTypeReservationChanged, reservationChangedPayload(reservation)); err != nil {
				return err
			}

			if isPositive(backorderQty) {
				if err := s.upsertBackorder(ctx, tx, req.CompanyID, p.input.DemandType, p.input.DemandID, p.input.ItemID, p.input.LocationID, p.canonical.CanonicalUom, backorderQty); err != nil {
					return err
				}
				result.Backorders = append(result.Backorders, Backorder{
					CompanyID: req.CompanyID, DemandType: p.input.DemandType, DemandID: p.input.DemandID,
					ItemID: p.input.ItemID, LocationID: p.input.LocationID, Uom: p.canonical.CanonicalUom,
					QuantityBackordered: backorderQty,
				})
			}

			result.Reservations = append(result.Reservations, reservation)

			if s.cache != nil {
				s.cache.InvalidateWarehouse(req.CompanyID, p.warehouseID)
			}
		}

		return nil
	})

	return result, err
}

func (s *reservationService) insertReservationOnConflict(ctx context.Context, tx pgx.Tx, companyID, warehouseID int, in ReservationLineInput, canonicalUom string, qty decimal.Decimal, idempotencyKey string) (Reservation, bool, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		INSERT INTO inventory_reservations
			(company_id, warehouse_id, demand_type, demand_id, item_id, location_id, canonical_uom,
			 state, quantity_reserved, quantity_fulfilled, reserved_at, expires_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, NOW(), $10, $11)
		ON CONFLICT (company_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING `+reservationColumns+`
	`, companyID, warehouseID, in.DemandType, in.DemandID, in.ItemID, in.LocationID, canonicalUom,
		ReservationReserved, qty, in.ExpiresAt, idempotencyKey,
	).Scan(scanReservationTargets(&r)...)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, fmt.Errorf("insert reservation: %w", err)
	}

	if existing, found, err := s.findReservationByIdempotencyKey(ctx, tx, companyID, idempotencyKey); err != nil {
		return Reservation{}, false, err
	} else if found {
		return existing, false, nil
	}

	existing, found, err := s.findReservationByDemandTuple(ctx, tx, companyID, warehouseID, in.DemandType, in.DemandID, in.ItemID, in.LocationID, canonicalUom)
	if err != nil {
		return Reservation{}, false, err
	}
	if found {
		return existing, false, nil
	}
	return Reservation{}, false, fmt.Errorf("reservation insert conflicted but no existing row located for key %q", idempotencyKey)
}

func (s *reservationService) findReservationByIdempotencyKey(ctx context.Context, tx pgx.Tx, companyID int, idempotencyKey string) (Reservation, bool, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM inventory_reservations WHERE company_id = $1 AND idempotency_key = $2`, companyID, idempotencyKey).
		Scan(scanReservationTargets(&r)...)
	if err == nil {
		return r, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	return Reservation{}, false, fmt.Errorf("find reservation by idempotency key: %w", err)
}

func (s *reservationService) findReservationByDemandTuple(ctx context.Context, tx pgx.Tx, companyID, warehouseID int, demandType string, demandID, itemID, locationID int, canonicalUom string) (Reservation, bool, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM inventory_reservations
		WHERE company_id = $1 AND warehouse_id = $2 AND demand_type = $3 AND demand_id = $4
		  AND item_id = $5 AND location_id = $6 AND canonical_uom = $7
		  AND state NOT IN ('FULFILLED', 'CANCELLED', 'EXPIRED')
	`, companyID, warehouseID, demandType, demandID, itemID, locationID, canonicalUom).Scan(scanReservationTargets(&r)...)
	if err == nil {
		return r, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	return Reservation{}, false, fmt.Errorf("find reservation by demand tuple: %w", err)
}

func (s *reservationService) lockReservation(ctx context.Context, tx pgx.Tx, companyID, warehouseID int, reservationID int64) (Reservation, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM inventory_reservations
		WHERE id = $1 AND company_id = $2 AND warehouse_id = $3
		FOR UPDATE
	`, reservationID, companyID, warehouseID).Scan(scanReservationTargets(&r)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, NewError(CodeReservationNotFound, fmt.Sprintf("reservation %d not found in warehouse %d", reservationID, warehouseID))
		}
		return Reservation{}, fmt.Errorf("lock reservation: %w", err)
	}
	return r, nil
}

func (s *reservationService) insertReservationEvent(ctx context.Context, tx pgx.Tx, reservationID int64, eventType string, deltaReserved, deltaAllocated decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_events (reservation_id, event_type, delta_reserved, delta_allocated, occurred_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, reservationID, eventType, deltaReserved, deltaAllocated)
	if err != nil {
		return fmt.Errorf("insert reservation event: %w", err)
	}
	return nil
}

func (s *reservationService) upsertBackorder(ctx context.Context, tx pgx.Tx, companyID int, demandType string, demandID, itemID, locationID int, uom string, qty decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO inventory_backorders (company_id, demand_type, demand_id, item_id, location_id, uom, quantity_backordered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id, demand_type, demand_id, item_id, location_id, uom)
		DO UPDATE SET quantity_backordered = inventory_backorders.quantity_backordered + EXCLUDED.quantity_backordered
	`, companyID, demandType, demandID, itemID, locationID, uom, qty)
	if err != nil {
		return fmt.Errorf("upsert backorder: %w", err)
	}
	return nil
}

func reservationChangedPayload(r Reservation) map[string]any {
	return map[string]any{
		"reservationId":     r.ID,
		"state":             r.State,
		"demandType":        r.DemandType,
		"demandId":          r.DemandID,
		"itemId":            r.ItemID,
		"locationId":        r.LocationID,
		"canonicalUom":      r.CanonicalUom,
		"quantityReserved":  r.QuantityReserved,
		"quantityFulfilled": r.QuantityFulfilled,
	}
}

func (s *reservationService) Allocate(ctx context.Context, companyID, warehouseID int, reservationID int64, idempotencyKey string) (Reservation, error) {
	var result Reservation
	err := runSerializable(ctx, s.pool, s.cfg.ATPSerializableRetries, func(ctx context.Context, tx pgx.Tx) error {
		rec, started, err := s.beginLifecycleIdempotency(ctx, tx, companyID, reservationID, "allocate", idempotencyKey, reservationID)
		if err != nil {
			return err
		}
		if !started {
			stored, err := decodeStoredReservation(rec)
			if err != nil {
				return err
			}
			result = stored
			return nil
		}

		r, err := s.lockReservation(ctx, tx, companyID, warehouseID, reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationReserved {
			return NewError(CodeReservationInvalidState, fmt.Sprintf("reservation %d is %s, cannot allocate", r.ID, r.State))
		}
		openQty := r.OpenRemaining()
		if !isPositive(openQty) {
			return NewError(CodeReservationInvalidState, fmt.Sprintf("reservation %d has no open quantity to allocate", r.ID))
		}

		key := BalanceKey{CompanyID: companyID, ItemID: r.ItemID, LocationID: r.LocationID, Uom: r.CanonicalUom}
		if _, err := s.balances.ApplyDelta(ctx, tx, key, decimal.Zero, openQty.Neg(), openQty); err != nil {
			return err
		}

		now := time.Now()
		if _, err := tx.Exec(ctx, `UPDATE inventory_reservations SET state = $1, allocated_at = $2 WHERE id = $3`, ReservationAllocated, now, r.ID); err != nil {
			return fmt.Errorf("update reservation to allocated: %w", err)
		}
		r.State = ReservationAllocated
		r.AllocatedAt = &now

		if err := s.insertReservationEvent(ctx, tx, r.ID, ReservationEventAllocated, openQty.Neg(), openQty); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, companyID, AggregateTypeReservation, fmt.Sprint(r.ID), EventTypeReservationChanged, reservationChangedPayload(r)); err != nil {
			return err
		}
		if s.cache != nil {
			s.cache.InvalidateWarehouse(companyID, warehouseID)
		}
		if rec.ID != 0 {
			if err := s.idempotency.Complete(ctx, tx, rec.ID, IdempotencyStatusSucceeded, r); err != nil {
				return err
			}
		}
		result = r
		return nil
	})
	return result, err
}

func (s *reservationService) Cancel(ctx context.Context, companyID, warehouseID int, reservationID int64, idempotencyKey, reason string) (Reservation, error) {
	var result Reservation
	err := runSerializable(ctx, s.pool, s.cfg.ATPSerializableRetries, func(ctx context.Context, tx pgx.Tx) error {
		rec, started, err := s.beginLifecycleIdempotency(ctx, tx, companyID, reservationID, "cancel", idempotencyKey, map[string]any{"reservationID": reservationID, "reason": reason})
		if err != nil {
			return err
		}
		if !started {
			stored, err := decodeStoredReservation(rec)
			if err != nil {
				return err
			}
			result = stored
			return nil
		}

		r, err := s.lockReservation(ctx, tx, companyID, warehouseID, reservationID)
		if err != nil {
			return err
		}
		// Permissive cancel: both RESERVED and ALLOCATED are accepted (see
		// DESIGN.md's decision on policy-gated ALLOCATED cancel).
		if r.State != ReservationReserved && r.State != ReservationAllocated {
			return NewError(CodeReservationInvalidState, fmt.Sprintf("reservation %d is %s, cannot cancel", r.ID, r.State))
		}

		remaining := r.OpenRemaining()
		key := BalanceKey{CompanyID: companyID, ItemID: r.ItemID, LocationID: r.LocationID, Uom: r.CanonicalUom}
		var deltaReserved, deltaAllocated decimal.Decimal
		if r.State == ReservationReserved {
			deltaReserved = remaining.Neg()
		} else {
			deltaAllocated = remaining.Neg()
		}
		if isPositive(remaining) {
			if _, err := s.balances.ApplyDelta(ctx, tx, key, decimal.Zero, deltaReserved, deltaAllocated); err != nil {
				return err
			}
		}

		now := time.Now()
		var reasonPtr *string
		if reason != "" {
			reasonPtr = &reason
		}
		if _, err := tx.Exec(ctx, `UPDATE inventory_reservations SET state = $1, canceled_at = $2, cancel_reason = $3 WHERE id = $4`,
			ReservationCancelled, now, reasonPtr, r.ID); err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}
		r.State = ReservationCancelled
		r.CanceledAt = &now
		r.CancelReason = reasonPtr

		if err := s.insertReservationEvent(ctx, tx, r.ID, ReservationEventCancelled, deltaReserved, deltaAllocated); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, companyID, AggregateTypeReservation, fmt.Sprint(r.ID), EventTypeReservationChanged, reservationChangedPayload(r)); err != nil {
			return err
		}
		if s.cache != nil {
			s.cache.InvalidateWarehouse(companyID, warehouseID)
		}
		if rec.ID != 0 {
			if err := s.idempotency.Complete(ctx, tx, rec.ID, IdempotencyStatusSucceeded, r); err != nil {
				return err
			}
		}
		result = r
		return nil
	})
	return result, err
}

func (s *reservationService) Fulfill(ctx context.Context, companyID, warehouseID int, reservationID int64, qty decimal.Decimal, idempotencyKey string) (Reservation, error) {
	var result Reservation
	err := runSerializable(ctx, s.pool, s.cfg.ATPSerializableRetries, func(ctx context.Context, tx pgx.Tx) error {
		rec, started, err := s.beginLifecycleIdempotency(ctx, tx, companyID, reservationID, "fulfill", idempotencyKey, map[string]any{"reservationID": reservationID, "qty": qty})
		if err != nil {
			return err
		}
		if !started {
			stored, err := decodeStoredReservation(rec)
			if err != nil {
				return err
			}
			result = stored
			return nil
		}

		r, err := s.lockReservation(ctx, tx, companyID, warehouseID, reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationAllocated {
			return NewError(CodeReservationInvalidState, fmt.Sprintf("reservation %d is %s, cannot fulfill", r.ID, r.State))
		}
		if !isPositive(qty) {
			return NewError(CodeReservationInvalidQty, "fulfill quantity must be positive")
		}

		openQty := r.OpenRemaining()
		consume := roundQuantity(minDecimal(qty, openQty))
		if !isPositive(consume) {
			return NewError(CodeReservationInvalidQty, fmt.Sprintf("reservation %d has no open quantity to fulfill", r.ID))
		}

		key := BalanceKey{CompanyID: companyID, ItemID: r.ItemID, LocationID: r.LocationID, Uom: r.CanonicalUom}
		if _, err := s.balances.ApplyDelta(ctx, tx, key, decimal.Zero, decimal.Zero, consume.Neg()); err != nil {
			return err
		}

		newFulfilled := roundQuantity(r.QuantityFulfilled.Add(consume))
		remainder := roundQuantity(r.QuantityReserved.Sub(newFulfilled))
		newState := ReservationAllocated
		var fulfilledAt *time.Time
		eventType := ReservationEventAllocated
		if isZeroish(remainder) || remainder.LessThan(decimal.Zero) {
			newState = ReservationFulfilled
			now := time.Now()
			fulfilledAt = &now
			eventType = ReservationEventFulfilled
		}

		if _, err := tx.Exec(ctx, `
			UPDATE inventory_reservations SET state = $1, quantity_fulfilled = $2, fulfilled_at = $3 WHERE id = $4
		`, newState, newFulfilled, fulfilledAt, r.ID); err != nil {
			return fmt.Errorf("update reservation fulfillment: %w", err)
		}
		r.State = newState
		r.QuantityFulfilled = newFulfilled
		r.FulfilledAt = fulfilledAt

		if err := s.insertReservationEvent(ctx, tx, r.ID, eventType, decimal.Zero, consume.Neg()); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, companyID, AggregateTypeReservation, fmt.Sprint(r.ID), EventTypeReservationChanged, reservationChangedPayload(r)); err != nil {
			return err
		}
		if s.cache != nil {
			s.cache.InvalidateWarehouse(companyID, warehouseID)
		}
		if rec.ID != 0 {
			if err := s.idempotency.Complete(ctx, tx, rec.ID, IdempotencyStatusSucceeded, r); err != nil {
				return err
			}
		}
		result = r
		return nil
	})
	return result, err
}

func (s *reservationService) ExpireEligible(ctx context.Context, limit int) (int, error) {
	count := 0
	err := runSerializable(ctx, s.pool, s.cfg.ATPSerializableRetries, func(ctx context.Context, tx pgx.Tx) error {
		count = 0

		rows, err := tx.Query(ctx, `
			SELECT `+reservationColumns+`
			FROM inventory_reservations
			WHERE state = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, ReservationReserved, limit)
		if err != nil {
			return fmt.Errorf("select eligible reservations for expiry: %w", err)
		}

		var eligible []Reservation
		for rows.Next() {
			var r Reservation
			if err := rows.Scan(scanReservationTargets(&r)...); err != nil {
				rows.Close()
				return fmt.Errorf("scan eligible reservation: %w", err)
			}
			eligible = append(eligible, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range eligible {
			remaining := r.OpenRemaining()
			key := BalanceKey{CompanyID: r.CompanyID, ItemID: r.ItemID, LocationID: r.LocationID, Uom: r.CanonicalUom}
			if isPositive(remaining) {
				if _, err := s.balances.ApplyDelta(ctx, tx, key, decimal.Zero, remaining.Neg(), decimal.Zero); err != nil {
					return err
				}
			}

			now := time.Now()
			if _, err := tx.Exec(ctx, `UPDATE inventory_reservations SET state = $1, expired_at = $2 WHERE id = $3`, ReservationExpired, now, r.ID); err != nil {
				return fmt.Errorf("expire reservation: %w", err)
			}
			r.State = ReservationExpired
			r.ExpiredAt = &now

			if err := s.insertReservationEvent(ctx, tx, r.ID, ReservationEventExpired, remaining.Neg(), decimal.Zero); err != nil {
				return err
			}
			if err := s.outbox.Enqueue(ctx, tx, r.CompanyID, AggregateTypeReservation, fmt.Sprint(r.ID), EventTypeReservationChanged, reservationChangedPayload(r)); err != nil {
				return err
			}
			if s.cache != nil {
				s.cache.InvalidateWarehouse(r.CompanyID, r.WarehouseID)
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *reservationService) CheckAvailability(ctx context.Context, companyID, warehouseID, itemID int, uom string) (decimal.Decimal, error) {
	load := func(ctx context.Context) (decimal.Decimal, error) {
		return s.balances.SumAvailableForWarehouse(ctx, companyID, warehouseID, itemID, uom)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Get(ctx, companyID, warehouseID, itemID, uom, load)
}

// reservationColumns is the column list shared by every reservation SELECT,
// kept alongside scanReservationTargets so the two can never drift apart.
const reservationColumns = `
	id, company_id, warehouse_id, demand_type, demand_id, item_id, location_id, canonical_uom,
	state, quantity_reserved, quantity_fulfilled, reserved_at, allocated_at, fulfilled_at,
	canceled_at, expired_at, expires_at, idempotency_key, cancel_reason
`

func scanReservationTargets(r *Reservation) []any {
	return []any{
		&r.ID, &r.CompanyID, &r.WarehouseID, &r.DemandType, &r.DemandID, &r.ItemID, &r.LocationID, &r.CanonicalUom,
		&r.State, &r.QuantityReserved, &r.QuantityFulfilled, &r.ReservedAt, &r.AllocatedAt, &r.FulfilledAt,
		&r.CanceledAt, &r.ExpiredAt, &r.ExpiresAt, &r.IdempotencyKey, &r.CancelReason,
	}
}
