package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState is the closed sum of the five states in the reservation
// lifecycle. Transitions are enforced in reservation_service.go, not by the
// type system, since the allowed edges depend on runtime policy (e.g. the
// permissive-cancel-of-ALLOCATED decision recorded in DESIGN.md).
type ReservationState string

const (
	ReservationReserved  ReservationState = "RESERVED"
	ReservationAllocated ReservationState = "ALLOCATED"
	ReservationFulfilled ReservationState = "FULFILLED"
	ReservationCancelled ReservationState = "CANCELLED"
	ReservationExpired   ReservationState = "EXPIRED"
)

// isTerminal reports whether the state contributes 0 to reserved/allocated.
func (s ReservationState) isTerminal() bool {
	switch s {
	case ReservationFulfilled, ReservationCancelled, ReservationExpired:
		return true
	default:
		return false
	}
}

// Reservation is a single reservation row. The invariant key
// (tenant, warehouse, demandType, demandId, itemId, locationId, canonicalUom)
// is enforced by a partial unique index over non-terminal states; see
// migrations/0001_init.sql.
type Reservation struct {
	ID                int64
	CompanyID         int
	WarehouseID       int
	DemandType        string
	DemandID          int
	ItemID            int
	LocationID        int
	CanonicalUom      string
	State             ReservationState
	QuantityReserved  decimal.Decimal
	QuantityFulfilled decimal.Decimal
	ReservedAt        time.Time
	AllocatedAt       *time.Time
	FulfilledAt       *time.Time
	CanceledAt        *time.Time
	ExpiredAt         *time.Time
	ExpiresAt         *time.Time
	IdempotencyKey    *string
	CancelReason      *string
}

// OpenRemaining returns the quantity still contributing to reserved+allocated
// (i.e. not yet fulfilled). Zero for terminal states.
func (r Reservation) OpenRemaining() decimal.Decimal {
	if r.State.isTerminal() {
		return decimal.Zero
	}
	return r.QuantityReserved.Sub(r.QuantityFulfilled)
}

const (
	ReservationEventReserved  = "RESERVED"
	ReservationEventAllocated = "ALLOCATED"
	ReservationEventCancelled = "CANCELLED"
	ReservationEventExpired   = "EXPIRED"
	ReservationEventFulfilled = "FULFILLED"
)

// ReservationEvent is the append-only event-sourcing row: the sum of deltas
// over a reservation's events equals its current contribution to
// (reserved, allocated).
type ReservationEvent struct {
	ID             int64
	ReservationID  int64
	EventType      string
	DeltaReserved  decimal.Decimal
	DeltaAllocated decimal.Decimal
	OccurredAt     time.Time
}

// Backorder is outstanding demand not covered by reservation.
type Backorder struct {
	ID                  int64
	CompanyID           int
	DemandType          string
	DemandID            int
	ItemID              int
	LocationID          int
	Uom                 string
	QuantityBackordered decimal.Decimal
}

// ReservationLineInput is one line of a createReservations batch.
type ReservationLineInput struct {
	DemandType      string
	DemandID        int
	ItemID          int
	LocationID      int
	Quantity        decimal.Decimal
	Uom             string
	WarehouseID     *int // explicit warehouse, if the caller supplies one
	AllowBackorder  *bool // overrides Config.BackordersEnabled for this line if set
	ExpiresAt       *time.Time
}

// CreateReservationsRequest is the input to ReservationService.Create.
type CreateReservationsRequest struct {
	CompanyID      int
	Lines          []ReservationLineInput
	IdempotencyKey string
}

// CreateReservationsResult is the output of ReservationService.Create.
type CreateReservationsResult struct {
	Reservations []Reservation
	Backorders   []Backorder
}
