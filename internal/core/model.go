package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Balance ────────────────────────────────────────────────────────────────

// BalanceKey identifies an inventory_balance row: (tenant, item, location, uom).
type BalanceKey struct {
	CompanyID  int
	ItemID     int
	LocationID int
	Uom        string
}

// InventoryBalance is the per-(tenant, item, location, uom) counter row.
// Available is derived, never stored.
type InventoryBalance struct {
	ID         int
	CompanyID  int
	ItemID     int
	LocationID int
	Uom        string
	OnHand     decimal.Decimal
	Reserved   decimal.Decimal
	Allocated  decimal.Decimal
	UpdatedAt  time.Time
}

// Available returns OnHand - Reserved - Allocated.
func (b InventoryBalance) Available() decimal.Decimal {
	return b.OnHand.Sub(b.Reserved).Sub(b.Allocated)
}

// ── Cost layers ──────────────────────────────────────────────────────────────

const (
	SourceTypeReceipt        = "receipt"
	SourceTypeProduction     = "production"
	SourceTypeAdjustment     = "adjustment"
	SourceTypeOpeningBalance = "opening_balance"
	SourceTypeTransferIn     = "transfer_in"
)

// CostLayer is an append-only FIFO receipt bucket.
type CostLayer struct {
	ID               int
	CompanyID        int
	ItemID           int
	LocationID       int
	Uom              string
	LayerDate        time.Time
	LayerSequence    int64
	OriginalQty      decimal.Decimal
	RemainingQty     decimal.Decimal
	UnitCost         decimal.Decimal
	ExtendedCost     decimal.Decimal
	SourceType       string
	SourceDocumentID string
	MovementID       *int
	LotID            *string
	Voided           bool
}

// CostLayerConsumption is an append-only drain-event row against a CostLayer.
type CostLayerConsumption struct {
	ID              int
	LayerID         int
	ConsumedQty     decimal.Decimal
	UnitCost        decimal.Decimal
	ExtendedCost    decimal.Decimal
	ConsumptionType string
	DocID           string
	MovementID      int
	ConsumedAt      time.Time
}

// ConsumptionResult is the outcome of draining cost layers FIFO for a qty.
type ConsumptionResult struct {
	TotalCost              decimal.Decimal
	WeightedAverageUnitCost decimal.Decimal
	Consumptions           []CostLayerConsumption
}

// ── Movements ────────────────────────────────────────────────────────────────

const (
	MovementTypeIssue      = "issue"
	MovementTypeReceive    = "receive"
	MovementTypeTransfer   = "transfer"
	MovementTypeAdjustment = "adjustment"

	MovementStatusDraft  = "draft"
	MovementStatusPosted = "posted"
)

// InventoryMovement is a posted or draft inventory movement header.
type InventoryMovement struct {
	ID             int
	CompanyID      int
	MovementType   string
	Status         string
	ExternalRef    string
	SourceType     *string
	SourceID       *string
	IdempotencyKey *string
	OccurredAt     time.Time
	PostedAt       *time.Time
	Metadata       map[string]any
}

// InventoryMovementLine is one posted line of an InventoryMovement.
type InventoryMovementLine struct {
	ID                     int
	MovementID             int
	ItemID                 int
	LocationID             int
	QuantityDelta          decimal.Decimal
	Uom                    string
	QuantityDeltaEntered   decimal.Decimal
	UomEntered             string
	QuantityDeltaCanonical decimal.Decimal
	CanonicalUom           string
	UomDimension           string
	UnitCost               *decimal.Decimal
	ExtendedCost           *decimal.Decimal
	ReasonCode             *string
}

// ── Idempotency ──────────────────────────────────────────────────────────────

const (
	IdempotencyStatusInProgress = "IN_PROGRESS"
	IdempotencyStatusSucceeded  = "SUCCEEDED"
	IdempotencyStatusFailed     = "FAILED"
)

// IdempotencyRecord is a request-keyed record scoped to an operation type.
// Scope distinguishes e.g. "reservation:lifecycle:allocate" from
// "reservation:lifecycle:cancel" so the same caller-supplied key can't
// collide across unrelated operations.
type IdempotencyRecord struct {
	ID             int64
	CompanyID      int
	Scope          string
	IdempotencyKey string
	RequestHash    string
	Status         string
	Result         []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ── Outbox ───────────────────────────────────────────────────────────────────

const (
	OutboxStatusPending = "pending"
	OutboxStatusDone    = "done"
	OutboxStatusFailed  = "failed"
)

// OutboxEvent is a transactional outbox row.
type OutboxEvent struct {
	ID            int64
	CompanyID     int
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        string
	Attempts      int
	CreatedAt     time.Time
}

const (
	AggregateTypeReservation = "reservation"
	AggregateTypeMovement    = "movement"

	EventTypeMovementPosted       = "inventory.movement.posted"
	EventTypeReservationChanged  = "inventory.reservation.changed"
)

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditEntry records one audited action.
type AuditEntry struct {
	ID         int64
	CompanyID  int
	Action     string
	EntityType string
	EntityID   string
	Actor      string
	Details    map[string]any
	OccurredAt time.Time
}

// ── UoM ──────────────────────────────────────────────────────────────────────

// UomDimension groups units that are mutually convertible (e.g. "mass").
type UomDimension string

// CanonicalQuantity is the result of convertToCanonical.
type CanonicalQuantity struct {
	Qty          decimal.Decimal
	CanonicalUom string
	Dimension    UomDimension
}

// MovementFields is the entered+canonical triplet getCanonicalMovementFields
// returns for audit.
type MovementFields struct {
	QtyEntered   decimal.Decimal
	UomEntered   string
	QtyCanonical decimal.Decimal
	CanonicalUom string
	Dimension    UomDimension
}
