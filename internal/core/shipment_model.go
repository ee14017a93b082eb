package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Shipment and ShipmentLine model the pre-existing header/lines the poster
// reads and advances. A shipment header is expected to already exist with
// status draft and a ship-from location before posting begins; shipment
// creation itself belongs to the sales-order/fulfillment layer upstream of
// this module, which only ever locks, reads, and posts an existing draft.
const (
	ShipmentStatusDraft    = "draft"
	ShipmentStatusPosted   = "posted"
	ShipmentStatusCanceled = "canceled"
)

type Shipment struct {
	ID                 int
	CompanyID          int
	SalesOrderID       int
	ShipFromLocationID int
	Status             string
	MovementID         *int
	PostedAt           *time.Time
	PostedIdempotency  *string
}

type ShipmentLine struct {
	ID               int
	ShipmentID       int
	SalesOrderLineID int
	ItemID           int
	QuantityShipped  decimal.Decimal
	Uom              string

	// locationID overrides the shipment's ship-from location for this line
	// when set (multi-location shipments); nil means "use the shipment's
	// ship-from location".
	locationID *int
}

// LocationIDOrDefault returns the line's own location if set, else fallback.
func (l ShipmentLine) LocationIDOrDefault(fallback int) int {
	if l.locationID != nil {
		return *l.locationID
	}
	return fallback
}

// PostShipmentRequest is the input to ShipmentPoster.Post.
type PostShipmentRequest struct {
	CompanyID         int
	ShipmentID        int
	IdempotencyKey    string
	Actor             string
	OverrideRequested bool
	OverrideReason    string
	OverrideReference string
}

// PostShipmentResult is the output view of a posted (or already-posted)
// shipment; posting against an already-posted shipment is a no-op that
// returns the current posted view rather than an error.
type PostShipmentResult struct {
	ShipmentID       int
	MovementID       int
	Status           string
	OverrideApplied  bool
	OverrideReason   string
}
