package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// UomConverter resolves (quantity, uom) to canonical form per item, from the
// item's canonical uom (item_canonical_uoms) and per-item or global
// conversion factors (item_uom_factors, uom_conversions).
type UomConverter interface {
	// ConvertToCanonical converts qty in uom to the item's canonical uom.
	// Fails with CodeUomDimensionMismatch or CodeItemCanonicalUomMissing.
	ConvertToCanonical(ctx context.Context, q Querier, companyID, itemID int, qty decimal.Decimal, uom string) (CanonicalQuantity, error)
	// MovementFields additionally returns the entered (qty, uom) pair for audit.
	MovementFields(ctx context.Context, q Querier, companyID, itemID int, qty decimal.Decimal, uom string) (MovementFields, error)
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, generalized to
// cover Exec/Query too since UoM lookups happen inside locking transactions.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

type uomConverter struct{}

// NewUomConverter constructs the default UomConverter.
func NewUomConverter() UomConverter {
	return uomConverter{}
}

// conversionFactor resolves the factor that converts one unit of uom into
// the dimension's base unit, preferring an item-specific override
// (item_uom_factors) over the global table (uom_conversions). Item-specific
// overrides exist for non-standard packaging units (e.g. a "case" of item X
// holding 24 base units) that no global table could express.
func (uomConverter) conversionFactor(ctx context.Context, q Querier, companyID, itemID int, uom string) (decimal.Decimal, UomDimension, error) {
	var factor decimal.Decimal
	var dimension string
	err := q.QueryRow(ctx, `
		SELECT factor, dimension FROM item_uom_factors
		WHERE company_id = $1 AND item_id = $2 AND uom = $3
	`, companyID, itemID, uom).Scan(&factor, &dimension)
	if err == nil {
		return factor, UomDimension(dimension), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, "", fmt.Errorf("resolve item uom factor: %w", err)
	}

	err = q.QueryRow(ctx, `
		SELECT factor_to_base, dimension FROM uom_conversions WHERE uom = $1
	`, uom).Scan(&factor, &dimension)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, "", NewError(CodeUomDimensionMismatch, fmt.Sprintf("unknown uom %q", uom))
		}
		return decimal.Zero, "", fmt.Errorf("resolve uom conversion: %w", err)
	}
	return factor, UomDimension(dimension), nil
}

// canonicalUomForItem resolves the item's canonical uom and dimension.
func (uomConverter) canonicalUomForItem(ctx context.Context, q Querier, companyID, itemID int) (string, UomDimension, error) {
	var canonicalUom, dimension string
	err := q.QueryRow(ctx, `
		SELECT canonical_uom, dimension FROM item_canonical_uoms
		WHERE company_id = $1 AND item_id = $2
	`, companyID, itemID).Scan(&canonicalUom, &dimension)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", NewError(CodeItemCanonicalUomMissing, fmt.Sprintf("item %d has no canonical uom configured", itemID))
		}
		return "", "", fmt.Errorf("resolve item canonical uom: %w", err)
	}
	return canonicalUom, UomDimension(dimension), nil
}

func (c uomConverter) ConvertToCanonical(ctx context.Context, q Querier, companyID, itemID int, qty decimal.Decimal, uom string) (CanonicalQuantity, error) {
	canonicalUom, itemDimension, err := c.canonicalUomForItem(ctx, q, companyID, itemID)
	if err != nil {
		return CanonicalQuantity{}, err
	}

	if uom == canonicalUom {
		return CanonicalQuantity{Qty: roundQuantity(qty), CanonicalUom: canonicalUom, Dimension: itemDimension}, nil
	}

	fromFactor, fromDim, err := c.conversionFactor(ctx, q, companyID, itemID, uom)
	if err != nil {
		return CanonicalQuantity{}, err
	}
	toFactor, toDim, err := c.conversionFactor(ctx, q, companyID, itemID, canonicalUom)
	if err != nil {
		return CanonicalQuantity{}, err
	}
	if fromDim != toDim || fromDim != itemDimension {
		return CanonicalQuantity{}, NewError(CodeUomDimensionMismatch,
			fmt.Sprintf("uom %q (%s) is not convertible to item's canonical uom %q (%s)", uom, fromDim, canonicalUom, toDim))
	}

	// Both factors are expressed relative to the dimension's base unit, so
	// converting uom -> canonicalUom is (qty * fromFactor) / toFactor.
	converted := qty.Mul(fromFactor).Div(toFactor)
	return CanonicalQuantity{Qty: roundQuantity(converted), CanonicalUom: canonicalUom, Dimension: itemDimension}, nil
}

func (c uomConverter) MovementFields(ctx context.Context, q Querier, companyID, itemID int, qty decimal.Decimal, uom string) (MovementFields, error) {
	canonical, err := c.ConvertToCanonical(ctx, q, companyID, itemID, qty, uom)
	if err != nil {
		return MovementFields{}, err
	}
	return MovementFields{
		QtyEntered:   roundQuantity(qty),
		UomEntered:   uom,
		QtyCanonical: canonical.Qty,
		CanonicalUom: canonical.CanonicalUom,
		Dimension:    canonical.Dimension,
	}, nil
}
