package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// StockConsumptionLine is one line of the stock validator's input.
type StockConsumptionLine struct {
	ItemID           int
	LocationID       int
	Uom              string
	QuantityToConsume decimal.Decimal
}

// OverrideMetadata is attached to the movement and audited when the
// negative-stock override was exercised.
type OverrideMetadata struct {
	OverrideReason    string
	OverrideReference string
	Actor             string
}

// StockValidator guards negative-stock postings and permits authorized
// overrides, generalized from a single-line availability check to a batch
// with an explicit override branch.
type StockValidator interface {
	// Validate ensures every line's balance row exists and reads canonical
	// availability; if every line is satisfied within Epsilon it returns a
	// nil OverrideMetadata. Otherwise it applies override policy.
	Validate(ctx context.Context, tx pgx.Tx, companyID int, lines []StockConsumptionLine, actor string, overrideRequested bool, overrideReason, overrideReference string) (*OverrideMetadata, error)
}

type stockValidator struct {
	balances BalanceService
	cfg      Config
}

// NewStockValidator constructs the default StockValidator.
func NewStockValidator(balances BalanceService, cfg Config) StockValidator {
	return &stockValidator{balances: balances, cfg: cfg}
}

func (v *stockValidator) actorAuthorized(actor string) bool {
	for _, a := range v.cfg.NegativeOverrideAuthorizedActors {
		if a == actor {
			return true
		}
	}
	return false
}

func (v *stockValidator) Validate(ctx context.Context, tx pgx.Tx, companyID int, lines []StockConsumptionLine, actor string, overrideRequested bool, overrideReason, overrideReference string) (*OverrideMetadata, error) {
	shortfall := false
	for _, line := range lines {
		key := BalanceKey{CompanyID: companyID, ItemID: line.ItemID, LocationID: line.LocationID, Uom: line.Uom}
		if err := v.balances.EnsureRow(ctx, tx, key); err != nil {
			return nil, err
		}
		balance, err := v.balances.LockAndRead(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		available := balance.Available()
		if !gteEps(available.Add(Epsilon), line.QuantityToConsume) {
			shortfall = true
			break
		}
	}

	if !shortfall {
		return nil, nil
	}

	if !overrideRequested {
		return nil, NewError(CodeInsufficientStock, "insufficient available stock to satisfy requested quantity")
	}
	if !v.actorAuthorized(actor) {
		return nil, NewError(CodeNegativeOverrideDenied, fmt.Sprintf("actor %q is not authorized to apply a negative-stock override", actor))
	}
	if overrideReason == "" {
		return nil, NewError(CodeNegativeOverrideNoReason, "overrideReason is required when overrideRequested is true")
	}

	return &OverrideMetadata{OverrideReason: overrideReason, OverrideReference: overrideReference, Actor: actor}, nil
}
