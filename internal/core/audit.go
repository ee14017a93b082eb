package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AuditLogger writes one row per audited action: shipment posting records a
// "post" row and, when a negative-stock override is applied, a
// "negative_override" row, for later review.
type AuditLogger interface {
	Record(ctx context.Context, tx pgx.Tx, companyID int, action, entityType, entityID, actor string, details map[string]any) error
}

type auditLogger struct{}

// NewAuditLogger constructs the default AuditLogger.
func NewAuditLogger() AuditLogger {
	return auditLogger{}
}

func (auditLogger) Record(ctx context.Context, tx pgx.Tx, companyID int, action, entityType, entityID, actor string, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (company_id, action, entity_type, entity_id, actor, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, companyID, action, entityType, entityID, actor, raw)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
