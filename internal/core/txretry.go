package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// serializationFailure / deadlockDetected are the Postgres SQLSTATE codes
// that the retry loop treats as retryable.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// isRetryablePgError reports whether err is a serialization failure or
// deadlock that the caller's retry budget should absorb.
func isRetryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected
}

// runSerializable wraps fn in a SERIALIZABLE transaction, retrying up to
// maxRetries times on serialization failure/deadlock. On exhaustion it
// surfaces CodeATPConcurrencyExhausted carrying the attempt count and the
// underlying code. Any other error rolls back and is returned unwrapped via
// the usual `defer tx.Rollback(ctx)` + early-return pattern for a single
// attempt.
func runSerializable(ctx context.Context, pool *pgxpool.Pool, maxRetries int, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := runOnce(ctx, pool, fn)
		if err == nil {
			return nil
		}
		if !isRetryablePgError(err) {
			return err
		}
		lastErr = err
	}
	var pgErr *pgconn.PgError
	underlying := ""
	if errors.As(lastErr, &pgErr) {
		underlying = pgErr.Code
	}
	return &Error{
		Code:          CodeATPConcurrencyExhausted,
		Message:       fmt.Sprintf("exhausted %d retries (last sqlstate %s)", maxRetries, underlying),
		Cause:         lastErr,
		Retryable:     true,
		RetryAttempts: maxRetries + 1,
	}
}

func runOnce(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin serializable transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

// AdvisoryKey identifies the (tenant, warehouse, item) unit of exclusivity:
// coarse enough to avoid cross-balance deadlocks, fine enough not to
// serialize unrelated items.
type AdvisoryKey struct {
	CompanyID   int
	WarehouseID int
	ItemID      int
}

// sortAdvisoryKeys returns the distinct keys in the deterministic lock
// order: sorted by (warehouseId, itemId) ascending.
func sortAdvisoryKeys(keys []AdvisoryKey) []AdvisoryKey {
	seen := make(map[AdvisoryKey]struct{}, len(keys))
	var out []AdvisoryKey
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.WarehouseID != b.WarehouseID {
			return a.WarehouseID < b.WarehouseID
		}
		return a.ItemID < b.ItemID
	})
	return out
}

// acquireAdvisoryLocks takes the transaction-scoped advisory locks for each
// key in order, using two hashtext() keys: hashtext("atp:<tenant>"),
// hashtext("<warehouse>:<item>"). The lock is released automatically at
// transaction end (pg_advisory_xact_lock).
func acquireAdvisoryLocks(ctx context.Context, tx pgx.Tx, keys []AdvisoryKey) error {
	for _, k := range sortAdvisoryKeys(keys) {
		tenantKey := fmt.Sprintf("atp:%d", k.CompanyID)
		itemKey := fmt.Sprintf("%d:%d", k.WarehouseID, k.ItemID)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, tenantKey, itemKey); err != nil {
			return fmt.Errorf("acquire advisory lock for warehouse %d item %d: %w", k.WarehouseID, k.ItemID, err)
		}
	}
	return nil
}
