package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyService implements a request-dedup protocol: an INSERT ...
// ON CONFLICT DO NOTHING RETURNING id that yields pgx.ErrNoRows on a
// duplicate key, which the caller maps to either "still in progress" or
// "replay the stored result" depending on the existing row's status.
type IdempotencyService interface {
	// Begin starts (or resumes) an idempotent operation keyed by
	// (companyID, scope, idempotencyKey). If a record already exists:
	//   - status SUCCEEDED: returns the stored result with started=false
	//   - status IN_PROGRESS: returns CodeIdempotencyInProgress
	//   - status FAILED: the record is reopened, started=true
	// requestHash must match the stored hash for a pre-existing record of the
	// same key, or the call fails with CodeIdempotencyConflict when the same
	// idempotency key is reused for a different request body.
	Begin(ctx context.Context, tx pgx.Tx, companyID int, scope, idempotencyKey string, requestBody any) (record IdempotencyRecord, started bool, err error)
	// Complete stores the terminal status and result payload for a record
	// previously returned by Begin with started=true.
	Complete(ctx context.Context, tx pgx.Tx, recordID int64, status string, result any) error
}

type idempotencyService struct {
	pool *pgxpool.Pool
}

// NewIdempotencyService constructs the default IdempotencyService.
func NewIdempotencyService(pool *pgxpool.Pool) IdempotencyService {
	return &idempotencyService{pool: pool}
}

func hashRequestBody(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency request body: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (s *idempotencyService) Begin(ctx context.Context, tx pgx.Tx, companyID int, scope, idempotencyKey string, requestBody any) (IdempotencyRecord, bool, error) {
	bodyHash, err := hashRequestBody(requestBody)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	var rec IdempotencyRecord
	err = tx.QueryRow(ctx, `
		INSERT INTO idempotency_records (company_id, scope, idempotency_key, request_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (company_id, scope, idempotency_key) DO NOTHING
		RETURNING id, company_id, scope, idempotency_key, request_hash, status, result, created_at, updated_at
	`, companyID, scope, idempotencyKey, bodyHash, IdempotencyStatusInProgress).Scan(
		&rec.ID, &rec.CompanyID, &rec.Scope, &rec.IdempotencyKey, &rec.RequestHash, &rec.Status, &rec.Result, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, fmt.Errorf("insert idempotency record: %w", err)
	}

	// Conflict: an existing record owns this key. Lock it and decide.
	err = tx.QueryRow(ctx, `
		SELECT id, company_id, scope, idempotency_key, request_hash, status, result, created_at, updated_at
		FROM idempotency_records
		WHERE company_id = $1 AND scope = $2 AND idempotency_key = $3
		FOR UPDATE
	`, companyID, scope, idempotencyKey).Scan(
		&rec.ID, &rec.CompanyID, &rec.Scope, &rec.IdempotencyKey, &rec.RequestHash, &rec.Status, &rec.Result, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("lock existing idempotency record: %w", err)
	}

	if rec.RequestHash != bodyHash {
		return IdempotencyRecord{}, false, NewError(CodeIdempotencyConflict,
			fmt.Sprintf("idempotency key %q already used with a different request body", idempotencyKey))
	}

	switch rec.Status {
	case IdempotencyStatusSucceeded:
		return rec, false, nil
	case IdempotencyStatusInProgress:
		return IdempotencyRecord{}, false, NewError(CodeIdempotencyInProgress,
			fmt.Sprintf("request with idempotency key %q is already in progress", idempotencyKey))
	case IdempotencyStatusFailed:
		if _, err := tx.Exec(ctx, `
			UPDATE idempotency_records SET status = $1, updated_at = NOW() WHERE id = $2
		`, IdempotencyStatusInProgress, rec.ID); err != nil {
			return IdempotencyRecord{}, false, fmt.Errorf("reopen failed idempotency record: %w", err)
		}
		rec.Status = IdempotencyStatusInProgress
		return rec, true, nil
	default:
		return IdempotencyRecord{}, false, fmt.Errorf("idempotency record %d has unrecognized status %q", rec.ID, rec.Status)
	}
}

func (s *idempotencyService) Complete(ctx context.Context, tx pgx.Tx, recordID int64, status string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE idempotency_records SET status = $1, result = $2, updated_at = NOW() WHERE id = $3
	`, status, raw, recordID)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}
