package core_test

import (
	"context"
	"testing"

	"atp-engine/internal/core"
)

func TestIdempotency_BeginCompleteReplay(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewIdempotencyService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, started, err := svc.Begin(ctx, tx, 1, "test:scope", "key-1", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !started {
		t.Fatalf("started = false, want true on first Begin")
	}
	if err := svc.Complete(ctx, tx, rec.ID, core.IdempotencyStatusSucceeded, map[string]any{"result": "ok"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin (replay): %v", err)
	}
	defer tx2.Rollback(ctx)
	replayed, started2, err := svc.Begin(ctx, tx2, 1, "test:scope", "key-1", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Begin (replay): %v", err)
	}
	if started2 {
		t.Fatalf("started = true on replay, want false")
	}
	if string(replayed.Result) == "" {
		t.Errorf("replayed.Result is empty")
	}
}

func TestIdempotency_ConflictingRequestBody(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewIdempotencyService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, _, err := svc.Begin(ctx, tx, 1, "test:scope", "key-conflict", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, _, err = svc.Begin(ctx, tx, 1, "test:scope", "key-conflict", map[string]any{"a": 2})
	if !core.IsCode(err, core.CodeIdempotencyConflict) {
		t.Fatalf("err = %v, want %s", err, core.CodeIdempotencyConflict)
	}
}

func TestIdempotency_InProgressWithinSameTransaction(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewIdempotencyService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, _, err := svc.Begin(ctx, tx, 1, "test:scope", "key-inprogress", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, _, err = svc.Begin(ctx, tx, 1, "test:scope", "key-inprogress", map[string]any{"a": 1})
	if !core.IsCode(err, core.CodeIdempotencyInProgress) {
		t.Fatalf("err = %v, want %s", err, core.CodeIdempotencyInProgress)
	}
}
