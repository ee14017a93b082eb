package core_test

import (
	"context"
	"testing"

	"atp-engine/internal/core"
)

func TestOutbox_EnqueueLeasePublish(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewOutboxService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := svc.Enqueue(ctx, tx, 1, core.AggregateTypeReservation, "42", core.EventTypeReservationChanged, map[string]any{"reservationId": 42}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := svc.LeaseBatch(ctx, 10)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].AggregateID != "42" {
		t.Errorf("AggregateID = %q, want 42", events[0].AggregateID)
	}

	if err := svc.MarkDone(ctx, events[0].ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	remaining, err := svc.LeaseBatch(ctx, 10)
	if err != nil {
		t.Fatalf("LeaseBatch (after done): %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("len(remaining) = %d, want 0 after MarkDone", len(remaining))
	}
}

func TestOutbox_MarkFailedRemovesEventFromLease(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	svc := core.NewOutboxService(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := svc.Enqueue(ctx, tx, 1, core.AggregateTypeMovement, "7", core.EventTypeMovementPosted, map[string]any{"movementId": 7}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := svc.LeaseBatch(ctx, 10)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if err := svc.MarkFailed(ctx, events[0].ID, events[0].Attempts+1); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Failed events are left at status=failed, not requeued to pending, so a
	// subsequent lease should not pick it back up without operator action.
	afterFail, err := svc.LeaseBatch(ctx, 10)
	if err != nil {
		t.Fatalf("LeaseBatch (after failed): %v", err)
	}
	if len(afterFail) != 0 {
		t.Fatalf("len(afterFail) = %d, want 0", len(afterFail))
	}
}
