package core_test

import (
	"context"
	"testing"

	"atp-engine/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// setupReservationService wires a ReservationService against a freshly
// seeded test database with the default collaborators, in the same order
// cmd/server/main.go constructs them.
func setupReservationService(t *testing.T) (core.ReservationService, core.BalanceService, *pgxpool.Pool, context.Context) {
	t.Helper()
	pool := setupTestDB(t)
	ctx := context.Background()

	balances := core.NewBalanceService(pool)
	svc := core.NewReservationService(
		pool,
		core.LoadConfig(),
		core.NewUomConverter(),
		balances,
		core.NewWarehouseResolver(),
		core.NewOutboxService(pool),
		core.NewIdempotencyService(pool),
		core.NewATPCache(),
	)
	return svc, balances, pool, ctx
}

// seedOnHand sets a balance row's on_hand quantity directly, the way an
// upstream receiving/adjustment flow outside this module's scope would have
// already populated inventory_balance before any reservation is attempted.
func seedOnHand(t *testing.T, ctx context.Context, pool *pgxpool.Pool, companyID, itemID, locationID int, uom string, qty decimal.Decimal) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO inventory_balance (company_id, item_id, location_id, uom, on_hand, reserved, allocated, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, NOW())
		ON CONFLICT (company_id, item_id, location_id, uom) DO UPDATE SET on_hand = EXCLUDED.on_hand
	`, companyID, itemID, locationID, uom, qty)
	if err != nil {
		t.Fatalf("seed on-hand balance: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestReservation_Create_RejectsInsufficientAvailable(t *testing.T) {
	svc, _, _, ctx := setupReservationService(t)

	// Item 501 at location 1 has no balance row yet: a request for 5 units
	// with backorders disabled must fail with insufficient-available.
	_, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "batch-1",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(5), Uom: "ea", AllowBackorder: boolPtr(false)},
		},
	})
	if !core.IsCode(err, core.CodeATPInsufficientAvailable) {
		t.Fatalf("err = %v, want %s", err, core.CodeATPInsufficientAvailable)
	}
}

func TestReservation_Create_BackordersPartialShortfall(t *testing.T) {
	svc, _, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 501, 1, "ea", decimal.NewFromInt(3))

	result, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "batch-2",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(10), Uom: "ea"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(result.Reservations) != 1 {
		t.Fatalf("len(Reservations) = %d, want 1", len(result.Reservations))
	}
	if !result.Reservations[0].QuantityReserved.Equal(decimal.NewFromInt(3)) {
		t.Errorf("QuantityReserved = %s, want 3", result.Reservations[0].QuantityReserved)
	}
	if len(result.Backorders) != 1 {
		t.Fatalf("len(Backorders) = %d, want 1", len(result.Backorders))
	}
	if !result.Backorders[0].QuantityBackordered.Equal(decimal.NewFromInt(7)) {
		t.Errorf("QuantityBackordered = %s, want 7", result.Backorders[0].QuantityBackordered)
	}
}

func TestReservation_Create_IdempotentRetry(t *testing.T) {
	svc, balances, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 501, 1, "ea", decimal.NewFromInt(20))

	req := core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "batch-3",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(5), Uom: "ea"},
		},
	}

	first, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create (first): %v", err)
	}
	second, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create (retry): %v", err)
	}
	if first.Reservations[0].ID != second.Reservations[0].ID {
		t.Errorf("retry created a new reservation: first=%d second=%d", first.Reservations[0].ID, second.Reservations[0].ID)
	}

	bal, err := balances.GetBalance(ctx, 1, 501, 1, "ea")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Reserved.Equal(decimal.NewFromInt(5)) {
		t.Errorf("reserved = %s, want 5 (retry must not double-reserve)", bal.Reserved)
	}
}

func TestReservation_Create_RejectsNonSellableLocation(t *testing.T) {
	svc, _, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 501, 4, "ea", decimal.NewFromInt(10))

	_, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "batch-4",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 4, Quantity: decimal.NewFromInt(1), Uom: "ea"},
		},
	})
	if !core.IsCode(err, core.CodeLocationNotSellable) {
		t.Fatalf("err = %v, want %s", err, core.CodeLocationNotSellable)
	}
}

func TestReservation_AllocateCancelFulfillLifecycle(t *testing.T) {
	svc, balances, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 501, 1, "ea", decimal.NewFromInt(20))

	created, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "lifecycle-1",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(10), Uom: "ea"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reservationID := created.Reservations[0].ID

	t.Run("allocate moves reserved into allocated", func(t *testing.T) {
		r, err := svc.Allocate(ctx, 1, 100, reservationID, "")
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if r.State != core.ReservationAllocated {
			t.Fatalf("state = %s, want ALLOCATED", r.State)
		}
		bal, err := balances.GetBalance(ctx, 1, 501, 1, "ea")
		if err != nil {
			t.Fatalf("GetBalance: %v", err)
		}
		if !bal.Allocated.Equal(decimal.NewFromInt(10)) || !bal.Reserved.IsZero() {
			t.Errorf("balance = (reserved=%s, allocated=%s), want (0, 10)", bal.Reserved, bal.Allocated)
		}
	})

	t.Run("allocate is rejected a second time from ALLOCATED", func(t *testing.T) {
		_, err := svc.Allocate(ctx, 1, 100, reservationID, "")
		if !core.IsCode(err, core.CodeReservationInvalidState) {
			t.Fatalf("err = %v, want %s", err, core.CodeReservationInvalidState)
		}
	})

	t.Run("partial fulfill leaves reservation ALLOCATED", func(t *testing.T) {
		r, err := svc.Fulfill(ctx, 1, 100, reservationID, decimal.NewFromInt(4), "")
		if err != nil {
			t.Fatalf("Fulfill: %v", err)
		}
		if r.State != core.ReservationAllocated {
			t.Fatalf("state = %s, want ALLOCATED", r.State)
		}
		if !r.QuantityFulfilled.Equal(decimal.NewFromInt(4)) {
			t.Errorf("QuantityFulfilled = %s, want 4", r.QuantityFulfilled)
		}
	})

	t.Run("fulfilling the remainder transitions to FULFILLED", func(t *testing.T) {
		r, err := svc.Fulfill(ctx, 1, 100, reservationID, decimal.NewFromInt(6), "")
		if err != nil {
			t.Fatalf("Fulfill: %v", err)
		}
		if r.State != core.ReservationFulfilled {
			t.Fatalf("state = %s, want FULFILLED", r.State)
		}
		bal, err := balances.GetBalance(ctx, 1, 501, 1, "ea")
		if err != nil {
			t.Fatalf("GetBalance: %v", err)
		}
		if !bal.Allocated.IsZero() {
			t.Errorf("allocated = %s, want 0 after full fulfillment", bal.Allocated)
		}
	})

	t.Run("cancel a terminal reservation is rejected", func(t *testing.T) {
		_, err := svc.Cancel(ctx, 1, 100, reservationID, "", "changed my mind")
		if !core.IsCode(err, core.CodeReservationInvalidState) {
			t.Fatalf("err = %v, want %s", err, core.CodeReservationInvalidState)
		}
	})
}

func TestReservation_Cancel_ReleasesReservedCounter(t *testing.T) {
	svc, balances, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 501, 1, "ea", decimal.NewFromInt(10))

	created, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "cancel-1",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(6), Uom: "ea"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, err := svc.Cancel(ctx, 1, 100, created.Reservations[0].ID, "", "order cancelled")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r.State != core.ReservationCancelled {
		t.Fatalf("state = %s, want CANCELLED", r.State)
	}

	bal, err := balances.GetBalance(ctx, 1, 501, 1, "ea")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Reserved.IsZero() {
		t.Errorf("reserved = %s, want 0 after cancel", bal.Reserved)
	}
}

func TestReservation_LifecycleIdempotency_Allocate(t *testing.T) {
	svc, _, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 502, 1, "ea", decimal.NewFromInt(5))

	created, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "idem-alloc-1",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 2, ItemID: 502, LocationID: 1, Quantity: decimal.NewFromInt(5), Uom: "ea"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reservationID := created.Reservations[0].ID

	first, err := svc.Allocate(ctx, 1, 100, reservationID, "alloc-key-1")
	if err != nil {
		t.Fatalf("Allocate (first): %v", err)
	}
	second, err := svc.Allocate(ctx, 1, 100, reservationID, "alloc-key-1")
	if err != nil {
		t.Fatalf("Allocate (replay): %v", err)
	}
	if first.State != second.State {
		t.Errorf("replay state mismatch: first=%s second=%s", first.State, second.State)
	}
}

func TestReservation_ExpireEligible(t *testing.T) {
	svc, balances, pool, ctx := setupReservationService(t)
	seedOnHand(t, ctx, pool, 1, 501, 1, "ea", decimal.NewFromInt(10))

	created, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "expire-1",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(4), Uom: "ea"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Back-date expires_at directly so the sweep finds this reservation
	// already due, exercised the way it would be hours later.
	if _, err := pool.Exec(ctx, `UPDATE inventory_reservations SET expires_at = NOW() - interval '1 hour' WHERE id = $1`, created.Reservations[0].ID); err != nil {
		t.Fatalf("back-date expires_at: %v", err)
	}

	n, err := svc.ExpireEligible(ctx, 10)
	if err != nil {
		t.Fatalf("ExpireEligible: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	bal, err := balances.GetBalance(ctx, 1, 501, 1, "ea")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Reserved.IsZero() {
		t.Errorf("reserved = %s, want 0 after expiry", bal.Reserved)
	}
}

func TestReservation_CheckAvailability_SumsWarehouseAndReflectsReservation(t *testing.T) {
	svc, _, pool, ctx := setupReservationService(t)
	// Locations 1 and 2 both belong to warehouse 100.
	seedOnHand(t, ctx, pool, 1, 501, 1, "ea", decimal.NewFromInt(10))
	seedOnHand(t, ctx, pool, 1, 501, 2, "ea", decimal.NewFromInt(5))

	available, err := svc.CheckAvailability(ctx, 1, 100, 501, "ea")
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("available = %s, want 15 (sum across warehouse 100's locations)", available)
	}

	if _, err := svc.Create(ctx, core.CreateReservationsRequest{
		CompanyID:      1,
		IdempotencyKey: "avail-1",
		Lines: []core.ReservationLineInput{
			{DemandType: "sales_order_line", DemandID: 1, ItemID: 501, LocationID: 1, Quantity: decimal.NewFromInt(4), Uom: "ea"},
		},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	available, err = svc.CheckAvailability(ctx, 1, 100, 501, "ea")
	if err != nil {
		t.Fatalf("CheckAvailability (post-reserve): %v", err)
	}
	if !available.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("available = %s, want 11 after reserving 4 (cache must be invalidated by Create)", available)
	}
}
