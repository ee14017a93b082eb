package core_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// setupTestDB truncates and reseeds the schema: skip rather than fail when
// no test database is configured, so these tests never run against a live
// database by accident.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE
			audit_log, outbox_events, idempotency_records,
			shipment_lines, shipments,
			inventory_backorders, reservation_events, inventory_reservations,
			cost_layer_consumptions, inventory_cost_layers, cost_layer_sequences,
			inventory_movement_lines, inventory_movements,
			inventory_balance,
			item_uom_factors, uom_conversions, item_canonical_uoms,
			sales_order_lines, sales_orders, locations
		RESTART IDENTITY CASCADE;

		INSERT INTO locations (id, warehouse_id, sellable, name) VALUES
			(1, 100, true, 'Main Warehouse Floor'),
			(2, 100, true, 'Main Warehouse Overflow'),
			(3, 200, true, 'Secondary Warehouse Floor'),
			(4, 100, false, 'Main Warehouse Quarantine');

		INSERT INTO sales_orders (id, company_id, warehouse_id) VALUES
			(1, 1, 100),
			(2, 1, 200);

		INSERT INTO sales_order_lines (id, sales_order_id, item_id, quantity) VALUES
			(1, 1, 501, 10),
			(2, 1, 502, 5),
			(3, 2, 501, 3);

		INSERT INTO uom_conversions (uom, factor_to_base, dimension) VALUES
			('ea', 1, 'count'),
			('case', 24, 'count'),
			('g', 1, 'mass'),
			('kg', 1000, 'mass');

		INSERT INTO item_canonical_uoms (company_id, item_id, canonical_uom, dimension) VALUES
			(1, 501, 'ea', 'count'),
			(1, 502, 'ea', 'count'),
			(1, 503, 'kg', 'mass');

		INSERT INTO item_uom_factors (company_id, item_id, uom, factor, dimension) VALUES
			(1, 501, 'ea', 1, 'count'),
			(1, 501, 'case', 24, 'count'),
			(1, 502, 'ea', 1, 'count'),
			(1, 503, 'kg', 1000, 'mass'),
			(1, 503, 'g', 1, 'mass');
	`)
	if err != nil {
		t.Fatalf("failed to seed test database: %v", err)
	}

	return pool
}
