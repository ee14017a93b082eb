package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atp-engine/internal/adapters/httpapi"
	"atp-engine/internal/core"
	"atp-engine/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	cfg := core.LoadConfig()

	uom := core.NewUomConverter()
	balances := core.NewBalanceService(pool)
	costLayers := core.NewCostLayerService(pool)
	warehouses := core.NewWarehouseResolver()
	idempotency := core.NewIdempotencyService(pool)
	outbox := core.NewOutboxService(pool)
	audit := core.NewAuditLogger()
	cache := core.NewATPCache()
	validator := core.NewStockValidator(balances, cfg)

	reservations := core.NewReservationService(pool, cfg, uom, balances, warehouses, outbox, idempotency, cache)
	shipments := core.NewShipmentPoster(pool, cfg, uom, balances, costLayers, validator, warehouses, outbox, audit, cache)

	go runExpiryWorker(ctx, reservations)
	go core.RunOutboxPublisher(ctx, outbox, 2*time.Second, 50, publishOutboxEvent)

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	handler := httpapi.NewHandler(reservations, shipments, balances, allowedOrigins)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("server starting on :%s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

// runExpiryWorker sweeps RESERVED reservations past their expires_at on a
// fixed interval. Grounded on the ticker-driven background loop shape of
// core.RunOutboxPublisher.
func runExpiryWorker(ctx context.Context, reservations core.ReservationService) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reservations.ExpireEligible(ctx, 500)
			if err != nil {
				log.Printf("expire reservations: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expired %d reservations", n)
			}
		}
	}
}

// publishOutboxEvent is the outbox worker's publish callback. The downstream
// transport is left unspecified; this module stops at logging the leased
// event rather than reaching for a broker, matching how background workers
// elsewhere in this codebase log rather than publish.
func publishOutboxEvent(ctx context.Context, e core.OutboxEvent) error {
	log.Printf("outbox: publishing %s/%s event=%s", e.AggregateType, e.AggregateID, e.EventType)
	return nil
}
