package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxService implements the transactional-outbox pattern: domain events
// are written in the same transaction as the state change they describe,
// then published by a separate worker using a FOR UPDATE SKIP LOCKED
// lease-batch query, threaded through pgx.Tx throughout.
type OutboxService interface {
	// Enqueue appends an event row inside the caller's transaction.
	Enqueue(ctx context.Context, tx pgx.Tx, companyID int, aggregateType, aggregateID, eventType string, payload any) error
	// LeaseBatch selects up to limit pending rows FOR UPDATE SKIP LOCKED,
	// skipping rows locked by a concurrent LeaseBatch, and commits before
	// returning: the rows stay pending and unlocked until MarkDone/MarkFailed,
	// so another LeaseBatch call before then can return them again.
	LeaseBatch(ctx context.Context, limit int) ([]OutboxEvent, error)
	// MarkDone/MarkFailed record the outcome of one publish attempt.
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int) error
}

type outboxService struct {
	pool *pgxpool.Pool
}

// NewOutboxService constructs the default OutboxService.
func NewOutboxService(pool *pgxpool.Pool) OutboxService {
	return &outboxService{pool: pool}
}

func (s *outboxService) Enqueue(ctx context.Context, tx pgx.Tx, companyID int, aggregateType, aggregateID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (company_id, aggregate_type, aggregate_id, event_type, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
	`, companyID, aggregateType, aggregateID, eventType, raw, OutboxStatusPending)
	if err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

func (s *outboxService) LeaseBatch(ctx context.Context, limit int) ([]OutboxEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin outbox lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, company_id, aggregate_type, aggregate_id, event_type, payload, status, attempts, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.Status, &e.Attempts, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit outbox lease tx: %w", err)
	}
	return events, nil
}

func (s *outboxService) MarkDone(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox_events SET status = $1 WHERE id = $2`, OutboxStatusDone, id)
	if err != nil {
		return fmt.Errorf("mark outbox event done: %w", err)
	}
	return nil
}

func (s *outboxService) MarkFailed(ctx context.Context, id int64, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET status = $1, attempts = $2 WHERE id = $3
	`, OutboxStatusFailed, attempts, id)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

// RunOutboxPublisher polls for pending events on ticker's cadence and hands
// each leased batch to publish until ctx is canceled. Mirrors the
// other_examples/ outbox worker's poll-lease-publish loop shape.
func RunOutboxPublisher(ctx context.Context, svc OutboxService, interval time.Duration, batchSize int, publish func(context.Context, OutboxEvent) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := svc.LeaseBatch(ctx, batchSize)
			if err != nil {
				continue
			}
			for _, e := range events {
				if err := publish(ctx, e); err != nil {
					_ = svc.MarkFailed(ctx, e.ID, e.Attempts+1)
					continue
				}
				_ = svc.MarkDone(ctx, e.ID)
			}
		}
	}
}
