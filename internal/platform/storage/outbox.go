package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxRepository drains the transactional outbox. Rows are inserted by
// LedgerRepository.SaveBatch in the same transaction as the records they
// announce; this repository owns the publisher side of the hand-off.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// insertOutbox writes one outbox row inside an open transaction.
func insertOutbox(ctx context.Context, tx pgx.Tx, recordID, recordKind, topic, partitionKey string, payload []byte) error {
	sql := `
		INSERT INTO outbox (record_id, record_kind, topic, partition_key, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, sql, recordID, recordKind, topic, partitionKey, payload); err != nil {
		return fmt.Errorf("insert outbox %s/%s: %w", recordKind, recordID, err)
	}
	return nil
}

// FetchPendingMessages retrieves pending outbox messages for publishing.
// Messages are returned in order by ID to maintain strict ordering.
func (r *OutboxRepository) FetchPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	sql := `
		SELECT id, record_id, record_kind, topic, partition_key, payload,
		       status, retry_count, max_retries, last_error,
		       created_at, processed_at, published_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
	`

	rows, err := r.db.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		err := rows.Scan(
			&msg.ID, &msg.RecordID, &msg.RecordKind, &msg.Topic, &msg.PartitionKey, &msg.Payload,
			&msg.Status, &msg.RetryCount, &msg.MaxRetries, &msg.LastError,
			&msg.CreatedAt, &msg.ProcessedAt, &msg.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkAsProcessing atomically marks messages as processing.
// Returns the IDs that were successfully claimed (handles concurrent workers).
func (r *OutboxRepository) MarkAsProcessing(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sql := `
		UPDATE outbox
		SET status = 'processing', processed_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING id
	`

	rows, err := r.db.pool.Query(ctx, sql, time.Now().UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	defer rows.Close()

	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		claimed = append(claimed, id)
	}

	return claimed, rows.Err()
}

// MarkAsPublished marks messages as successfully published.
func (r *OutboxRepository) MarkAsPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	sql := `
		UPDATE outbox
		SET status = 'published', published_at = $1
		WHERE id = ANY($2)
	`

	_, err := r.db.pool.Exec(ctx, sql, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}

	return nil
}

// MarkAsFailed marks a message as failed with an error message. The row
// returns to pending until its retry budget runs out.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64, errMsg string) error {
	sql := `
		UPDATE outbox
		SET status = CASE
				WHEN retry_count + 1 >= max_retries THEN 'failed'
				ELSE 'pending'
			END,
			retry_count = retry_count + 1,
			last_error = $1,
			processed_at = NULL
		WHERE id = $2
	`

	_, err := r.db.pool.Exec(ctx, sql, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	return nil
}
