package storage

import (
	"time"
)

// OutboxStatus represents the processing state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// Record kinds carried in outbox payloads.
const (
	KindConsumption = "consumption"
	KindBridgeOrder = "bridge_order"
)

// OutboxMessage represents a message in the transactional outbox. Rows are
// written in the same transaction as the ledger records they describe and
// drained later by the outbox publisher.
type OutboxMessage struct {
	ID           int64        `db:"id"`
	RecordID     string       `db:"record_id"`
	RecordKind   string       `db:"record_kind"`
	Topic        string       `db:"topic"`
	PartitionKey string       `db:"partition_key"`
	Payload      []byte       `db:"payload"`
	Status       OutboxStatus `db:"status"`
	RetryCount   int32        `db:"retry_count"`
	MaxRetries   int32        `db:"max_retries"`
	LastError    *string      `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
	ProcessedAt  *time.Time   `db:"processed_at"`
	PublishedAt  *time.Time   `db:"published_at"`
}
