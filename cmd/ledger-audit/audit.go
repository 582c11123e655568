package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manaops/creditflow/internal/platform/storage"
)

// AuditConfig controls which anomalies count as findings.
type AuditConfig struct {
	// OrderAge is how long a bridge order may stay unresolved before it
	// is flagged as stuck.
	OrderAge time.Duration
	// OutboxAge is how long an outbox row may stay pending before it is
	// flagged as stalled.
	OutboxAge time.Duration
	// WatermarkLag is the allowed distance in blocks between the highest
	// recorded consumption and the notification watermark.
	WatermarkLag int64
}

// Finding is one anomaly discovered by an audit pass.
type Finding struct {
	Check  string
	Detail string
}

// Auditor runs read-only consistency checks against the ledger database.
type Auditor struct {
	db     *storage.DB
	cfg    AuditConfig
	logger *slog.Logger
}

func NewAuditor(db *storage.DB, cfg AuditConfig, logger *slog.Logger) *Auditor {
	return &Auditor{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "ledger_audit"),
	}
}

// Run executes all checks and returns the findings. A database error aborts
// the pass; an empty slice means the ledger looks healthy.
func (a *Auditor) Run(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	stuck, err := a.checkStuckOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("stuck order check: %w", err)
	}
	findings = append(findings, stuck...)

	stalled, err := a.checkStalledOutbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox check: %w", err)
	}
	findings = append(findings, stalled...)

	lag, err := a.checkNotificationLag(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark check: %w", err)
	}
	findings = append(findings, lag...)

	orphans, err := a.checkOrphanFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphan flow check: %w", err)
	}
	findings = append(findings, orphans...)

	for _, f := range findings {
		a.logger.Warn("audit finding", "check", f.Check, "detail", f.Detail)
	}
	return findings, nil
}

// checkStuckOrders flags bridge orders that have neither a destination
// transaction nor a terminal status after OrderAge. The poller gives up
// after its attempt budget, so old unresolved orders need manual follow-up.
func (a *Auditor) checkStuckOrders(ctx context.Context) ([]Finding, error) {
	rows, err := a.db.Pool().Query(ctx, `
		SELECT order_hash, COALESCE(status, ''), ts
		FROM bridge_orders
		WHERE destination_tx IS NULL
		  AND (status IS NULL OR status NOT IN ('success', 'partial_success', 'refund', 'needs_gas'))
		  AND ts < NOW() - $1::interval
		ORDER BY ts ASC
		LIMIT 100
	`, a.cfg.OrderAge.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var hash, status string
		var ts time.Time
		if err := rows.Scan(&hash, &status, &ts); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			Check:  "stuck_order",
			Detail: fmt.Sprintf("order %s status %q unresolved since %s", hash, status, ts.Format(time.RFC3339)),
		})
	}
	return findings, rows.Err()
}

// checkStalledOutbox flags rows the publisher has given up on and pending
// rows older than OutboxAge.
func (a *Auditor) checkStalledOutbox(ctx context.Context) ([]Finding, error) {
	var dead, stale int64
	err := a.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'failed' AND retry_count >= max_retries),
			COUNT(*) FILTER (WHERE status = 'pending' AND created_at < NOW() - $1::interval)
		FROM outbox
	`, a.cfg.OutboxAge.String()).Scan(&dead, &stale)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	if dead > 0 {
		findings = append(findings, Finding{
			Check:  "outbox_dead",
			Detail: fmt.Sprintf("%d messages exhausted retries", dead),
		})
	}
	if stale > 0 {
		findings = append(findings, Finding{
			Check:  "outbox_stalled",
			Detail: fmt.Sprintf("%d pending messages older than %s", stale, a.cfg.OutboxAge),
		})
	}
	return findings, nil
}

// checkNotificationLag compares the notification watermark against the
// highest consumption block. A large gap means announcements stopped while
// ingestion kept going.
func (a *Auditor) checkNotificationLag(ctx context.Context) ([]Finding, error) {
	var maxBlock, watermark int64
	err := a.db.Pool().QueryRow(ctx, `
		SELECT
			COALESCE((SELECT MAX(block_height) FROM credit_consumptions), 0),
			COALESCE((SELECT last_notified FROM notification_state WHERE name = 'consumptions'), 0)
	`).Scan(&maxBlock, &watermark)
	if err != nil {
		return nil, err
	}

	if lag := maxBlock - watermark; lag > a.cfg.WatermarkLag {
		return []Finding{{
			Check:  "notification_lag",
			Detail: fmt.Sprintf("watermark %d is %d blocks behind latest consumption at %d", watermark, lag, maxBlock),
		}}, nil
	}
	return nil, nil
}

// checkOrphanFlows flags money flows whose member list references
// consumption ids that were never persisted. The batch writer stores both
// sides in one transaction, so a dangling reference indicates corruption.
func (a *Auditor) checkOrphanFlows(ctx context.Context) ([]Finding, error) {
	rows, err := a.db.Pool().Query(ctx, `
		SELECT f.id, cid.value
		FROM money_flows f,
		     jsonb_array_elements_text(f.consumption_ids) AS cid(value)
		WHERE NOT EXISTS (
			SELECT 1 FROM credit_consumptions c WHERE c.id = cid.value
		)
		LIMIT 100
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var flowID, consumptionID string
		if err := rows.Scan(&flowID, &consumptionID); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			Check:  "dangling_consumption_ref",
			Detail: fmt.Sprintf("flow %s references missing consumption %s", flowID, consumptionID),
		})
	}
	return findings, rows.Err()
}
