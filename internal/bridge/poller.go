package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manaops/creditflow/internal/notify"
	"github.com/manaops/creditflow/pkg/ledger"
)

// OrderUpdater writes settlement results back to the durable order record.
type OrderUpdater interface {
	UpdateBridgeOrderStatus(ctx context.Context, orderHash, destinationTx, status string) error
}

// PendingOrder is one transient polling entry. It lives only in process
// memory; a restart drops in-flight polls, which forfeits the real-time
// notification update but never the correctness of stored data.
type PendingOrder struct {
	Order     *ledger.BridgeOrder
	Message   notify.MessageRef
	FirstSeen time.Time

	attempts int
}

// PollerConfig bounds the polling loop.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultPollerConfig gives roughly fifteen minutes of polling per order.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:    30 * time.Second,
		MaxAttempts: 30,
	}
}

// Poller owns the transient pending-order set and resolves orders against
// the external status endpoint on a fixed interval, independent of batch
// processing. The batch path only ever enqueues; the poller alone iterates
// and deletes.
type Poller struct {
	cfg      PollerConfig
	client   StatusClient
	store    OrderUpdater
	notifier notify.Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingOrder
}

// NewPoller creates a poller. notifier may be the disabled notifier; entry
// updates then silently no-op.
func NewPoller(cfg PollerConfig, client StatusClient, store OrderUpdater, notifier notify.Notifier, logger *slog.Logger) *Poller {
	defaults := DefaultPollerConfig()
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		client:   client,
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "bridge-poller"),
		pending:  make(map[string]*PendingOrder),
	}
}

// Enqueue registers an order for polling. Called by the batch path after a
// notification was dispatched for the order. Re-enqueueing an order hash
// already pending keeps the original entry and its retry budget.
func (p *Poller) Enqueue(entry PendingOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[entry.Order.OrderHash]; ok {
		return
	}
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = time.Now()
	}
	p.pending[entry.Order.OrderHash] = &entry

	p.logger.Info("bridge order queued for status polling",
		"order_hash", entry.Order.OrderHash,
		"source_tx", entry.Order.TxHash,
		"pending", len(p.pending),
	)
}

// PendingCount returns the number of orders currently being polled.
func (p *Poller) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run polls until ctx is done. It never returns an error from individual
// entries; each entry's failures are isolated.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("status polling started",
		"interval", p.cfg.Interval,
		"max_attempts", p.cfg.MaxAttempts,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce issues one status query per pending entry. Queries run outside
// the lock; state transitions re-take it.
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*PendingOrder, 0, len(p.pending))
	for _, entry := range p.pending {
		snapshot = append(snapshot, entry)
	}
	p.mu.Unlock()

	for _, entry := range snapshot {
		res, err := p.client.QueryStatus(ctx, entry.Order.TxHash)
		if err != nil {
			// Transport failure carries no new information; it spends one
			// attempt like a non-terminal response.
			p.logger.Debug("status query failed",
				"order_hash", entry.Order.OrderHash, "error", err)
			p.miss(entry)
			continue
		}

		if !res.Resolved() {
			p.miss(entry)
			continue
		}

		if err := p.store.UpdateBridgeOrderStatus(ctx, entry.Order.OrderHash, res.DestinationTx, string(res.Status)); err != nil {
			// Keep the entry so the durable write is retried next tick.
			p.logger.Error("bridge order status update failed",
				"order_hash", entry.Order.OrderHash, "error", err)
			p.miss(entry)
			continue
		}

		if err := p.notifier.Update(ctx, entry.Message,
			notify.OrderResolvedMessage(entry.Order, res.DestinationTx, string(res.Status))); err != nil && err != notify.ErrDisabled {
			p.logger.Warn("notification update failed",
				"order_hash", entry.Order.OrderHash, "error", err)
		}

		p.remove(entry.Order.OrderHash)
		p.logger.Info("bridge order resolved",
			"order_hash", entry.Order.OrderHash,
			"destination_tx", res.DestinationTx,
			"status", res.Status,
			"attempts", entry.attempts+1,
		)
	}
}

// miss spends one attempt and expires the entry once the budget is gone.
// An expired order's durable record keeps its last-known status.
func (p *Poller) miss(entry *PendingOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry.attempts++
	if entry.attempts < p.cfg.MaxAttempts {
		return
	}

	delete(p.pending, entry.Order.OrderHash)
	p.logger.Warn("giving up on bridge order status",
		"order_hash", entry.Order.OrderHash,
		"source_tx", entry.Order.TxHash,
		"attempts", entry.attempts,
		"waited", time.Since(entry.FirstSeen).Round(time.Second),
	)
}

func (p *Poller) remove(orderHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, orderHash)
}
