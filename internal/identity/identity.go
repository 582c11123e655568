// Package identity derives stable consumption identities and gates out
// duplicates. The Deduper is the sole protection for aggregate correctness
// under at-least-once redelivery; every consumer of a consumption event
// sits behind it.
package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/manaops/creditflow/pkg/ledger"
)

// ConsumptionID builds the deterministic composite id for a consumption.
// The same creditID/blockHeight/txHash always yields the same id, so reorg
// replays collide with the stored record, while repeated use of the same
// credit in a different transaction or block yields a distinct id.
func ConsumptionID(creditID common.Hash, blockHeight uint64, txHash common.Hash) string {
	return fmt.Sprintf("%s-%d-%s", creditID.Hex(), blockHeight, txHash.Hex())
}

// Store is the durable lookup the dedup gate checks against.
type Store interface {
	HasConsumption(ctx context.Context, id string) (bool, error)
}

// Cache is an optional fast seen-id layer consulted before the durable
// store. A cache miss always falls through to the store, so correctness
// never depends on the cache.
type Cache interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// Deduper admits each consumption id at most once per batch and never
// re-admits an id already persisted. One Deduper serves one batch.
type Deduper struct {
	store  Store
	cache  Cache
	logger *slog.Logger
	seen   map[string]struct{}
}

// NewDeduper creates a per-batch dedup gate. cache may be nil.
func NewDeduper(store Store, cache Cache, logger *slog.Logger) *Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{
		store:  store,
		cache:  cache,
		logger: logger.With("component", "deduper"),
		seen:   make(map[string]struct{}),
	}
}

// Admit reports whether id is new. A false return means duplicate: the
// caller must drop the event with no side effects.
func (d *Deduper) Admit(ctx context.Context, id string) (bool, error) {
	if _, ok := d.seen[id]; ok {
		d.logger.Debug("duplicate consumption in batch", "id", id)
		return false, nil
	}

	if d.cache != nil {
		hit, err := d.cache.Seen(ctx, id)
		if err != nil {
			// Cache trouble is not a dedup failure; the store check below
			// remains authoritative.
			d.logger.Warn("dedup cache lookup failed", "id", id, "error", err)
		} else if hit {
			d.logger.Debug("duplicate consumption in cache", "id", id)
			d.seen[id] = struct{}{}
			return false, nil
		}
	}

	exists, err := d.store.HasConsumption(ctx, id)
	if err != nil {
		return false, fmt.Errorf("consumption lookup %s: %w", id, err)
	}
	if exists {
		d.logger.Debug("duplicate consumption in store", "id", id)
		d.seen[id] = struct{}{}
		return false, nil
	}

	d.seen[id] = struct{}{}
	if d.cache != nil {
		if err := d.cache.Mark(ctx, id); err != nil {
			d.logger.Warn("dedup cache mark failed", "id", id, "error", err)
		}
	}
	return true, nil
}

// FinalDedup collapses residual same-id duplicates immediately before
// persistence, keeping the first occurrence. Anything removed here slipped
// past the Admit gate and is logged as a warning.
func FinalDedup(consumptions []*ledger.Consumption, logger *slog.Logger) []*ledger.Consumption {
	if logger == nil {
		logger = slog.Default()
	}

	ids := make(map[string]struct{}, len(consumptions))
	unique := consumptions[:0:0]
	for _, c := range consumptions {
		if _, ok := ids[c.ID]; ok {
			logger.Warn("removing duplicate consumption before save", "id", c.ID)
			continue
		}
		ids[c.ID] = struct{}{}
		unique = append(unique, c)
	}

	if removed := len(consumptions) - len(unique); removed > 0 {
		logger.Warn("removed duplicate consumption records", "count", removed)
	}
	return unique
}
